package node

import (
	"fmt"
	"strings"
	"time"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	"github.com/tendermint/tendermint/version"
	"github.com/tendermint/tm-db/memdb"

	"lattice_consensus/cementing"
	"lattice_consensus/config"
	"lattice_consensus/consensus"
	"lattice_consensus/ledger"
	"lattice_consensus/libs/metric"
	"lattice_consensus/privval"
	"lattice_consensus/scheduler"
	"lattice_consensus/store"
	"lattice_consensus/types"
)

const networkName = "lattice-consensus"

type Provider func(*config.Config, log.Logger) (*Node, error)

type Node struct {
	service.BaseService

	// config
	config *config.Config

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch // p2p connections
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey // our node privkey

	// ledger
	kvStore        *store.KVStore
	ledger         *ledger.Ledger
	writeQueue     *store.WriteQueue
	blockProcessor *ledger.BlockProcessor
	onlineReps     *ledger.OnlineReps

	// services
	cementing     *cementing.Processor
	active        *consensus.ActiveElections
	scheduler     *scheduler.Scheduler
	repTiers      *consensus.RepTiers
	voteProcessor *consensus.VoteProcessor
	voteGenerator *consensus.VoteGenerator // 没有代表密钥时为nil
	reactor       *consensus.Reactor

	stats     *metric.Stats
	metricSet *metric.MetricSet
}

type Option func(*Node)

// DefaultNewNode 从配置目录加载node key和代表密钥
func DefaultNewNode(config *config.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}

	var rep *privval.FilePV
	if tmos.FileExists(config.RepKeyFile()) {
		if rep, err = privval.LoadFilePV(config.RepKeyFile()); err != nil {
			return nil, err
		}
	}
	return NewNode(config, nodeKey, rep, logger)
}

// openStore 按db_backend打开账本数据库
func openStore(config *config.Config, logger log.Logger) (*store.KVStore, error) {
	switch config.DBBackend {
	case "memdb":
		return store.NewKVStoreWithDB(memdb.NewDB(), logger), nil
	default:
		return store.NewKVStore("ledger", config.DBPath(), logger)
	}
}

// loadGenesis 创世密钥文件存在时构造创世区块，账本为空时写入
func loadGenesis(config *config.Config) (*types.Block, error) {
	if !tmos.FileExists(config.GenesisKeyFile()) {
		return nil, nil
	}
	pv, err := privval.LoadFilePV(config.GenesisKeyFile())
	if err != nil {
		return nil, err
	}
	amount, err := config.GenesisAmountValue()
	if err != nil {
		return nil, err
	}
	return ledger.GenesisBlock(pv.PrivKey(), amount), nil
}

func createTransport(
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	var (
		mConnConfig = conn.DefaultMConnConfig()
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)
	return transport
}

func createSwitch(config *config.Config,
	transport p2p.Transport,
	consensusReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("CONSENSUS", consensusReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(
	config *config.Config,
	nodeKey *p2p.NodeKey,
) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			8, // global
			11,
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       networkName,
		Version:       version.TMCoreSemVer,
		Channels: []byte{
			consensus.BlockChannel,
			consensus.VoteChannel,
			consensus.ConfirmReqChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex: "off",
		},
	}

	lAddr := config.P2P.ExternalAddress

	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}

	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

// NewNode 组装账本、共识各服务以及p2p
// rep为nil时本节点不作为代表投票
func NewNode(config *config.Config, nodeKey *p2p.NodeKey, rep *privval.FilePV, logger log.Logger, options ...Option) (*Node, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}

	kvStore, err := openStore(config, logger.With("module", "store"))
	if err != nil {
		return nil, err
	}
	genesis, err := loadGenesis(config)
	if err != nil {
		return nil, err
	}
	l, err := ledger.NewLedger(kvStore, genesis, logger.With("module", "ledger"))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger (run init-ledger first?): %w", err)
	}

	minimum, err := config.Consensus.OnlineWeightMinimumAmount()
	if err != nil {
		return nil, err
	}
	onlineReps := ledger.NewOnlineReps(
		l.RepWeights,
		config.Consensus.OnlineWeightWindow,
		config.Consensus.OnlineWeightSamples,
		minimum,
		config.Consensus.OnlineWeightQuorum,
	)

	stats := metric.NewStats()
	writeQueue := store.NewWriteQueue()

	cp := cementing.NewProcessor(config.ConfirmationHeight, l, writeQueue, cementing.WithStats(stats))
	cp.SetLogger(logger.With("module", "cementing"))

	reactor := consensus.NewReactor()
	reactor.SetLogger(logger.With("module", "consensus"))

	var network consensus.Network = reactor
	var vg *consensus.VoteGenerator
	if rep != nil {
		// 先创建VoteGenerator，VoteProcessor在下面补上
		network = consensus.NewLocalRepNetwork(reactor, rep.Account(), func(peer p2p.ID, entries []consensus.ConfirmReqEntry) {
			vg.HandleConfirmReq(peer, entries)
		})
	}

	active := consensus.NewActiveElections(config.Consensus, l, onlineReps, cp,
		consensus.WithStats(stats),
		consensus.WithNetwork(network),
	)
	active.SetLogger(logger.With("module", "active_elections"))

	err = cp.EventSwitch().AddListenerForEvent("active_elections", cementing.EventBlockCemented, func(data events.EventData) {
		active.BlockCemented(data.(*types.Block))
	})
	if err != nil {
		return nil, err
	}

	sched := scheduler.NewScheduler(config.Scheduler, l, active, stats, scheduler.WithCementedSource(cp.Cemented()))
	sched.SetLogger(logger.With("module", "scheduler"))

	repTiers := consensus.NewRepTiers(l, onlineReps, config.VoteProcessor.RepTiersInterval)
	repTiers.SetLogger(logger.With("module", "rep_tiers"))

	vp := consensus.NewVoteProcessor(config.VoteProcessor, active, onlineReps, repTiers, stats)
	vp.SetLogger(logger.With("module", "vote_processor"))
	reactor.SetVoteProcessor(vp)

	if rep != nil {
		vg = consensus.NewVoteGenerator(config.Consensus, rep.PrivKey(), l, reactor, vp, stats)
		vg.SetLogger(logger.With("module", "vote_generator"))
		reactor.SetConfirmReqHandler(vg.HandleConfirmReq)
	}

	blockProcessor := ledger.NewBlockProcessor(l, writeQueue, logger.With("module", "block_processor"))
	blockProcessor.AddObserver(func(block *types.Block, result ledger.ProcessResult) {
		switch result {
		case ledger.Progress:
			sched.Activate(block.Account)
		case ledger.Fork:
			active.Publish(block)
		}
	})
	reactor.SetBlockHandler(func(block *types.Block) {
		if _, err := blockProcessor.Process(block); err != nil {
			logger.Error("failed to process block", "hash", block.Hash(), "err", err)
		}
	})

	metricSet := metric.NewMetricSet()
	for label, item := range map[string]metric.MetricItem{
		"stats":            stats,
		"active_elections": active.Metric(),
		"vote_processor":   vp.Metric(),
	} {
		if err := metricSet.SetMetrics(label, item); err != nil {
			return nil, err
		}
	}

	p2pLogger := logger.With("module", "p2p")
	nodeInfo, err := makeNodeInfo(config, nodeKey)
	if err != nil {
		return nil, err
	}
	transport := createTransport(nodeInfo, nodeKey)
	sw := createSwitch(config, transport, reactor, nodeInfo, nodeKey, p2pLogger)

	node := &Node{
		config:         config,
		transport:      transport,
		sw:             sw,
		nodeInfo:       nodeInfo,
		nodeKey:        nodeKey,
		kvStore:        kvStore,
		ledger:         l,
		writeQueue:     writeQueue,
		blockProcessor: blockProcessor,
		onlineReps:     onlineReps,
		cementing:      cp,
		active:         active,
		scheduler:      sched,
		repTiers:       repTiers,
		voteProcessor:  vp,
		voteGenerator:  vg,
		reactor:        reactor,
		stats:          stats,
		metricSet:      metricSet,
	}

	node.BaseService = *service.NewBaseService(logger, "Node", node)
	for _, option := range options {
		option(node)
	}

	return node, nil
}

// services 按启动顺序排列，停止时逆序
func (n *Node) services() []service.Service {
	services := []service.Service{
		n.cementing,
		n.active,
		n.scheduler,
		n.repTiers,
		n.voteProcessor,
	}
	if n.voteGenerator != nil {
		services = append(services, n.voteGenerator)
	}
	return services
}

func (n *Node) startServices() error {
	for _, s := range n.services() {
		if err := s.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", s, err)
		}
	}
	return nil
}

func (n *Node) stopServices() {
	services := n.services()
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(); err != nil {
			n.Logger.Error("failed to stop service", "service", services[i], "err", err)
		}
	}
}

func (n *Node) OnStart() error {
	if err := n.startServices(); err != nil {
		return err
	}

	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// start the Switch
	err = n.sw.Start()
	if err != nil {
		return err
	}

	n.Logger.Info("dialing persistent peers", "peers", n.config.P2P.PersistentPeers)
	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	if n.config.StatsLogInterval > 0 {
		go n.statsRoutine()
	}
	return nil
}

func (n *Node) OnStop() {
	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("failed to stop switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("failed to close transport", "err", err)
	}
	n.stopServices()
	if err := n.kvStore.Close(); err != nil {
		n.Logger.Error("failed to close ledger store", "err", err)
	}
}

// statsRoutine 周期性输出各模块的统计
func (n *Node) statsRoutine() {
	ticker := time.NewTicker(n.config.StatsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.Quit():
			return
		case <-ticker.C:
			for label, js := range n.metricSet.JSONStrings() {
				n.Logger.Info("stats", "label", label, "value", js)
			}
		}
	}
}

// ProcessBlocks 本地提交区块，例如钱包或测试
func (n *Node) ProcessBlocks(blocks ...*types.Block) ([]ledger.ProcessResult, error) {
	results, err := n.blockProcessor.Process(blocks...)
	if err != nil {
		return nil, err
	}
	for i, block := range blocks {
		if results[i] == ledger.Progress {
			n.reactor.Broadcast(block)
		}
	}
	return results, nil
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) Ledger() *ledger.Ledger {
	return n.ledger
}

func (n *Node) ActiveElections() *consensus.ActiveElections {
	return n.active
}

func (n *Node) Scheduler() *scheduler.Scheduler {
	return n.scheduler
}

func (n *Node) Cementing() *cementing.Processor {
	return n.cementing
}

func (n *Node) VoteProcessor() *consensus.VoteProcessor {
	return n.voteProcessor
}

func (n *Node) MetricSet() *metric.MetricSet {
	return n.metricSet
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. If sep is empty, SplitAndTrim splits after each
// UTF-8 sequence. First part is equivalent to strings.SplitN with a count of
// -1.  also filter out empty strings, only return non-empty strings.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
