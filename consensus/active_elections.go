package consensus

import (
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"lattice_consensus/config"
	cstypes "lattice_consensus/consensus/types"
	"lattice_consensus/ledger"
	"lattice_consensus/libs/metric"
	"lattice_consensus/types"
)

// ------ Event ------
// ActiveElections对外广播的事件
const (
	EventElectionConfirmed = "ElectionConfirmed"
	EventElectionStopped   = "ElectionStopped"
)

// maxInactiveVoters 每个缓存区块最多记录的代表数
const maxInactiveVoters = 64

// ConfirmationSink 接收确认的区块，进行cement
type ConfirmationSink interface {
	Add(hash types.Hash)
}

type electionEntry struct {
	election *Election
	elem     *clist.CElement
}

// ActiveElections 管理所有正在进行的选举
// 每个qualified root至多一个选举，选举总数受ActiveElectionsSize限制
type ActiveElections struct {
	service.BaseService

	config     *config.ConsensusConfig
	ledger     *ledger.Ledger
	onlineReps *ledger.OnlineReps
	solicitor  *Solicitor
	network    Network
	sink       ConfirmationSink
	stats      *metric.Stats
	evsw       events.EventSwitch
	now        func() time.Time

	mtx        sync.Mutex
	roots      map[types.QualifiedRoot]*electionEntry
	order      *clist.CList // 按插入顺序排列的*Election
	blocks     map[types.Hash]*Election
	optimistic int

	inactive *InactiveVoteCache
	recent   *RecentlyConfirmed

	vacancyMtx    sync.RWMutex
	vacancyUpdate func()

	lastSample time.Time
}

type ActiveElectionsOption func(*ActiveElections)

// WithClock 替换时钟，测试中手动推进时间
func WithClock(now func() time.Time) ActiveElectionsOption {
	return func(ae *ActiveElections) {
		ae.now = now
	}
}

func WithStats(stats *metric.Stats) ActiveElectionsOption {
	return func(ae *ActiveElections) {
		ae.stats = stats
	}
}

func WithNetwork(network Network) ActiveElectionsOption {
	return func(ae *ActiveElections) {
		ae.network = network
	}
}

func NewActiveElections(
	config *config.ConsensusConfig,
	l *ledger.Ledger,
	onlineReps *ledger.OnlineReps,
	sink ConfirmationSink,
	options ...ActiveElectionsOption,
) *ActiveElections {
	ae := &ActiveElections{
		config:     config,
		ledger:     l,
		onlineReps: onlineReps,
		sink:       sink,
		network:    NopNetwork{},
		stats:      metric.NewStats(),
		evsw:       events.NewEventSwitch(),
		now:        time.Now,
		roots:      make(map[types.QualifiedRoot]*electionEntry),
		order:      clist.New(),
		blocks:     make(map[types.Hash]*Election),
		inactive:   NewInactiveVoteCache(config.InactiveVotesCacheSize, maxInactiveVoters),
		recent:     NewRecentlyConfirmed(config.RecentlyConfirmedSize),
	}
	ae.BaseService = *service.NewBaseService(nil, "ActiveElections", ae)

	for _, opt := range options {
		opt(ae)
	}
	ae.solicitor = NewSolicitor(config, ae.network)
	ae.lastSample = ae.now()
	return ae
}

func (ae *ActiveElections) SetLogger(logger log.Logger) {
	ae.Logger = logger
	ae.evsw.SetLogger(logger)
}

func (ae *ActiveElections) OnStart() error {
	if err := ae.evsw.Start(); err != nil {
		return err
	}
	go ae.tickRoutine()
	ae.Logger.Info("active elections started", "limit", ae.config.ActiveElectionsSize)
	return nil
}

func (ae *ActiveElections) OnStop() {
	if err := ae.evsw.Stop(); err != nil {
		ae.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	ae.Logger.Info("active elections stopped.")
}

// EventSwitch 订阅EventElectionConfirmed等事件
func (ae *ActiveElections) EventSwitch() events.EventSwitch {
	return ae.evsw
}

// SetVacancyUpdate 容器有空位变化时回调，回调时不持有容器的锁
func (ae *ActiveElections) SetVacancyUpdate(fn func()) {
	ae.vacancyMtx.Lock()
	defer ae.vacancyMtx.Unlock()
	ae.vacancyUpdate = fn
}

func (ae *ActiveElections) notifyVacancy() {
	ae.vacancyMtx.RLock()
	fn := ae.vacancyUpdate
	ae.vacancyMtx.RUnlock()
	if fn != nil {
		fn()
	}
}

func (ae *ActiveElections) tickRoutine() {
	ticker := time.NewTicker(ae.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ae.Quit():
			ae.Logger.Debug("tickRoutine quit.")
			return
		case <-ticker.C:
			ae.Tick()
		}
	}
}

// Insert 为block所在的root创建选举
// root已有选举时返回已有的选举和false；容器已满时不创建
func (ae *ActiveElections) Insert(block *types.Block, behavior cstypes.ElectionBehavior) (*Election, bool) {
	return ae.insert(block, behavior, false)
}

// InsertManual 手动请求的选举不受容量限制，超出的部分由调度器通过EraseOldest回收
func (ae *ActiveElections) InsertManual(block *types.Block, behavior cstypes.ElectionBehavior) (*Election, bool) {
	return ae.insert(block, behavior, true)
}

func (ae *ActiveElections) insert(block *types.Block, behavior cstypes.ElectionBehavior, force bool) (*Election, bool) {
	root := block.QualifiedRoot()
	hash := block.Hash()

	ae.mtx.Lock()
	if entry, ok := ae.roots[root]; ok {
		ae.mtx.Unlock()
		return entry.election, false
	}
	if ae.recent.HasRoot(root) {
		ae.mtx.Unlock()
		ae.stats.Inc(metric.SectionActive, "insert_recently_confirmed")
		return nil, false
	}
	if !force && len(ae.roots) >= ae.config.ActiveElectionsSize {
		ae.mtx.Unlock()
		ae.stats.Inc(metric.SectionActive, "insert_full")
		return nil, false
	}
	if behavior == cstypes.BehaviorOptimistic && ae.optimistic >= ae.config.OptimisticLimit() {
		ae.mtx.Unlock()
		ae.stats.Inc(metric.SectionActive, "insert_optimistic_full")
		return nil, false
	}

	election := NewElection(ae.config, block, behavior, ae.ledger, ae.onlineReps, ae.electionConfirmed, ae.now)
	ae.roots[root] = &electionEntry{election: election, elem: ae.order.PushBack(election)}
	ae.blocks[hash] = election
	if behavior == cstypes.BehaviorOptimistic {
		ae.optimistic++
	}
	ae.mtx.Unlock()

	ae.stats.Inc(metric.SectionActive, "election_start")
	ae.Logger.Debug("election started", "root", root, "hash", hash, "behavior", behavior)

	ae.applyCachedVotes(election, hash)
	ae.notifyVacancy()
	return election, true
}

// applyCachedVotes 把inactive缓存中的投票交给选举
func (ae *ActiveElections) applyCachedVotes(election *Election, hash types.Hash) {
	cached := ae.inactive.Find(hash)
	if len(cached) == 0 {
		return
	}
	ae.inactive.Erase(hash)
	applied := election.voteCached(cached, hash)
	ae.stats.Add(metric.SectionActive, "inactive_votes_applied", int64(applied))
}

// Vote 把投票分发给包含对应区块的选举
func (ae *ActiveElections) Vote(vote *types.Vote) cstypes.VoteCode {
	type target struct {
		election *Election
		hash     types.Hash
	}
	var (
		targets []target
		replay  bool
		cached  int
	)

	ae.mtx.Lock()
	for _, hash := range vote.Hashes {
		if election, ok := ae.blocks[hash]; ok {
			targets = append(targets, target{election, hash})
		} else if ae.recent.HasHash(hash) {
			replay = true
		} else {
			ae.inactive.Add(hash, vote.Account, vote.Timestamp)
			cached++
		}
	}
	ae.mtx.Unlock()

	processed := false
	for _, t := range targets {
		res := t.election.Vote(vote.Account, vote.Timestamp, t.hash)
		processed = processed || res.Processed
		replay = replay || res.Replay
	}

	switch {
	case processed:
		ae.stats.Inc(metric.SectionVote, "vote_processed")
		return cstypes.VoteVote
	case replay:
		ae.stats.Inc(metric.SectionVote, "vote_replay")
		return cstypes.VoteReplay
	case cached > 0 && len(targets) == 0:
		ae.stats.Inc(metric.SectionVote, "vote_indeterminate")
		return cstypes.VoteIndeterminate
	default:
		ae.stats.Inc(metric.SectionVote, "vote_ignored")
		return cstypes.VoteIgnored
	}
}

// Publish 把分叉区块加入已有选举
func (ae *ActiveElections) Publish(block *types.Block) bool {
	root := block.QualifiedRoot()
	hash := block.Hash()

	ae.mtx.Lock()
	entry, ok := ae.roots[root]
	ae.mtx.Unlock()
	if !ok {
		return false
	}

	election := entry.election
	added, evicted := election.Publish(block, ae.inactive.Tally(hash, ae.ledger))
	if !added {
		return false
	}

	ae.mtx.Lock()
	if current, ok := ae.roots[root]; ok && current.election == election {
		ae.blocks[hash] = election
		if !evicted.IsZero() {
			delete(ae.blocks, evicted)
		}
	}
	ae.mtx.Unlock()

	ae.stats.Inc(metric.SectionActive, "election_block_conflict")
	ae.applyCachedVotes(election, hash)
	return true
}

// electionConfirmed 选举达到quorum，由Election在释放自身锁之后调用
func (ae *ActiveElections) electionConfirmed(e *Election, status cstypes.ElectionStatus) {
	hash := status.Winner.Hash()
	ae.mtx.Lock()
	ae.recent.Put(e.QualifiedRoot(), hash)
	ae.mtx.Unlock()

	ae.stats.Inc(metric.SectionElection, "confirmed_"+status.Type.String())
	ae.Logger.Info("election confirmed", "hash", hash, "root", e.QualifiedRoot(),
		"type", status.Type, "voters", status.VoterCount, "duration", status.ElectionDuration)

	if status.Type != cstypes.ConfirmationDependents && ae.sink != nil {
		ae.sink.Add(hash)
	}
	ae.evsw.FireEvent(EventElectionConfirmed, status)
}

// BlockCemented cement处理器的观察者
// 区块因为依赖关系被cement时，对应的选举直接确认
func (ae *ActiveElections) BlockCemented(block *types.Block) {
	ae.mtx.Lock()
	entry, ok := ae.roots[block.QualifiedRoot()]
	ae.mtx.Unlock()
	if ok && !entry.election.ForceConfirmBlock(block.Hash(), cstypes.ConfirmationDependents) &&
		!entry.election.Contains(block.Hash()) {
		// 被cement的是选举之外的分叉，选举已经没有意义
		ae.Erase(block.QualifiedRoot())
	}
	ae.mtx.Lock()
	ae.recent.Put(block.QualifiedRoot(), block.Hash())
	ae.mtx.Unlock()
}

// Erase 移除root对应的选举
func (ae *ActiveElections) Erase(root types.QualifiedRoot) bool {
	ae.mtx.Lock()
	entry, ok := ae.roots[root]
	if ok {
		ae.eraseLocked(entry.election)
	}
	ae.mtx.Unlock()

	if ok {
		ae.fireStopped(entry.election)
		ae.notifyVacancy()
	}
	return ok
}

// EraseOldest 优先移除最早插入的未确认选举
func (ae *ActiveElections) EraseOldest() bool {
	ae.mtx.Lock()
	var victim *Election
	for el := ae.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Election)
		if !e.Confirmed() {
			victim = e
			break
		}
	}
	if victim == nil && ae.order.Front() != nil {
		victim = ae.order.Front().Value.(*Election)
	}
	if victim != nil {
		ae.eraseLocked(victim)
	}
	ae.mtx.Unlock()

	if victim != nil {
		ae.stats.Inc(metric.SectionActive, "erase_oldest")
		ae.fireStopped(victim)
		ae.notifyVacancy()
	}
	return victim != nil
}

// NOTE: 调用者持有ae.mtx
func (ae *ActiveElections) eraseLocked(e *Election) {
	entry, ok := ae.roots[e.QualifiedRoot()]
	if !ok || entry.election != e {
		return
	}
	delete(ae.roots, e.QualifiedRoot())
	ae.order.Remove(entry.elem)
	entry.elem.DetachPrev()
	for _, block := range e.Blocks() {
		hash := block.Hash()
		if ae.blocks[hash] == e {
			delete(ae.blocks, hash)
		}
	}
	if e.Behavior() == cstypes.BehaviorOptimistic {
		ae.optimistic--
	}

	if !e.Confirmed() {
		ae.stats.Inc(metric.SectionActive, "election_drop")
	}
	ae.Logger.Debug("election erased", "root", e.QualifiedRoot(), "state", e.State())
}

// fireStopped 在释放ae.mtx之后通知监听者
func (ae *ActiveElections) fireStopped(elections ...*Election) {
	for _, e := range elections {
		ae.evsw.FireEvent(EventElectionStopped, e.Status())
	}
}

// Tick 推进所有选举的时间状态，移除已经结束的选举
func (ae *ActiveElections) Tick() {
	ae.mtx.Lock()
	elections := make([]*Election, 0, ae.order.Len())
	for el := ae.order.Front(); el != nil; el = el.Next() {
		elections = append(elections, el.Value.(*Election))
	}
	ae.mtx.Unlock()

	ae.solicitor.Prepare(ae.network.Representatives())
	var expired []*Election
	for _, e := range elections {
		if e.TransitionTime(ae.solicitor) {
			expired = append(expired, e)
		}
	}
	ae.solicitor.Flush()

	if len(expired) > 0 {
		ae.mtx.Lock()
		for _, e := range expired {
			if e.Failed() {
				ae.stats.Inc(metric.SectionElection, "expired_unconfirmed")
			}
			ae.eraseLocked(e)
		}
		ae.mtx.Unlock()
		ae.fireStopped(expired...)
		ae.notifyVacancy()
	}

	if now := ae.now(); now.Sub(ae.lastSample) >= ae.config.OnlineWeightWindow {
		ae.lastSample = now
		ae.onlineReps.Sample()
	}
}

// Active root是否有正在进行的选举
func (ae *ActiveElections) Active(root types.QualifiedRoot) bool {
	ae.mtx.Lock()
	defer ae.mtx.Unlock()
	_, ok := ae.roots[root]
	return ok
}

func (ae *ActiveElections) ActiveBlock(hash types.Hash) bool {
	ae.mtx.Lock()
	defer ae.mtx.Unlock()
	_, ok := ae.blocks[hash]
	return ok
}

// Election 返回包含hash的选举
func (ae *ActiveElections) Election(hash types.Hash) *Election {
	ae.mtx.Lock()
	defer ae.mtx.Unlock()
	return ae.blocks[hash]
}

func (ae *ActiveElections) ElectionByRoot(root types.QualifiedRoot) *Election {
	ae.mtx.Lock()
	defer ae.mtx.Unlock()
	if entry, ok := ae.roots[root]; ok {
		return entry.election
	}
	return nil
}

func (ae *ActiveElections) Size() int {
	ae.mtx.Lock()
	defer ae.mtx.Unlock()
	return len(ae.roots)
}

func (ae *ActiveElections) Empty() bool {
	return ae.Size() == 0
}

// Vacancy 剩余容量，可能为负数
func (ae *ActiveElections) Vacancy() int {
	return ae.config.ActiveElectionsSize - ae.Size()
}

func (ae *ActiveElections) RecentlyConfirmed() *RecentlyConfirmed {
	return ae.recent
}

func (ae *ActiveElections) InactiveVotes() *InactiveVoteCache {
	return ae.inactive
}

func (ae *ActiveElections) Stats() *metric.Stats {
	return ae.stats
}
