package consensus

import (
	"time"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"

	"lattice_consensus/config"
	"lattice_consensus/ledger"
	"lattice_consensus/libs/metric"
	"lattice_consensus/types"
)

// VoteSender 发送本节点生成的投票
type VoteSender interface {
	SendVote(peer p2p.ID, vote *types.Vote)
	BroadcastVote(vote *types.Vote)
}

type voteRequest struct {
	peer    p2p.ID
	entries []ConfirmReqEntry
}

// VoteGenerator 代表节点对confirm_req做出应答
// 请求先积累，达到VoteGeneratorThreshold或等待VoteGeneratorDelay后统一签名
type VoteGenerator struct {
	service.BaseService

	config  *config.ConsensusConfig
	key     crypto.PrivKey
	account types.Account
	ledger  *ledger.Ledger
	sender  VoteSender
	local   *VoteProcessor
	stats   *metric.Stats

	requests chan voteRequest
}

func NewVoteGenerator(
	config *config.ConsensusConfig,
	key crypto.PrivKey,
	l *ledger.Ledger,
	sender VoteSender,
	local *VoteProcessor,
	stats *metric.Stats,
) *VoteGenerator {
	vg := &VoteGenerator{
		config:   config,
		key:      key,
		account:  types.AccountFromPubKey(key.PubKey()),
		ledger:   l,
		sender:   sender,
		local:    local,
		stats:    stats,
		requests: make(chan voteRequest, 1024),
	}
	vg.BaseService = *service.NewBaseService(nil, "VoteGenerator", vg)
	return vg
}

func (vg *VoteGenerator) SetLogger(logger log.Logger) {
	vg.Logger = logger
}

func (vg *VoteGenerator) OnStart() error {
	go vg.generateRoutine()
	vg.Logger.Info("vote generator started", "representative", vg.account)
	return nil
}

func (vg *VoteGenerator) Account() types.Account {
	return vg.account
}

// HandleConfirmReq 作为Reactor的ConfirmReqHandler
func (vg *VoteGenerator) HandleConfirmReq(peer p2p.ID, entries []ConfirmReqEntry) {
	select {
	case vg.requests <- voteRequest{peer: peer, entries: entries}:
	default:
		vg.stats.Inc(metric.SectionVote, "generator_overflow")
	}
}

func (vg *VoteGenerator) generateRoutine() {
	ticker := time.NewTicker(vg.config.VoteGeneratorDelay)
	defer ticker.Stop()

	pending := make(map[p2p.ID][]types.Hash)
	count := 0
	for {
		select {
		case <-vg.Quit():
			return
		case req := <-vg.requests:
			for _, hash := range vg.votable(req.entries) {
				pending[req.peer] = append(pending[req.peer], hash)
				count++
			}
			if count < vg.config.VoteGeneratorThreshold {
				continue
			}
		case <-ticker.C:
		}
		if count > 0 {
			vg.flush(pending)
			pending = make(map[p2p.ID][]types.Hash)
			count = 0
		}
	}
}

// votable 只对账本中存在的区块投票
func (vg *VoteGenerator) votable(entries []ConfirmReqEntry) []types.Hash {
	txn := vg.ledger.TxBeginRead()
	hashes := make([]types.Hash, 0, len(entries))
	for _, e := range entries {
		if vg.ledger.BlockExists(txn, e.Hash) {
			hashes = append(hashes, e.Hash)
		}
	}
	return hashes
}

func (vg *VoteGenerator) flush(pending map[p2p.ID][]types.Hash) {
	for peer, hashes := range pending {
		for start := 0; start < len(hashes); start += types.MaxVoteHashes {
			end := start + types.MaxVoteHashes
			if end > len(hashes) {
				end = len(hashes)
			}
			vote, err := vg.Generate(hashes[start:end]...)
			if err != nil {
				vg.Logger.Error("failed to sign vote", "err", err)
				return
			}
			// 本地选举请求的投票广播给所有邻居
			if peer == LocalChannel {
				vg.sender.BroadcastVote(vote)
			} else {
				vg.sender.SendVote(peer, vote)
			}
			if vg.local != nil {
				vg.local.Vote(vote)
			}
		}
	}
}

// Generate 签名一个投票，已经cement的区块使用final时间戳
func (vg *VoteGenerator) Generate(hashes ...types.Hash) (*types.Vote, error) {
	txn := vg.ledger.TxBeginRead()
	timestamp := uint64(time.Now().UnixNano() / int64(time.Millisecond))
	final := len(hashes) > 0
	for _, h := range hashes {
		if !vg.ledger.BlockConfirmed(txn, h) {
			final = false
			break
		}
	}
	if final {
		timestamp = types.FinalTimestamp
	}
	vote := types.NewVote(vg.account, timestamp, hashes...)
	if err := vote.Sign(vg.key); err != nil {
		return nil, err
	}
	vg.stats.Inc(metric.SectionVote, "generated")
	return vote, nil
}
