package consensus

import (
	"context"
	"runtime"
	"sync"

	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"lattice_consensus/config"
	cstypes "lattice_consensus/consensus/types"
	"lattice_consensus/crypto"
	"lattice_consensus/ledger"
	"lattice_consensus/libs/metric"
	"lattice_consensus/types"
)

type queuedVote struct {
	vote *types.Vote
	tier RepTier
}

// VoteProcessor 接收网络上的投票，批量校验签名后交给ActiveElections
type VoteProcessor struct {
	service.BaseService

	config     *config.VoteProcessorConfig
	active     *ActiveElections
	onlineReps *ledger.OnlineReps
	tiers      *RepTiers
	checker    *crypto.SignatureChecker
	stats      *metric.Stats

	ctx    context.Context
	cancel context.CancelFunc

	mtx        sync.Mutex
	cond       *sync.Cond
	votes      *clist.CList            // queuedVote
	queued     map[types.Hash]struct{} // 队列中和正在校验的投票的FullHash
	processing bool
}

func NewVoteProcessor(
	config *config.VoteProcessorConfig,
	active *ActiveElections,
	onlineReps *ledger.OnlineReps,
	tiers *RepTiers,
	stats *metric.Stats,
) *VoteProcessor {
	threads := config.SignatureCheckerThreads
	if threads == 0 {
		threads = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	vp := &VoteProcessor{
		config:     config,
		active:     active,
		onlineReps: onlineReps,
		tiers:      tiers,
		checker:    crypto.NewSignatureChecker(threads),
		stats:      stats,
		ctx:        ctx,
		cancel:     cancel,
		votes:      clist.New(),
		queued:     make(map[types.Hash]struct{}),
	}
	vp.cond = sync.NewCond(&vp.mtx)
	vp.BaseService = *service.NewBaseService(nil, "VoteProcessor", vp)
	return vp
}

func (vp *VoteProcessor) SetLogger(logger log.Logger) {
	vp.Logger = logger
}

func (vp *VoteProcessor) OnStart() error {
	go vp.processRoutine()
	vp.Logger.Info("vote processor started", "capacity", vp.config.Capacity)
	return nil
}

func (vp *VoteProcessor) OnStop() {
	vp.cancel()
	vp.mtx.Lock()
	vp.cond.Broadcast()
	vp.mtx.Unlock()
	vp.checker.Stop()
	vp.Logger.Info("vote processor stopped.")
}

// Vote 投票入队，按照队列的填充程度对低权重代表限流
// 返回投票是否被接受
func (vp *VoteProcessor) Vote(vote *types.Vote) bool {
	if err := vote.ValidateBasic(); err != nil {
		vp.stats.Inc(metric.SectionVoteProcessor, "malformed")
		return false
	}
	tier := vp.tiers.Tier(vote.Account)
	full := vote.FullHash()

	vp.mtx.Lock()
	defer vp.mtx.Unlock()
	if !vp.IsRunning() {
		return false
	}
	if _, ok := vp.queued[full]; ok {
		vp.stats.Inc(metric.SectionVoteProcessor, "duplicate")
		return false
	}
	if !vp.admit(vp.votes.Len(), tier) {
		vp.stats.Inc(metric.SectionVoteProcessor, "overflow")
		return false
	}
	vp.votes.PushBack(queuedVote{vote: vote, tier: tier})
	vp.queued[full] = struct{}{}
	vp.cond.Signal()
	return true
}

// admit 队列占用 <6/9 全部接受；<7/9 只接受tier3；<8/9 接受tier2、tier3；未满时拒绝TierNone
func (vp *VoteProcessor) admit(size int, tier RepTier) bool {
	capacity := vp.config.Capacity
	switch {
	case size < capacity*6/9:
		return true
	case size < capacity*7/9:
		return tier == Tier3
	case size < capacity*8/9:
		return tier == Tier2 || tier == Tier3
	case size < capacity:
		return tier != TierNone
	default:
		return false
	}
}

func (vp *VoteProcessor) processRoutine() {
	vp.mtx.Lock()
	for {
		for vp.votes.Len() == 0 && vp.IsRunning() {
			vp.cond.Wait()
		}
		if !vp.IsRunning() {
			for vp.votes.Len() > 0 {
				delete(vp.queued, vp.popFront().vote.FullHash())
			}
			vp.cond.Broadcast()
			vp.mtx.Unlock()
			return
		}

		batch := make([]queuedVote, 0, vp.config.BatchSize)
		for vp.votes.Len() > 0 && len(batch) < vp.config.BatchSize {
			batch = append(batch, vp.popFront())
		}
		vp.processing = true
		vp.mtx.Unlock()

		vp.verifyVotes(batch)

		vp.mtx.Lock()
		for _, qv := range batch {
			delete(vp.queued, qv.vote.FullHash())
		}
		vp.processing = false
		vp.cond.Broadcast()
	}
}

// NOTE: 调用者持有vp.mtx
func (vp *VoteProcessor) popFront() queuedVote {
	e := vp.votes.Front()
	vp.votes.Remove(e)
	e.DetachPrev()
	return e.Value.(queuedVote)
}

func (vp *VoteProcessor) verifyVotes(batch []queuedVote) {
	check := crypto.NewSignatureCheck(len(batch))
	for _, qv := range batch {
		check.Add(qv.vote.Hash().Bytes(), qv.vote.Account.PubKey(), qv.vote.Signature)
	}
	if err := vp.checker.Verify(vp.ctx, check); err != nil {
		vp.Logger.Error("signature check failed", "err", err, "votes", len(batch))
		return
	}
	for i, qv := range batch {
		if !check.Verifications[i] {
			vp.stats.Inc(metric.SectionVoteProcessor, "invalid_signature")
			vp.Logger.Debug("dropping vote with invalid signature", "vote", qv.vote)
			continue
		}
		vp.processVote(qv.vote)
	}
	vp.stats.Add(metric.SectionVoteProcessor, "batch_verified", int64(len(batch)))
}

// processVote 已经校验过签名的投票
func (vp *VoteProcessor) processVote(vote *types.Vote) cstypes.VoteCode {
	code := vp.active.Vote(vote)
	if code != cstypes.VoteInvalid {
		vp.onlineReps.Observe(vote.Account)
	}
	vp.stats.Inc(metric.SectionVoteProcessor, "vote_"+code.String())
	return code
}

// Flush 阻塞到当前队列中的投票全部处理完
func (vp *VoteProcessor) Flush() {
	vp.mtx.Lock()
	defer vp.mtx.Unlock()
	for (vp.votes.Len() > 0 || vp.processing) && vp.IsRunning() {
		vp.cond.Wait()
	}
}

// FlushActive 只等待正在处理的batch结束
func (vp *VoteProcessor) FlushActive() {
	vp.mtx.Lock()
	defer vp.mtx.Unlock()
	for vp.processing && vp.IsRunning() {
		vp.cond.Wait()
	}
}

func (vp *VoteProcessor) Size() int {
	vp.mtx.Lock()
	defer vp.mtx.Unlock()
	return vp.votes.Len()
}

func (vp *VoteProcessor) Empty() bool {
	return vp.Size() == 0
}

func (vp *VoteProcessor) HalfFull() bool {
	return vp.Size() >= vp.config.Capacity/2
}
