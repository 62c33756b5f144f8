package consensus

import (
	"sort"
	"sync"
	"time"

	"lattice_consensus/config"
	cstypes "lattice_consensus/consensus/types"
	"lattice_consensus/types"
)

// Weights 代表权重查询
type Weights interface {
	Weight(account types.Account) types.Amount
}

// Quorum 当前确认一个区块所需的权重
type Quorum interface {
	Delta() types.Amount
}

// ConfirmedFunc 选举确认时调用，调用时不持有选举的锁
type ConfirmedFunc func(e *Election, status cstypes.ElectionStatus)

// Election 针对同一个qualified root上的所有竞争区块的投票状态机
type Election struct {
	mtx sync.Mutex

	config  *config.ConsensusConfig
	weights Weights
	quorum  Quorum
	now     func() time.Time

	qualifiedRoot types.QualifiedRoot
	height        uint64
	behavior      cstypes.ElectionBehavior

	state         cstypes.ElectionState
	stateStart    time.Time
	electionStart time.Time

	lastBlocks map[types.Hash]*types.Block
	blockOrder []types.Hash // 候选区块的插入顺序
	lastVotes  map[types.Account]cstypes.VoteInfo
	lastTally  cstypes.Tally // nil表示需要重新计算

	status      cstypes.ElectionStatus
	onConfirmed ConfirmedFunc

	confirmReqCount    uint32
	lastReq            time.Time
	lastBlockBroadcast time.Time
}

func NewElection(
	config *config.ConsensusConfig,
	block *types.Block,
	behavior cstypes.ElectionBehavior,
	weights Weights,
	quorum Quorum,
	onConfirmed ConfirmedFunc,
	now func() time.Time,
) *Election {
	if now == nil {
		now = time.Now
	}
	start := now()
	hash := block.Hash()
	return &Election{
		config:        config,
		weights:       weights,
		quorum:        quorum,
		now:           now,
		qualifiedRoot: block.QualifiedRoot(),
		height:        block.Height(),
		behavior:      behavior,
		state:         cstypes.ElectionPassive,
		stateStart:    start,
		electionStart: start,
		lastBlocks:    map[types.Hash]*types.Block{hash: block},
		blockOrder:    []types.Hash{hash},
		lastVotes:     make(map[types.Account]cstypes.VoteInfo),
		status: cstypes.ElectionStatus{
			Winner: block,
			Type:   cstypes.ConfirmationNone,
		},
		onConfirmed: onConfirmed,
	}
}

func (e *Election) QualifiedRoot() types.QualifiedRoot {
	return e.qualifiedRoot
}

func (e *Election) Root() types.Hash {
	return e.qualifiedRoot.Root
}

func (e *Election) Height() uint64 {
	return e.height
}

func (e *Election) Behavior() cstypes.ElectionBehavior {
	return e.behavior
}

func (e *Election) State() cstypes.ElectionState {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.state
}

func (e *Election) Confirmed() bool {
	return e.State().IsConfirmed()
}

func (e *Election) Failed() bool {
	return e.State() == cstypes.ElectionExpiredUnconfirmed
}

// Winner 当前领先的区块，确认之后不再变化
func (e *Election) Winner() *types.Block {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.status.Winner
}

func (e *Election) Status() cstypes.ElectionStatus {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.status
}

func (e *Election) Contains(hash types.Hash) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	_, ok := e.lastBlocks[hash]
	return ok
}

// Blocks 按插入顺序返回所有候选区块
func (e *Election) Blocks() []*types.Block {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	blocks := make([]*types.Block, 0, len(e.blockOrder))
	for _, h := range e.blockOrder {
		blocks = append(blocks, e.lastBlocks[h])
	}
	return blocks
}

func (e *Election) Votes() map[types.Account]cstypes.VoteInfo {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	votes := make(map[types.Account]cstypes.VoteInfo, len(e.lastVotes))
	for k, v := range e.lastVotes {
		votes[k] = v
	}
	return votes
}

func (e *Election) Duration() time.Duration {
	return e.now().Sub(e.electionStart)
}

// Vote 记录代表对hash的投票
// 时间戳不大于该代表已记录的投票时视为replay
func (e *Election) Vote(account types.Account, timestamp uint64, hash types.Hash) cstypes.VoteResult {
	e.mtx.Lock()
	res := e.vote(account, timestamp, hash)
	var status *cstypes.ElectionStatus
	if res.Processed && !e.state.IsConfirmed() {
		status = e.confirmIfQuorum(cstypes.ConfirmationActiveQuorum)
	}
	e.mtx.Unlock()

	e.fireConfirmed(status)
	return res
}

// voteCached 回放选举创建前缓存的投票，全部记录之后才检查quorum
// 返回记录的投票数
func (e *Election) voteCached(votes []cachedVote, hash types.Hash) int {
	e.mtx.Lock()
	processed := 0
	for _, v := range votes {
		if e.vote(v.Account, v.Timestamp, hash).Processed {
			processed++
		}
	}
	var status *cstypes.ElectionStatus
	if processed > 0 && !e.state.IsConfirmed() {
		status = e.confirmIfQuorum(cstypes.ConfirmationInactiveCache)
	}
	e.mtx.Unlock()

	e.fireConfirmed(status)
	return processed
}

// NOTE: 调用者持有e.mtx
func (e *Election) vote(account types.Account, timestamp uint64, hash types.Hash) cstypes.VoteResult {
	if _, ok := e.lastBlocks[hash]; !ok {
		return cstypes.VoteResult{}
	}

	now := e.now()
	if last, ok := e.lastVotes[account]; ok {
		if timestamp <= last.Timestamp {
			return cstypes.VoteResult{Replay: true}
		}
		if timestamp != types.FinalTimestamp && now.Sub(last.Time) < e.config.VoteCooldown {
			return cstypes.VoteResult{}
		}
	}

	e.lastVotes[account] = cstypes.VoteInfo{Time: now, Timestamp: timestamp, Hash: hash}
	e.lastTally = nil
	return cstypes.VoteResult{Processed: true}
}

// ConfirmIfQuorum 重新计算tally，满足quorum则确认
func (e *Election) ConfirmIfQuorum() bool {
	e.mtx.Lock()
	status := e.confirmIfQuorum(cstypes.ConfirmationActiveQuorum)
	e.mtx.Unlock()

	e.fireConfirmed(status)
	return status != nil
}

// ForceConfirm 不经过投票直接确认当前领先的区块
func (e *Election) ForceConfirm(typ cstypes.ConfirmationType) bool {
	e.mtx.Lock()
	status := e.confirm(typ)
	e.mtx.Unlock()

	e.fireConfirmed(status)
	return status != nil
}

// ForceConfirmBlock 指定区块已经被cement，选举以它为winner确认
func (e *Election) ForceConfirmBlock(hash types.Hash, typ cstypes.ConfirmationType) bool {
	e.mtx.Lock()
	block, ok := e.lastBlocks[hash]
	if !ok {
		e.mtx.Unlock()
		return false
	}
	if !e.state.IsConfirmed() {
		e.status.Winner = block
	}
	status := e.confirm(typ)
	e.mtx.Unlock()

	e.fireConfirmed(status)
	return status != nil
}

func (e *Election) fireConfirmed(status *cstypes.ElectionStatus) {
	if status != nil && e.onConfirmed != nil {
		e.onConfirmed(e, *status)
	}
}

// NOTE: 调用者持有e.mtx
func (e *Election) confirmIfQuorum(typ cstypes.ConfirmationType) *cstypes.ElectionStatus {
	tally := e.tally()
	winner, ok := tally.Winner()
	if !ok {
		return nil
	}
	if e.state.IsConfirmed() {
		return nil
	}
	if block := e.lastBlocks[winner.Hash]; block != nil {
		e.status.Winner = block
	}
	e.status.Tally = winner.Weight
	if winner.Weight.Lt(e.quorum.Delta()) {
		return nil
	}
	e.status.FinalTally = e.finalTally(winner.Hash)
	return e.confirm(typ)
}

// NOTE: 调用者持有e.mtx
func (e *Election) confirm(typ cstypes.ConfirmationType) *cstypes.ElectionStatus {
	if e.state.IsConfirmed() || !e.transition(cstypes.ElectionConfirmed) {
		return nil
	}
	now := e.now()
	e.status.Type = typ
	e.status.ElectionEnd = now
	e.status.ElectionDuration = now.Sub(e.electionStart)
	e.status.ConfirmReqCount = e.confirmReqCount
	e.status.BlockCount = len(e.lastBlocks)
	e.status.VoterCount = len(e.lastVotes)
	status := e.status
	return &status
}

// NOTE: 调用者持有e.mtx
func (e *Election) transition(to cstypes.ElectionState) bool {
	if !cstypes.ValidTransition(e.state, to) {
		return false
	}
	e.state = to
	e.stateStart = e.now()
	return true
}

// Tally 按权重从高到低排列的候选区块
func (e *Election) Tally() cstypes.Tally {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.tally()
}

// NOTE: 调用者持有e.mtx
func (e *Election) tally() cstypes.Tally {
	if e.lastTally != nil {
		return e.lastTally
	}
	sums := make(map[types.Hash]types.Amount, len(e.lastBlocks))
	for account, info := range e.lastVotes {
		sums[info.Hash] = sums[info.Hash].Add(e.weights.Weight(account))
	}
	tally := make(cstypes.Tally, 0, len(sums))
	for hash, weight := range sums {
		tally = append(tally, cstypes.TallyEntry{Hash: hash, Weight: weight})
	}
	lowestFirst := e.config.TieBreak != config.TieBreakHighestHash
	sort.Slice(tally, func(i, j int) bool {
		if c := tally[i].Weight.Cmp(tally[j].Weight); c != 0 {
			return c > 0
		}
		if lowestFirst {
			return tally[i].Hash.Less(tally[j].Hash)
		}
		return tally[j].Hash.Less(tally[i].Hash)
	})
	e.lastTally = tally
	return tally
}

func (e *Election) finalTally(hash types.Hash) types.Amount {
	total := types.ZeroAmount
	for account, info := range e.lastVotes {
		if info.Hash == hash && info.Timestamp == types.FinalTimestamp {
			total = total.Add(e.weights.Weight(account))
		}
	}
	return total
}

// TransitionTime 由ActiveElections周期调用，推进基于时间的状态变化
// 返回true表示选举已经结束，应当从容器中移除
func (e *Election) TransitionTime(solicitor *Solicitor) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	now := e.now()
	latency := e.config.BaseLatency
	switch e.state {
	case cstypes.ElectionPassive:
		if now.Sub(e.stateStart) >= latency*time.Duration(e.config.PassiveDurationFactor) {
			e.transition(cstypes.ElectionActive)
		}
	case cstypes.ElectionActive:
		e.sendConfirmReq(solicitor, now)
		e.broadcastBlock(solicitor, now)
	case cstypes.ElectionConfirmed:
		if now.Sub(e.stateStart) >= latency*time.Duration(e.config.ConfirmedDurationFactor) {
			e.transition(cstypes.ElectionExpiredConfirmed)
		}
	}

	if !e.state.IsConfirmed() && !e.state.IsExpired() && now.Sub(e.electionStart) >= e.timeToLive() {
		e.transition(cstypes.ElectionExpiredUnconfirmed)
	}
	return e.state.IsExpired()
}

func (e *Election) timeToLive() time.Duration {
	if e.behavior == cstypes.BehaviorOptimistic {
		return e.config.OptimisticTimeToLive
	}
	return e.config.ElectionTimeToLive
}

// NOTE: 调用者持有e.mtx
func (e *Election) sendConfirmReq(solicitor *Solicitor, now time.Time) {
	if solicitor == nil || now.Sub(e.lastReq) < e.config.BaseLatency {
		return
	}
	if solicitor.Add(e.qualifiedRoot, e.status.Winner) {
		e.lastReq = now
		e.confirmReqCount++
	}
}

// NOTE: 调用者持有e.mtx
func (e *Election) broadcastBlock(solicitor *Solicitor, now time.Time) {
	if solicitor == nil || now.Sub(e.lastBlockBroadcast) < e.config.BaseLatency*time.Duration(e.config.PassiveDurationFactor) {
		return
	}
	if solicitor.Broadcast(e.status.Winner) {
		e.lastBlockBroadcast = now
	}
}

// Publish 把一个分叉区块加入候选集合
// 候选数量达到上限时，只有weight超过最弱候选的区块才能替换它
// 返回是否加入，以及被替换出去的区块hash
func (e *Election) Publish(block *types.Block, weight types.Amount) (bool, types.Hash) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	hash := block.Hash()
	if block.QualifiedRoot() != e.qualifiedRoot {
		return false, types.ZeroHash
	}
	if existing, ok := e.lastBlocks[hash]; ok {
		// 更新为带sideband的版本
		if existing.Sideband == nil && block.Sideband != nil {
			e.lastBlocks[hash] = block
			if e.status.Winner.Hash() == hash {
				e.status.Winner = block
			}
		}
		return false, types.ZeroHash
	}
	if e.state.IsConfirmed() || e.state.IsExpired() {
		return false, types.ZeroHash
	}

	var evicted types.Hash
	if len(e.lastBlocks) >= e.config.MaxBlocksPerElection {
		var ok bool
		if evicted, ok = e.replaceByWeight(weight); !ok {
			return false, types.ZeroHash
		}
	}
	e.lastBlocks[hash] = block
	e.blockOrder = append(e.blockOrder, hash)
	e.lastTally = nil
	return true, evicted
}

// NOTE: 调用者持有e.mtx
// 移除权重最低的非领先候选；同权重时先移除较晚插入的
func (e *Election) replaceByWeight(incoming types.Amount) (types.Hash, bool) {
	tally := e.tally()
	winner := e.status.Winner.Hash()

	victim := -1
	var lowest types.Amount
	for i := len(e.blockOrder) - 1; i >= 0; i-- {
		h := e.blockOrder[i]
		if h == winner {
			continue
		}
		w := tally.Weight(h)
		if victim < 0 || w.Lt(lowest) {
			victim, lowest = i, w
		}
	}
	if victim < 0 || !incoming.Gt(lowest) {
		return types.ZeroHash, false
	}

	hash := e.blockOrder[victim]
	e.blockOrder = append(e.blockOrder[:victim], e.blockOrder[victim+1:]...)
	delete(e.lastBlocks, hash)
	for account, info := range e.lastVotes {
		if info.Hash == hash {
			delete(e.lastVotes, account)
		}
	}
	e.lastTally = nil
	return hash, true
}
