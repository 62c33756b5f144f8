package ledger

import (
	"sort"
	"sync"
	"time"

	"lattice_consensus/types"
)

// OnlineReps 记录最近投过票的代表，用于计算quorum的门限
type OnlineReps struct {
	mtx sync.Mutex

	weights    *RepWeights
	window     time.Duration
	maxSamples int
	minimum    types.Amount
	quorum     uint64 // 百分比

	reps    map[types.Account]time.Time
	samples []types.Amount
	now     func() time.Time
}

func NewOnlineReps(weights *RepWeights, window time.Duration, maxSamples int, minimum types.Amount, quorum uint64) *OnlineReps {
	return &OnlineReps{
		weights:    weights,
		window:     window,
		maxSamples: maxSamples,
		minimum:    minimum,
		quorum:     quorum,
		reps:       make(map[types.Account]time.Time),
		now:        time.Now,
	}
}

// Observe 代表rep刚刚发出了一个合法投票
func (or *OnlineReps) Observe(rep types.Account) {
	if or.weights.Get(rep).IsZero() {
		return
	}
	or.mtx.Lock()
	defer or.mtx.Unlock()
	or.reps[rep] = or.now()
}

// Online 窗口内活跃代表的权重之和
func (or *OnlineReps) Online() types.Amount {
	or.mtx.Lock()
	defer or.mtx.Unlock()
	return or.online()
}

func (or *OnlineReps) online() types.Amount {
	cutoff := or.now().Add(-or.window)
	total := types.ZeroAmount
	for rep, seen := range or.reps {
		if seen.Before(cutoff) {
			delete(or.reps, rep)
			continue
		}
		total = total.Add(or.weights.Get(rep))
	}
	return total
}

// Sample 记录一次在线权重采样，保留最近maxSamples个
func (or *OnlineReps) Sample() {
	or.mtx.Lock()
	defer or.mtx.Unlock()
	or.samples = append(or.samples, or.online())
	if len(or.samples) > or.maxSamples {
		or.samples = or.samples[len(or.samples)-or.maxSamples:]
	}
}

// Trended 采样的中位数，没有采样时为minimum
func (or *OnlineReps) Trended() types.Amount {
	or.mtx.Lock()
	defer or.mtx.Unlock()
	return or.trended()
}

func (or *OnlineReps) trended() types.Amount {
	if len(or.samples) == 0 {
		return or.minimum
	}
	sorted := make([]types.Amount, len(or.samples))
	copy(sorted, or.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lt(sorted[j]) })
	return sorted[len(sorted)/2]
}

// Delta 确认一个区块需要的最小权重
func (or *OnlineReps) Delta() types.Amount {
	or.mtx.Lock()
	defer or.mtx.Unlock()
	weight := types.MaxAmount(types.MaxAmount(or.online(), or.trended()), or.minimum)
	return weight.MulUint64(or.quorum).DivUint64(100)
}

func (or *OnlineReps) Minimum() types.Amount {
	return or.minimum
}

func (or *OnlineReps) List() []types.Account {
	or.mtx.Lock()
	defer or.mtx.Unlock()
	cutoff := or.now().Add(-or.window)
	reps := make([]types.Account, 0, len(or.reps))
	for rep, seen := range or.reps {
		if !seen.Before(cutoff) {
			reps = append(reps, rep)
		}
	}
	return reps
}
