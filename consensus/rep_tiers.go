package consensus

import (
	"time"

	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"lattice_consensus/ledger"
	"lattice_consensus/types"
)

// RepTier 代表按在线权重占比的分级，只用于限流
type RepTier uint8

const (
	TierNone = RepTier(0x00)
	Tier1    = RepTier(0x01) // >= 0.1%
	Tier2    = RepTier(0x02) // >= 1%
	Tier3    = RepTier(0x03) // >= 5%
)

func (t RepTier) String() string {
	switch t {
	case Tier1:
		return "tier_1"
	case Tier2:
		return "tier_2"
	case Tier3:
		return "tier_3"
	default:
		return "none"
	}
}

// RepTiers 周期性地根据在线代表重新分级
type RepTiers struct {
	service.BaseService

	weights    Weights
	onlineReps *ledger.OnlineReps
	interval   time.Duration

	tiers *cmap.CMap // account string -> RepTier
}

func NewRepTiers(weights Weights, onlineReps *ledger.OnlineReps, interval time.Duration) *RepTiers {
	rt := &RepTiers{
		weights:    weights,
		onlineReps: onlineReps,
		interval:   interval,
		tiers:      cmap.NewCMap(),
	}
	rt.BaseService = *service.NewBaseService(nil, "RepTiers", rt)
	return rt
}

func (rt *RepTiers) SetLogger(logger log.Logger) {
	rt.Logger = logger
}

func (rt *RepTiers) OnStart() error {
	rt.Calculate()
	go rt.calculateRoutine()
	return nil
}

func (rt *RepTiers) calculateRoutine() {
	ticker := time.NewTicker(rt.interval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.Quit():
			return
		case <-ticker.C:
			rt.Calculate()
		}
	}
}

// Tier 未知代表返回TierNone
func (rt *RepTiers) Tier(account types.Account) RepTier {
	if v := rt.tiers.Get(account.String()); v != nil {
		return v.(RepTier)
	}
	return TierNone
}

// Calculate 重新计算所有在线代表的等级
func (rt *RepTiers) Calculate() {
	base := types.MaxAmount(rt.onlineReps.Online(), rt.onlineReps.Trended())
	rt.tiers.Clear()
	if base.IsZero() {
		return
	}
	counts := make(map[RepTier]int)
	for _, rep := range rt.onlineReps.List() {
		tier := classify(rt.weights.Weight(rep), base)
		if tier != TierNone {
			rt.tiers.Set(rep.String(), tier)
		}
		counts[tier]++
	}
	rt.Logger.Debug("rep tiers calculated", "tier1", counts[Tier1], "tier2", counts[Tier2], "tier3", counts[Tier3])
}

func classify(weight, base types.Amount) RepTier {
	switch {
	case !weight.MulUint64(20).Lt(base):
		return Tier3
	case !weight.MulUint64(100).Lt(base):
		return Tier2
	case !weight.MulUint64(1000).Lt(base):
		return Tier1
	default:
		return TierNone
	}
}
