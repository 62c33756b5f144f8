package types

import (
	"time"

	"lattice_consensus/types"
)

//-----------------------------------------------------------------------------
// ElectionState enum type

// ElectionState 选举状态机的状态，只能沿着validTransitions前进
type ElectionState uint8

const (
	ElectionPassive            = ElectionState(0x01) // 只监听投票
	ElectionActive             = ElectionState(0x02) // 主动请求投票、广播区块
	ElectionConfirmed          = ElectionState(0x03) // 达到quorum，继续监听
	ElectionExpiredConfirmed   = ElectionState(0x04)
	ElectionExpiredUnconfirmed = ElectionState(0x05)
)

func (s ElectionState) String() string {
	switch s {
	case ElectionPassive:
		return "passive"
	case ElectionActive:
		return "active"
	case ElectionConfirmed:
		return "confirmed"
	case ElectionExpiredConfirmed:
		return "expired_confirmed"
	case ElectionExpiredUnconfirmed:
		return "expired_unconfirmed"
	default:
		return "unknown"
	}
}

var validTransitions = map[ElectionState][]ElectionState{
	ElectionPassive:   {ElectionActive, ElectionConfirmed, ElectionExpiredUnconfirmed},
	ElectionActive:    {ElectionConfirmed, ElectionExpiredUnconfirmed},
	ElectionConfirmed: {ElectionExpiredConfirmed},
}

// ValidTransition 判断from -> to是否合法
func ValidTransition(from, to ElectionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s ElectionState) IsConfirmed() bool {
	return s == ElectionConfirmed || s == ElectionExpiredConfirmed
}

func (s ElectionState) IsExpired() bool {
	return s == ElectionExpiredConfirmed || s == ElectionExpiredUnconfirmed
}

//-----------------------------------------------------------------------------
// ElectionBehavior

type ElectionBehavior uint8

const (
	BehaviorNormal     = ElectionBehavior(0x00)
	BehaviorOptimistic = ElectionBehavior(0x01) // 账户链落后较多时提前对frontier发起选举
)

func (b ElectionBehavior) String() string {
	switch b {
	case BehaviorNormal:
		return "normal"
	case BehaviorOptimistic:
		return "optimistic"
	default:
		return "unknown"
	}
}

//-----------------------------------------------------------------------------
// ConfirmationType

type ConfirmationType uint8

const (
	ConfirmationNone          = ConfirmationType(0x00)
	ConfirmationActiveQuorum  = ConfirmationType(0x01) // 选举中达到quorum
	ConfirmationDependents    = ConfirmationType(0x02) // 因为依赖它的区块被确认而确认
	ConfirmationInactiveCache = ConfirmationType(0x03) // 选举创建时缓存的投票已经满足quorum
)

func (c ConfirmationType) String() string {
	switch c {
	case ConfirmationActiveQuorum:
		return "active_quorum"
	case ConfirmationDependents:
		return "dependents_confirmed"
	case ConfirmationInactiveCache:
		return "inactive_cache"
	default:
		return "none"
	}
}

//-----------------------------------------------------------------------------
// ElectionStatus

// ElectionStatus 选举结束(或确认)时的快照，交给观察者
type ElectionStatus struct {
	Winner           *types.Block
	Tally            types.Amount
	FinalTally       types.Amount
	ElectionEnd      time.Time
	ElectionDuration time.Duration
	ConfirmReqCount  uint32
	BlockCount       int
	VoterCount       int
	Type             ConfirmationType
}

// VoteInfo 某个代表在一个选举中的最新投票
type VoteInfo struct {
	Time      time.Time
	Timestamp uint64
	Hash      types.Hash
}
