package types

import (
	"lattice_consensus/types"
)

// VoteCode 投票处理的结果
type VoteCode uint8

const (
	VoteInvalid       = VoteCode(0x00) // 签名错误
	VoteReplay        = VoteCode(0x01) // 已经见过更新的投票或区块已确认
	VoteVote          = VoteCode(0x02) // 至少一个hash被某个选举接受
	VoteIndeterminate = VoteCode(0x03) // 没有对应的选举，进入inactive缓存
	VoteIgnored       = VoteCode(0x04) // 处于cooldown等原因被忽略
)

func (c VoteCode) String() string {
	switch c {
	case VoteInvalid:
		return "invalid"
	case VoteReplay:
		return "replay"
	case VoteVote:
		return "vote"
	case VoteIndeterminate:
		return "indeterminate"
	case VoteIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// VoteResult Election.Vote的返回值
type VoteResult struct {
	Replay    bool
	Processed bool
}

// TallyEntry 某个候选区块获得的权重
type TallyEntry struct {
	Hash   types.Hash
	Weight types.Amount
}

// Tally 按权重从高到低排列
type Tally []TallyEntry

func (t Tally) Winner() (TallyEntry, bool) {
	if len(t) == 0 {
		return TallyEntry{}, false
	}
	return t[0], true
}

func (t Tally) Weight(hash types.Hash) types.Amount {
	for _, e := range t {
		if e.Hash == hash {
			return e.Weight
		}
	}
	return types.ZeroAmount
}
