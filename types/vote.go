package types

import (
	"errors"
	"fmt"
	"math"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

const (
	voteHashPrefix = "vote "

	// MaxVoteHashes 单个vote最多携带的区块hash数
	MaxVoteHashes = 255

	// FinalTimestamp 最终投票，不受cooldown限制
	FinalTimestamp = uint64(math.MaxUint64)
)

var (
	ErrEmptyVote     = errors.New("vote has no hashes")
	ErrTooManyHashes = errors.New("vote carries too many hashes")
)

// Vote 代表一个representative对若干区块的背书，权重由账户的委托余额决定
type Vote struct {
	Account   Account          `json:"account"`
	Timestamp uint64           `json:"timestamp"`
	Hashes    []Hash           `json:"hashes"`
	Signature tmbytes.HexBytes `json:"signature"`
}

func NewVote(account Account, timestamp uint64, hashes ...Hash) *Vote {
	return &Vote{
		Account:   account,
		Timestamp: timestamp,
		Hashes:    hashes,
	}
}

// Hash 签名的消息摘要
func (v *Vote) Hash() Hash {
	hasher := tmhash.New()
	hasher.Write([]byte(voteHashPrefix))
	for _, h := range v.Hashes {
		hasher.Write(h[:])
	}
	hasher.Write(uint64Bytes(v.Timestamp))
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// FullHash 包含账户和签名，用于vote processor去重
func (v *Vote) FullHash() Hash {
	hasher := tmhash.New()
	msg := v.Hash()
	hasher.Write(msg[:])
	hasher.Write(v.Account[:])
	hasher.Write(v.Signature)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

func (v *Vote) IsFinal() bool {
	return v.Timestamp == FinalTimestamp
}

func (v *Vote) Sign(priv crypto.PrivKey) error {
	sig, err := priv.Sign(v.Hash().Bytes())
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

func (v *Vote) ValidateBasic() error {
	if len(v.Hashes) == 0 {
		return ErrEmptyVote
	}
	if len(v.Hashes) > MaxVoteHashes {
		return ErrTooManyHashes
	}
	if v.Account.IsZero() {
		return ErrMissingAccount
	}
	return nil
}

func (v *Vote) String() string {
	if v == nil {
		return "nil-Vote"
	}
	return fmt.Sprintf("Vote{%v ts=%d hashes=%d}", v.Account, v.Timestamp, len(v.Hashes))
}
