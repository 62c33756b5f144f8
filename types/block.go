package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

var (
	ErrInvalidBlockType = errors.New("invalid block type")
	ErrMissingAccount   = errors.New("block has no account")
	ErrMissingPrevious  = errors.New("non-open block has no previous")
	ErrMissingLink      = errors.New("block has no link")
)

type BlockType uint8

const (
	BlockTypeInvalid = BlockType(0)
	BlockTypeOpen    = BlockType(1) // 账户链的第一个区块，同时是一个receive
	BlockTypeSend    = BlockType(2)
	BlockTypeReceive = BlockType(3)
	BlockTypeChange  = BlockType(4) // 只修改representative
)

func (t BlockType) String() string {
	switch t {
	case BlockTypeOpen:
		return "open"
	case BlockTypeSend:
		return "send"
	case BlockTypeReceive:
		return "receive"
	case BlockTypeChange:
		return "change"
	default:
		return "invalid"
	}
}

// Block 账户链上的一个状态区块
// Link对于send区块是目标账户，对于open/receive区块是来源send区块的hash
type Block struct {
	Type           BlockType        `json:"type"`
	Account        Account          `json:"account"`
	Previous       Hash             `json:"previous"`
	Representative Account          `json:"representative"`
	Balance        Amount           `json:"balance"`
	Link           Hash             `json:"link"`
	Signature      tmbytes.HexBytes `json:"signature"`

	// 由ledger在区块入账时填充，不参与hash计算
	Sideband *Sideband `json:"sideband,omitempty"`
}

// Sideband 区块入账后才能确定的信息
type Sideband struct {
	Height    uint64    `json:"height"`
	Account   Account   `json:"account"`
	Successor Hash      `json:"successor"`
	Balance   Amount    `json:"balance"`
	Timestamp time.Time `json:"timestamp"`
}

func (b *Block) Hash() Hash {
	hasher := tmhash.New()
	hasher.Write([]byte{byte(b.Type)})
	hasher.Write(b.Account[:])
	hasher.Write(b.Previous[:])
	hasher.Write(b.Representative[:])
	balance := b.Balance.Uint256().Bytes32()
	hasher.Write(balance[:])
	hasher.Write(b.Link[:])
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// Root open区块的root是账户本身，其余区块是previous
func (b *Block) Root() Hash {
	if b.Previous.IsZero() {
		return b.Account.AsHash()
	}
	return b.Previous
}

func (b *Block) QualifiedRoot() QualifiedRoot {
	return QualifiedRoot{Root: b.Root(), Previous: b.Previous}
}

func (b *Block) IsSend() bool    { return b.Type == BlockTypeSend }
func (b *Block) IsReceive() bool { return b.Type == BlockTypeReceive || b.Type == BlockTypeOpen }

// Source 返回receive类区块对应的send区块
func (b *Block) Source() Hash {
	if b.IsReceive() {
		return b.Link
	}
	return ZeroHash
}

// Destination 返回send区块的目标账户
func (b *Block) Destination() Account {
	if b.IsSend() {
		return b.Link.AsAccount()
	}
	return ZeroAccount
}

func (b *Block) Height() uint64 {
	if b.Sideband == nil {
		return 0
	}
	return b.Sideband.Height
}

func (b *Block) ValidateBasic() error {
	if b.Type == BlockTypeInvalid || b.Type > BlockTypeChange {
		return ErrInvalidBlockType
	}
	if b.Account.IsZero() {
		return ErrMissingAccount
	}
	if b.Type != BlockTypeOpen && b.Previous.IsZero() {
		return ErrMissingPrevious
	}
	if b.Type == BlockTypeOpen && !b.Previous.IsZero() {
		return fmt.Errorf("open block must not have previous, got %v", b.Previous)
	}
	if (b.Type != BlockTypeChange) && b.Link.IsZero() {
		return ErrMissingLink
	}
	return nil
}

func (b *Block) Sign(priv crypto.PrivKey) error {
	sig, err := priv.Sign(b.Hash().Bytes())
	if err != nil {
		return err
	}
	b.Signature = sig
	return nil
}

func (b *Block) VerifySignature() bool {
	return b.Account.PubKey().VerifySignature(b.Hash().Bytes(), b.Signature)
}

// Copy 浅拷贝区块内容，sideband单独复制
func (b *Block) Copy() *Block {
	c := *b
	if b.Sideband != nil {
		sb := *b.Sideband
		c.Sideband = &sb
	}
	return &c
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{%v %v %v h=%d}", b.Type, b.Hash(), b.Account, b.Height())
}

func uint64Bytes(n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:]
}
