package ledger

import (
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"lattice_consensus/store"
	"lattice_consensus/types"
)

// 测试网络使用的确定性创世账户
var (
	GenesisKey     = ed25519.GenPrivKeyFromSecret([]byte("lattice genesis"))
	GenesisAccount = types.AccountFromPubKey(GenesisKey.PubKey())
	GenesisAmount  = types.Pow2(128).Sub(types.NewAmount(1))
)

// GenesisBlock 由key自签名的open区块
func GenesisBlock(key crypto.PrivKey, amount types.Amount) *types.Block {
	account := types.AccountFromPubKey(key.PubKey())
	block := &types.Block{
		Type:           types.BlockTypeOpen,
		Account:        account,
		Representative: account,
		Balance:        amount,
		Link:           account.AsHash(),
	}
	if err := block.Sign(key); err != nil {
		panic(err)
	}
	return block
}

// NewTestLedger 基于内存数据库的账本
func NewTestLedger(logger log.Logger) *Ledger {
	kv := store.NewKVStoreWithDB(memdb.NewDB(), logger)
	l, err := NewLedger(kv, GenesisBlock(GenesisKey, GenesisAmount), logger)
	if err != nil {
		panic(err)
	}
	return l
}

// Chain 帮助测试构造某个账户链上的签名区块
type Chain struct {
	Key     crypto.PrivKey
	Account types.Account
	Rep     types.Account
	Head    types.Hash
	Balance types.Amount
}

func NewChain(key crypto.PrivKey) *Chain {
	account := types.AccountFromPubKey(key.PubKey())
	return &Chain{Key: key, Account: account, Rep: account}
}

// GenesisChain 创世账户的链，head指向创世区块
func GenesisChain() *Chain {
	c := NewChain(GenesisKey)
	c.Head = GenesisBlock(GenesisKey, GenesisAmount).Hash()
	c.Balance = GenesisAmount
	return c
}

// NewRandomChain 随机账户
func NewRandomChain() *Chain {
	return NewChain(ed25519.GenPrivKey())
}

func (c *Chain) sign(block *types.Block) *types.Block {
	if err := block.Sign(c.Key); err != nil {
		panic(err)
	}
	c.Head = block.Hash()
	c.Balance = block.Balance
	return block
}

func (c *Chain) Send(destination types.Account, amount types.Amount) *types.Block {
	return c.sign(&types.Block{
		Type:           types.BlockTypeSend,
		Account:        c.Account,
		Previous:       c.Head,
		Representative: c.Rep,
		Balance:        c.Balance.Sub(amount),
		Link:           destination.AsHash(),
	})
}

// Receive 账户未打开时生成open区块
func (c *Chain) Receive(source *types.Block, amount types.Amount) *types.Block {
	typ := types.BlockTypeReceive
	if c.Head.IsZero() {
		typ = types.BlockTypeOpen
	}
	return c.sign(&types.Block{
		Type:           typ,
		Account:        c.Account,
		Previous:       c.Head,
		Representative: c.Rep,
		Balance:        c.Balance.Add(amount),
		Link:           source.Hash(),
	})
}

func (c *Chain) Change(rep types.Account) *types.Block {
	c.Rep = rep
	return c.sign(&types.Block{
		Type:           types.BlockTypeChange,
		Account:        c.Account,
		Previous:       c.Head,
		Representative: rep,
		Balance:        c.Balance,
	})
}

// Fork 生成一个与head竞争同一个root的send区块，不修改链的状态
func (c *Chain) Fork(previous types.Hash, balance types.Amount, destination types.Account) *types.Block {
	block := &types.Block{
		Type:           types.BlockTypeSend,
		Account:        c.Account,
		Previous:       previous,
		Representative: c.Rep,
		Balance:        balance,
		Link:           destination.AsHash(),
	}
	if err := block.Sign(c.Key); err != nil {
		panic(err)
	}
	return block
}

// MustProcess 每个区块单独提交，结果不是Progress时panic
func (l *Ledger) MustProcess(blocks ...*types.Block) {
	for _, block := range blocks {
		txn := l.TxBeginWrite()
		if result := l.Process(txn, block); result != Progress {
			txn.Discard()
			panic(fmt.Sprintf("process %v: %v", block, result))
		}
		if err := txn.Commit(); err != nil {
			panic(err)
		}
	}
}

// MustBlock 从账本读取已入账的区块（带sideband）
func (l *Ledger) MustBlock(hash types.Hash) *types.Block {
	txn := l.TxBeginRead()
	block := l.Block(txn, hash)
	if block == nil {
		panic(fmt.Sprintf("block %v not found", hash))
	}
	return block
}

// ForceCement 直接设置confirmation height，用于构造测试场景
func (l *Ledger) ForceCement(account types.Account, height uint64, frontier types.Hash) {
	txn := l.TxBeginWrite()
	old := l.ConfirmationHeight(txn, account)
	if err := txn.PutConfirmationHeight(account, types.ConfirmationHeightInfo{Height: height, Frontier: frontier}); err != nil {
		panic(err)
	}
	if err := txn.Commit(); err != nil {
		panic(err)
	}
	if height > old.Height {
		l.AddCemented(height - old.Height)
	}
}
