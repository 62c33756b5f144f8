package ledger

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"lattice_consensus/store"
	"lattice_consensus/types"
)

// ProcessResult 区块入账的结果
type ProcessResult uint8

const (
	Progress        = ProcessResult(0x00)
	Old             = ProcessResult(0x01) // 已经存在
	Fork            = ProcessResult(0x02) // 与已有区块竞争同一个root
	GapPrevious     = ProcessResult(0x03)
	GapSource       = ProcessResult(0x04)
	Unreceivable    = ProcessResult(0x05) // source存在但已被接收或不是发给该账户
	BadSignature    = ProcessResult(0x06)
	BalanceMismatch = ProcessResult(0x07)
	NegativeSpend   = ProcessResult(0x08)
	BlockPosition   = ProcessResult(0x09) // open区块出现在已打开账户或者非法区块
)

func (r ProcessResult) String() string {
	switch r {
	case Progress:
		return "progress"
	case Old:
		return "old"
	case Fork:
		return "fork"
	case GapPrevious:
		return "gap_previous"
	case GapSource:
		return "gap_source"
	case Unreceivable:
		return "unreceivable"
	case BadSignature:
		return "bad_signature"
	case BalanceMismatch:
		return "balance_mismatch"
	case NegativeSpend:
		return "negative_spend"
	case BlockPosition:
		return "block_position"
	default:
		return "unknown"
	}
}

// Ledger 账本服务：读取账户链、代表权重，以及把新区块写入账本
// 读操作对并发安全；写操作需要调用者先通过store.WriteQueue获得写权限
type Ledger struct {
	store  *store.KVStore
	logger log.Logger

	RepWeights *RepWeights

	blockCount    uint64 // atomic
	cementedCount uint64 // atomic
	accountCount  uint64 // atomic
}

// NewLedger 打开账本，如果账本为空则写入创世区块
func NewLedger(kv *store.KVStore, genesis *types.Block, logger log.Logger) (*Ledger, error) {
	l := &Ledger{
		store:      kv,
		logger:     logger,
		RepWeights: NewRepWeights(),
	}

	txn := kv.TxBeginRead()
	var err error
	if l.blockCount, err = txn.Count(store.CountBlocks); err != nil {
		return nil, err
	}
	if l.cementedCount, err = txn.Count(store.CountCemented); err != nil {
		return nil, err
	}
	if l.accountCount, err = txn.Count(store.CountAccounts); err != nil {
		return nil, err
	}

	if l.blockCount == 0 {
		if genesis == nil {
			return nil, errors.New("empty ledger and no genesis block")
		}
		if err := l.initialize(genesis); err != nil {
			return nil, err
		}
		return l, nil
	}

	// 根据账户表重建代表权重
	err = txn.IterateAccounts(func(account types.Account, info types.AccountInfo) bool {
		l.RepWeights.Add(info.Representative, info.Balance)
		return true
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("ledger loaded", "blocks", l.blockCount, "cemented", l.cementedCount, "accounts", l.accountCount)
	return l, nil
}

func (l *Ledger) initialize(genesis *types.Block) error {
	if genesis.Type != types.BlockTypeOpen {
		return errors.New("genesis must be an open block")
	}
	block := genesis.Copy()
	block.Sideband = &types.Sideband{
		Height:    1,
		Account:   block.Account,
		Balance:   block.Balance,
		Timestamp: time.Now(),
	}

	txn := l.store.TxBeginWrite()
	hash := block.Hash()
	if err := txn.PutBlock(block); err != nil {
		return err
	}
	info := types.AccountInfo{
		Head:           hash,
		OpenBlock:      hash,
		Representative: block.Representative,
		Balance:        block.Balance,
		BlockCount:     1,
		Modified:       block.Sideband.Timestamp,
	}
	if err := txn.PutAccountInfo(block.Account, info); err != nil {
		return err
	}
	// 创世区块天然已经确认
	if err := txn.PutConfirmationHeight(block.Account, types.ConfirmationHeightInfo{Height: 1, Frontier: hash}); err != nil {
		return err
	}
	for _, name := range []string{store.CountBlocks, store.CountCemented, store.CountAccounts} {
		if err := txn.SetCount(name, 1); err != nil {
			return err
		}
	}
	if err := txn.Commit(); err != nil {
		return err
	}

	l.blockCount, l.cementedCount, l.accountCount = 1, 1, 1
	l.RepWeights.Add(block.Representative, block.Balance)
	l.logger.Info("ledger initialized with genesis", "hash", hash, "account", block.Account)
	return nil
}

func (l *Ledger) Store() *store.KVStore {
	return l.store
}

func (l *Ledger) TxBeginRead() *store.Txn {
	return l.store.TxBeginRead()
}

func (l *Ledger) TxBeginWrite() *store.Txn {
	return l.store.TxBeginWrite()
}

func (l *Ledger) BlockCount() uint64 {
	return atomic.LoadUint64(&l.blockCount)
}

func (l *Ledger) CementedCount() uint64 {
	return atomic.LoadUint64(&l.cementedCount)
}

func (l *Ledger) AccountCount() uint64 {
	return atomic.LoadUint64(&l.accountCount)
}

// AddCemented 在confirmation height写事务提交后调用
func (l *Ledger) AddCemented(n uint64) {
	atomic.AddUint64(&l.cementedCount, n)
}

// Weight 代表的投票权重
func (l *Ledger) Weight(account types.Account) types.Amount {
	return l.RepWeights.Get(account)
}

// Block 不存在返回nil
func (l *Ledger) Block(txn *store.Txn, hash types.Hash) *types.Block {
	block, err := txn.Block(hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	mustNot(err)
	return block
}

func (l *Ledger) BlockExists(txn *store.Txn, hash types.Hash) bool {
	exists, err := txn.BlockExists(hash)
	mustNot(err)
	return exists
}

func (l *Ledger) AccountInfo(txn *store.Txn, account types.Account) (types.AccountInfo, bool) {
	info, found, err := txn.AccountInfo(account)
	mustNot(err)
	return info, found
}

func (l *Ledger) ConfirmationHeight(txn *store.Txn, account types.Account) types.ConfirmationHeightInfo {
	info, err := txn.ConfirmationHeight(account)
	mustNot(err)
	return info
}

// BlockSuccessor 返回同一账户链上的下一个区块，没有则返回零值
func (l *Ledger) BlockSuccessor(txn *store.Txn, hash types.Hash) types.Hash {
	block := l.Block(txn, hash)
	if block == nil || block.Sideband == nil {
		return types.ZeroHash
	}
	return block.Sideband.Successor
}

// BlockConfirmed 区块高度不超过账户的confirmation height
func (l *Ledger) BlockConfirmed(txn *store.Txn, hash types.Hash) bool {
	block := l.Block(txn, hash)
	if block == nil {
		return false
	}
	info := l.ConfirmationHeight(txn, block.Sideband.Account)
	return block.Sideband.Height <= info.Height
}

// DependentsConfirmed previous以及receive的source都已经确认
func (l *Ledger) DependentsConfirmed(txn *store.Txn, block *types.Block) bool {
	if !block.Previous.IsZero() && !l.BlockConfirmed(txn, block.Previous) {
		return false
	}
	if block.IsReceive() {
		source := block.Source()
		// 创世区块的link指向自己的账户
		if source == block.Account.AsHash() && block.Previous.IsZero() && !l.BlockExists(txn, source) {
			return true
		}
		return l.BlockConfirmed(txn, source)
	}
	return true
}

// Process 把区块写入账本
// NOTE: 调用者负责持有写权限并Commit
func (l *Ledger) Process(txn *store.Txn, block *types.Block) ProcessResult {
	if !txn.IsWritable() {
		panic("ledger process on a read-only transaction")
	}
	hash := block.Hash()
	if l.BlockExists(txn, hash) {
		return Old
	}
	if err := block.ValidateBasic(); err != nil {
		return BlockPosition
	}
	if !block.VerifySignature() {
		return BadSignature
	}

	info, found := l.AccountInfo(txn, block.Account)
	var (
		height      uint64
		previousBal types.Amount
		previousRep types.Account
		newAccount  bool
	)
	if block.Type == types.BlockTypeOpen {
		if found {
			return Fork
		}
		newAccount = true
		height = 1
	} else {
		if !found {
			return GapPrevious
		}
		if block.Previous != info.Head {
			if l.BlockExists(txn, block.Previous) {
				return Fork
			}
			return GapPrevious
		}
		height = info.BlockCount + 1
		previousBal = info.Balance
		previousRep = info.Representative
	}

	switch block.Type {
	case types.BlockTypeOpen, types.BlockTypeReceive:
		pending, ok, err := txn.Pending(block.Account, block.Source())
		mustNot(err)
		if !ok {
			if l.BlockExists(txn, block.Source()) {
				return Unreceivable
			}
			return GapSource
		}
		if block.Balance.Cmp(previousBal.Add(pending.Amount)) != 0 {
			return BalanceMismatch
		}
	case types.BlockTypeSend:
		if !block.Balance.Lt(previousBal) {
			return NegativeSpend
		}
	case types.BlockTypeChange:
		if block.Balance.Cmp(previousBal) != 0 {
			return BalanceMismatch
		}
	}

	now := time.Now()
	stored := block.Copy()
	stored.Sideband = &types.Sideband{
		Height:    height,
		Account:   block.Account,
		Balance:   block.Balance,
		Timestamp: now,
	}
	mustNot(txn.PutBlock(stored))

	if !block.Previous.IsZero() {
		previous := l.Block(txn, block.Previous)
		previous.Sideband.Successor = hash
		mustNot(txn.PutBlock(previous))
	}

	switch block.Type {
	case types.BlockTypeOpen, types.BlockTypeReceive:
		mustNot(txn.DeletePending(block.Account, block.Source()))
	case types.BlockTypeSend:
		mustNot(txn.PutPending(block.Destination(), hash, types.PendingInfo{
			Source: block.Account,
			Amount: previousBal.Sub(block.Balance),
		}))
	}

	newInfo := types.AccountInfo{
		Head:           hash,
		OpenBlock:      info.OpenBlock,
		Representative: block.Representative,
		Balance:        block.Balance,
		BlockCount:     height,
		Modified:       now,
	}
	if newAccount {
		newInfo.OpenBlock = hash
	}
	mustNot(txn.PutAccountInfo(block.Account, newInfo))

	blocks := atomic.AddUint64(&l.blockCount, 1)
	mustNot(txn.SetCount(store.CountBlocks, blocks))
	if newAccount {
		accounts := atomic.AddUint64(&l.accountCount, 1)
		mustNot(txn.SetCount(store.CountAccounts, accounts))
	}

	if !newAccount {
		l.RepWeights.Sub(previousRep, previousBal)
	}
	l.RepWeights.Add(block.Representative, block.Balance)

	l.logger.Debug("block processed", "block", stored)
	return Progress
}

func mustNot(err error) {
	if err != nil {
		panic(fmt.Sprintf("ledger storage failure: %v", err))
	}
}
