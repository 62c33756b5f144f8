package ledger

import (
	"sync"

	"github.com/tendermint/tendermint/libs/log"

	"lattice_consensus/store"
	"lattice_consensus/types"
)

// ProcessedFunc 区块处理完成后的回调，在写事务提交之后调用
type ProcessedFunc func(block *types.Block, result ProcessResult)

// BlockProcessor 以批的方式把外部区块写入账本
// 与confirmation height处理器通过WriteQueue互斥
type BlockProcessor struct {
	ledger *Ledger
	queue  *store.WriteQueue
	logger log.Logger

	mtx       sync.RWMutex
	observers []ProcessedFunc
}

func NewBlockProcessor(ledger *Ledger, queue *store.WriteQueue, logger log.Logger) *BlockProcessor {
	return &BlockProcessor{
		ledger: ledger,
		queue:  queue,
		logger: logger,
	}
}

func (bp *BlockProcessor) AddObserver(fn ProcessedFunc) {
	bp.mtx.Lock()
	defer bp.mtx.Unlock()
	bp.observers = append(bp.observers, fn)
}

// Process 在一个写事务中处理一批区块，返回每个区块的结果
func (bp *BlockProcessor) Process(blocks ...*types.Block) ([]ProcessResult, error) {
	guard := bp.queue.Wait(store.WriterProcessBatch)
	defer guard.Release()

	txn := bp.ledger.TxBeginWrite()
	results := make([]ProcessResult, len(blocks))
	for i, block := range blocks {
		results[i] = bp.ledger.Process(txn, block)
		if results[i] != Progress && results[i] != Old {
			bp.logger.Debug("block not applied", "hash", block.Hash(), "result", results[i])
		}
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	guard.Release()

	bp.mtx.RLock()
	observers := bp.observers
	bp.mtx.RUnlock()
	for i, block := range blocks {
		for _, fn := range observers {
			fn(block, results[i])
		}
	}
	return results, nil
}
