package cementing

import (
	"lattice_consensus/libs/metric"
	"lattice_consensus/store"
	"lattice_consensus/types"
)

// processUnbounded 依赖图完整展开在内存中，遍历过的区块全部缓存
// 账本较小时比bounded少很多次读取
func (p *Processor) processUnbounded(block *types.Block) {
	cache := make(map[types.Hash]*types.Block)
	get := func(txn *store.Txn, hash types.Hash) *types.Block {
		if b, ok := cache[hash]; ok {
			return b
		}
		b := p.ledger.Block(txn, hash)
		if b != nil {
			cache[hash] = b
		}
		return b
	}

	p.walk(block, walker{
		get:     get,
		checked: make(map[types.Account]uint64),
	})
	p.stats.Add(metric.SectionCementing, "unbounded_blocks_read", int64(len(cache)))
}
