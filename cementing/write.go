package cementing

import (
	"fmt"
	"time"

	"lattice_consensus/libs/metric"
	"lattice_consensus/store"
	"lattice_consensus/types"
)

// writePending 在一个写事务中推进所有待写入账户的确认高度，提交之后再通知观察者
func (p *Processor) writePending() {
	if p.pending.empty() {
		return
	}
	details := p.pending.take()

	guard := p.writeQueue.Wait(store.WriterConfirmationHeight)
	defer guard.Release()

	txn := p.ledger.TxBeginWrite()
	var cemented []*types.Block
	for _, wd := range details {
		cemented = p.cement(txn, wd, cemented)
	}

	if len(cemented) > 0 {
		count, err := txn.Count(store.CountCemented)
		if err != nil {
			panic(fmt.Sprintf("read cemented count: %v", err))
		}
		if err := txn.SetCount(store.CountCemented, count+uint64(len(cemented))); err != nil {
			panic(fmt.Sprintf("write cemented count: %v", err))
		}
	}
	if err := txn.Commit(); err != nil {
		panic(fmt.Sprintf("commit confirmation heights: %v", err))
	}
	guard.Release()

	p.lastWrite = time.Now()
	p.ledger.AddCemented(uint64(len(cemented)))
	p.stats.Inc(metric.SectionCementing, "batch_write")
	p.stats.Add(metric.SectionCementing, "blocks_cemented", int64(len(cemented)))
	p.Logger.Debug("confirmation heights written", "ranges", len(details), "blocks", len(cemented))

	for _, block := range cemented {
		p.notifyCemented(block)
	}
}

// cement 写入一个账户的确认范围，返回追加了新cement区块的列表
// 确认高度只增不减；范围下方还有未cement的区块说明账本已损坏
func (p *Processor) cement(txn *store.Txn, wd types.WriteDetails, cemented []*types.Block) []*types.Block {
	conf := p.ledger.ConfirmationHeight(txn, wd.Account)
	if conf.Height >= wd.TopHeight {
		p.stats.Inc(metric.SectionCementing, "range_already_cemented")
		return cemented
	}
	if conf.Height+1 < wd.BottomHeight {
		panic(fmt.Sprintf("cementing %v above uncemented blocks, confirmation height %d", wd, conf.Height))
	}

	var top *types.Block
	p.iterateRange(txn, p.ledger.Block, wd.Account, conf, wd.TopHeight, func(block *types.Block) bool {
		cemented = append(cemented, block)
		top = block
		return true
	})
	if top == nil || top.Hash() != wd.TopHash {
		panic(fmt.Sprintf("cementing %v: block at top height does not match", wd))
	}

	info := types.ConfirmationHeightInfo{Height: wd.TopHeight, Frontier: wd.TopHash}
	if err := txn.PutConfirmationHeight(wd.Account, info); err != nil {
		panic(fmt.Sprintf("write confirmation height %v: %v", info, err))
	}
	return cemented
}
