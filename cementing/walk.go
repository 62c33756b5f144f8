package cementing

import (
	"fmt"

	"lattice_consensus/libs/metric"
	"lattice_consensus/store"
	"lattice_consensus/types"
)

type blockGetter func(txn *store.Txn, hash types.Hash) *types.Block

// walker 两种算法的差别：栈深度限制、区块读取方式、是否记住已检查过的高度
type walker struct {
	limit int
	get   blockGetter
	// 账户链上receive来源已确认的高度，为nil时每次重新检查
	checked map[types.Account]uint64
}

// iterateRange 从from之后的第一个区块开始，按高度升序遍历到topHeight
// fn返回false时停止
func (p *Processor) iterateRange(
	txn *store.Txn,
	get blockGetter,
	account types.Account,
	from types.ConfirmationHeightInfo,
	topHeight uint64,
	fn func(*types.Block) bool,
) {
	var hash types.Hash
	if from.Height == 0 {
		info, found := p.ledger.AccountInfo(txn, account)
		if !found {
			panic(fmt.Sprintf("cementing unknown account %v", account))
		}
		hash = info.OpenBlock
	} else {
		frontier := get(txn, from.Frontier)
		if frontier == nil {
			panic(fmt.Sprintf("confirmed frontier %v of account %v missing", from.Frontier, account))
		}
		hash = frontier.Sideband.Successor
	}

	for height := from.Height + 1; height <= topHeight; height++ {
		block := get(txn, hash)
		if block == nil {
			panic(fmt.Sprintf("block %v at height %d of account %v missing", hash, height, account))
		}
		if block.Sideband.Height != height {
			panic(fmt.Sprintf("block %v has height %d, expected %d", hash, block.Sideband.Height, height))
		}
		if !fn(block) {
			return
		}
		hash = block.Sideband.Successor
	}
}

// walk 计算cement original所需的全部范围并加入pendingWrites
// 栈顶的区块如果在待确认范围内有来源未确认的receive，先把来源压栈
// limit > 0 时栈的深度受限：栈满时丢弃栈底，栈空后从original重新开始
func (p *Processor) walk(original *types.Block, w walker) {
	get := w.get
	stack := []*types.Block{original}
	truncated := false
	for {
		if len(stack) == 0 {
			if !truncated {
				return
			}
			truncated = false
			stack = append(stack, original)
			p.stats.Inc(metric.SectionCementing, "walk_restart")
		}

		txn := p.ledger.TxBeginRead()
		cur := stack[len(stack)-1]
		account := cur.Sideband.Account
		conf := p.pending.confirmed(p.ledger, txn, account)
		if cur.Sideband.Height <= conf.Height {
			stack = stack[:len(stack)-1]
			continue
		}

		var (
			source *types.Block
			bottom types.Hash
		)
		p.iterateRange(txn, get, account, conf, cur.Sideband.Height, func(block *types.Block) bool {
			if bottom.IsZero() {
				bottom = block.Hash()
			}
			if !block.IsReceive() {
				return true
			}
			if w.checked != nil && block.Sideband.Height <= w.checked[account] {
				return true
			}
			// 创世区块的link不是区块
			src := get(txn, block.Source())
			if src != nil && !p.pending.isConfirmed(p.ledger, txn, src) {
				source = src
				if w.checked != nil {
					w.checked[account] = block.Sideband.Height - 1
				}
				return false
			}
			return true
		})

		if source != nil {
			if w.limit > 0 && len(stack) >= w.limit {
				stack = stack[1:]
				truncated = true
			}
			stack = append(stack, source)
			continue
		}

		p.pending.add(types.WriteDetails{
			Account:      account,
			BottomHeight: conf.Height + 1,
			BottomHash:   bottom,
			TopHeight:    cur.Sideband.Height,
			TopHash:      cur.Hash(),
		})
		stack = stack[:len(stack)-1]
		if w.checked != nil {
			w.checked[account] = cur.Sideband.Height
		}

		if p.pending.blocks >= p.config.BatchWriteSize {
			p.writePending()
		}
	}
}
