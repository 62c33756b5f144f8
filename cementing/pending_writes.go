package cementing

import (
	"lattice_consensus/ledger"
	"lattice_consensus/store"
	"lattice_consensus/types"
)

// pendingWrites 已经确定但尚未写入账本的cement范围
// heights记录每个账户在内存中的确认高度，覆盖账本中的旧值
type pendingWrites struct {
	details []types.WriteDetails
	heights map[types.Account]types.ConfirmationHeightInfo
	blocks  uint64
}

func newPendingWrites() *pendingWrites {
	return &pendingWrites{
		heights: make(map[types.Account]types.ConfirmationHeightInfo),
	}
}

func (pw *pendingWrites) add(wd types.WriteDetails) {
	pw.details = append(pw.details, wd)
	pw.heights[wd.Account] = types.ConfirmationHeightInfo{Height: wd.TopHeight, Frontier: wd.TopHash}
	pw.blocks += wd.TopHeight - wd.BottomHeight + 1
}

// confirmed 账户的有效确认高度：内存中的待写入范围优先
func (pw *pendingWrites) confirmed(l *ledger.Ledger, txn *store.Txn, account types.Account) types.ConfirmationHeightInfo {
	if info, ok := pw.heights[account]; ok {
		return info
	}
	return l.ConfirmationHeight(txn, account)
}

// isConfirmed block需要带sideband
func (pw *pendingWrites) isConfirmed(l *ledger.Ledger, txn *store.Txn, block *types.Block) bool {
	return block.Sideband.Height <= pw.confirmed(l, txn, block.Sideband.Account).Height
}

func (pw *pendingWrites) empty() bool {
	return len(pw.details) == 0
}

func (pw *pendingWrites) size() int {
	return len(pw.details)
}

// take 取出全部待写入范围并清空
func (pw *pendingWrites) take() []types.WriteDetails {
	details := pw.details
	pw.details = nil
	pw.heights = make(map[types.Account]types.ConfirmationHeightInfo)
	pw.blocks = 0
	return details
}
