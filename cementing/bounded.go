package cementing

import (
	"lattice_consensus/types"
)

// processBounded 内存中最多跟踪MaxItems个待处理区块，超出时丢弃最早的并在之后重新遍历
func (p *Processor) processBounded(block *types.Block) {
	p.walk(block, walker{
		limit: p.config.MaxItems,
		get:   p.ledger.Block,
	})
}
