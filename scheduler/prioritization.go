package scheduler

import (
	"github.com/google/btree"

	"lattice_consensus/types"
)

// 余额按2的幂次分桶：[0], [1], [2,4), [4,8) ... [2^127, max]
const bucketCount = 129

const btreeDegree = 8

type entry struct {
	time  uint64
	hash  types.Hash
	block *types.Block
}

func entryLess(a, b entry) bool {
	if a.time != b.time {
		return a.time < b.time
	}
	return a.hash.Less(b.hash)
}

type bucket struct {
	minimum types.Amount
	items   *btree.BTreeG[entry]
}

// Prioritization 按余额分桶、桶内按时间排序的候选区块集合
// 在桶之间轮询，避免高余额账户饿死其他账户；每个账户最多一个条目
// NOTE: 非并发安全，由Scheduler加锁
type Prioritization struct {
	buckets   []*bucket
	bucketMax int
	current   int
	size      int
	accounts  map[types.Account]entry
}

// NewPrioritization maximum为所有桶的容量之和
func NewPrioritization(maximum int) *Prioritization {
	p := &Prioritization{
		buckets:   make([]*bucket, bucketCount),
		bucketMax: maximum / bucketCount,
		accounts:  make(map[types.Account]entry),
	}
	if p.bucketMax < 1 {
		p.bucketMax = 1
	}
	for i := range p.buckets {
		minimum := types.ZeroAmount
		if i > 0 {
			minimum = types.Pow2(uint(i - 1))
		}
		p.buckets[i] = &bucket{
			minimum: minimum,
			items:   btree.NewG[entry](btreeDegree, entryLess),
		}
	}
	return p
}

// bucketIndex 满足minimum <= balance的最大的桶
func bucketIndex(balance types.Amount) int {
	idx := balance.Uint256().BitLen()
	if idx >= bucketCount {
		idx = bucketCount - 1
	}
	return idx
}

// Push 加入候选区块，桶满时淘汰时间最新的条目
// 同一区块重复加入时保留原来的位置，同一账户的新区块替换旧条目
func (p *Prioritization) Push(time uint64, block *types.Block) {
	hash := block.Hash()
	if existing, ok := p.accounts[block.Account]; ok {
		if existing.hash == hash {
			return
		}
		p.remove(existing)
	}

	wasEmpty := p.Empty()
	b := p.buckets[bucketIndex(block.Balance)]
	e := entry{time: time, hash: hash, block: block}
	b.items.ReplaceOrInsert(e)
	p.accounts[block.Account] = e
	p.size++
	if b.items.Len() > p.bucketMax {
		if evicted, ok := b.items.DeleteMax(); ok {
			delete(p.accounts, evicted.block.Account)
			p.size--
		}
	}
	if wasEmpty {
		p.seek()
	}
}

func (p *Prioritization) remove(e entry) {
	if _, ok := p.buckets[bucketIndex(e.block.Balance)].items.Delete(e); ok {
		p.size--
	}
	delete(p.accounts, e.block.Account)
	if !p.Empty() && p.buckets[p.current].items.Len() == 0 {
		p.seek()
	}
}

// Top 当前桶中最早的区块
func (p *Prioritization) Top() *types.Block {
	if p.Empty() {
		panic("top on empty prioritization")
	}
	e, _ := p.buckets[p.current].items.Min()
	return e.block
}

// Pop 移除Top并移动到下一个非空桶
func (p *Prioritization) Pop() {
	if p.Empty() {
		panic("pop on empty prioritization")
	}
	if e, ok := p.buckets[p.current].items.DeleteMin(); ok {
		delete(p.accounts, e.block.Account)
		p.size--
	}
	p.seek()
}

func (p *Prioritization) next() {
	p.current = (p.current + 1) % len(p.buckets)
}

func (p *Prioritization) seek() {
	p.next()
	for i := 0; i < len(p.buckets) && p.buckets[p.current].items.Len() == 0; i++ {
		p.next()
	}
}

func (p *Prioritization) Size() int {
	return p.size
}

func (p *Prioritization) Empty() bool {
	return p.size == 0
}

func (p *Prioritization) BucketCount() int {
	return len(p.buckets)
}

func (p *Prioritization) BucketSize(index int) int {
	return p.buckets[index].items.Len()
}

func (p *Prioritization) BucketMinimum(index int) types.Amount {
	return p.buckets[index].minimum
}
