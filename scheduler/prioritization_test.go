package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice_consensus/ledger"
	"lattice_consensus/types"
)

func blockWithBalance(balance types.Amount) *types.Block {
	c := ledger.NewRandomChain()
	c.Head = types.Hash{0x01}
	c.Balance = balance
	return c.Change(c.Account)
}

func TestBucketIndex(t *testing.T) {
	cases := []struct {
		balance types.Amount
		index   int
	}{
		{types.ZeroAmount, 0},
		{types.NewAmount(1), 1},
		{types.NewAmount(2), 2},
		{types.NewAmount(3), 2},
		{types.NewAmount(4), 3},
		{types.NewAmount(1000), 10},
		{types.Pow2(127), 128},
		{ledger.GenesisAmount, 128},
	}
	for _, c := range cases {
		assert.Equal(t, c.index, bucketIndex(c.balance), c.balance.String())
	}

	p := NewPrioritization(1000)
	require.Equal(t, bucketCount, p.BucketCount())
	for i := 0; i < p.BucketCount(); i++ {
		assert.Equal(t, i, bucketIndex(p.BucketMinimum(i)))
	}
}

func TestPrioritizationEmpty(t *testing.T) {
	p := NewPrioritization(1000)
	assert.True(t, p.Empty())
	assert.Equal(t, 0, p.Size())
	assert.Panics(t, func() { p.Top() })
	assert.Panics(t, func() { p.Pop() })
}

func TestPrioritizationRotatesBuckets(t *testing.T) {
	p := NewPrioritization(1000)
	a := blockWithBalance(types.NewAmount(1000))
	b := blockWithBalance(types.NewAmount(1))

	p.Push(1000, a)
	assert.Equal(t, a, p.Top())
	p.Push(1000, b)
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, a, p.Top())

	p.Pop()
	assert.Equal(t, b, p.Top())
	p.Pop()
	assert.True(t, p.Empty())
}

func TestPrioritizationOldestFirst(t *testing.T) {
	p := NewPrioritization(1000)
	newer := blockWithBalance(types.NewAmount(100))
	older := blockWithBalance(types.NewAmount(100))
	p.Push(5, newer)
	p.Push(3, older)

	assert.Equal(t, older, p.Top())
	p.Pop()
	assert.Equal(t, newer, p.Top())
}

func TestPrioritizationFairness(t *testing.T) {
	p := NewPrioritization(1000)
	rich := []*types.Block{
		blockWithBalance(types.NewAmount(1000)),
		blockWithBalance(types.NewAmount(1000)),
		blockWithBalance(types.NewAmount(1000)),
	}
	poor := blockWithBalance(types.NewAmount(1))
	for i, b := range rich {
		p.Push(uint64(i), b)
	}
	p.Push(10, poor)

	var order []*types.Block
	for !p.Empty() {
		order = append(order, p.Top())
		p.Pop()
	}
	assert.Equal(t, []*types.Block{rich[0], poor, rich[1], rich[2]}, order)
}

func TestPrioritizationBucketCap(t *testing.T) {
	p := NewPrioritization(bucketCount * 2)
	blocks := []*types.Block{
		blockWithBalance(types.NewAmount(50)),
		blockWithBalance(types.NewAmount(50)),
		blockWithBalance(types.NewAmount(50)),
	}
	for i, b := range blocks {
		p.Push(uint64(i+1), b)
	}
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, 2, p.BucketSize(bucketIndex(types.NewAmount(50))))

	assert.Equal(t, blocks[0], p.Top())
	p.Pop()
	assert.Equal(t, blocks[1], p.Top())
	p.Pop()
	assert.True(t, p.Empty())
}

func TestPrioritizationDuplicate(t *testing.T) {
	p := NewPrioritization(1000)
	b := blockWithBalance(types.NewAmount(7))
	p.Push(1, b)
	p.Push(1, b)
	// 账户每次有新区块入账都会重新activate同一个区块
	p.Push(2, b)
	assert.Equal(t, 1, p.Size())
	assert.Equal(t, b, p.Top())
	p.Pop()
	assert.True(t, p.Empty())
}

func TestPrioritizationOneEntryPerAccount(t *testing.T) {
	p := NewPrioritization(1000)
	c := ledger.NewRandomChain()
	c.Head = types.Hash{0x01}
	c.Balance = types.NewAmount(1000)
	first := c.Change(c.Account)
	c.Balance = types.NewAmount(1)
	second := c.Change(c.Account)

	other := blockWithBalance(types.NewAmount(1000))
	p.Push(1, first)
	p.Push(2, other)
	p.Push(3, second)

	assert.Equal(t, 2, p.Size())
	assert.Equal(t, 1, p.BucketSize(bucketIndex(types.NewAmount(1000))))
	assert.Equal(t, 1, p.BucketSize(bucketIndex(types.NewAmount(1))))

	var order []*types.Block
	for !p.Empty() {
		order = append(order, p.Top())
		p.Pop()
	}
	assert.ElementsMatch(t, []*types.Block{other, second}, order)
}

// 重复activate不能占满桶而挤掉其他账户
func TestPrioritizationRepeatedActivateKeepsOthers(t *testing.T) {
	p := NewPrioritization(bucketCount * 2)
	busy := blockWithBalance(types.NewAmount(50))
	quiet := blockWithBalance(types.NewAmount(50))

	p.Push(1, quiet)
	for i := 2; i < 10; i++ {
		p.Push(uint64(i), busy)
	}
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, quiet, p.Top())
}
