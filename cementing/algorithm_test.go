package cementing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"lattice_consensus/config"
	"lattice_consensus/ledger"
	"lattice_consensus/libs/metric"
	"lattice_consensus/store"
	"lattice_consensus/types"
)

func drain(ch <-chan *types.Block) []*types.Block {
	var out []*types.Block
	for {
		select {
		case b := <-ch:
			out = append(out, b)
		default:
			return out
		}
	}
}

func TestCementCrossAccount(t *testing.T) {
	for _, mode := range []config.ConfirmationHeightMode{config.ModeUnbounded, config.ModeBounded} {
		t.Run(string(mode), func(t *testing.T) {
			g := newCrossGraph()
			l := ledger.NewTestLedger(log.TestingLogger())
			l.MustProcess(g.blocks...)
			p := newTestProcessor(l, mode)

			p.ProcessBlock(g.top.Hash())

			assert.Equal(t, uint64(3), confirmationHeight(l, g.genesis.Account).Height)
			assert.Equal(t, types.ConfirmationHeightInfo{Height: 4, Frontier: g.top.Hash()}, confirmationHeight(l, g.a.Account))
			assert.Equal(t, uint64(3), confirmationHeight(l, g.b.Account).Height)
			assert.Equal(t, uint64(10), l.CementedCount())

			cemented := drain(p.Cemented())
			require.Len(t, cemented, len(g.blocks))
			requireDependencyOrder(t, cemented)
		})
	}
}

func TestCementPartialChain(t *testing.T) {
	l := ledger.NewTestLedger(log.TestingLogger())
	genesis := ledger.GenesisChain()
	var sends []*types.Block
	for i := 0; i < 5; i++ {
		sends = append(sends, genesis.Send(ledger.NewRandomChain().Account, types.NewAmount(1)))
	}
	l.MustProcess(sends...)
	p := newTestProcessor(l, config.ModeBounded)

	p.ProcessBlock(sends[2].Hash())
	assert.Equal(t, types.ConfirmationHeightInfo{Height: 4, Frontier: sends[2].Hash()}, confirmationHeight(l, genesis.Account))
	assert.Len(t, drain(p.Cemented()), 3)

	// 低于确认高度的区块不会降低高度
	p.ProcessBlock(sends[0].Hash())
	assert.Equal(t, uint64(4), confirmationHeight(l, genesis.Account).Height)
	assert.Empty(t, drain(p.Cemented()))
	assert.Equal(t, int64(1), p.stats.Count(metric.SectionCementing, "already_cemented"))

	p.ProcessBlock(sends[4].Hash())
	assert.Equal(t, uint64(6), confirmationHeight(l, genesis.Account).Height)
	assert.Len(t, drain(p.Cemented()), 2)
	assert.Equal(t, uint64(6), l.CementedCount())
}

// 两种算法在相同账本上得到相同的确认高度
func TestAlgorithmEquivalence(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	chains, blocks := randomGraph(r, 6, 120)

	bounded := ledger.NewTestLedger(log.TestingLogger())
	unbounded := ledger.NewTestLedger(log.TestingLogger())
	bounded.MustProcess(blocks...)
	unbounded.MustProcess(blocks...)

	pb := newTestProcessor(bounded, config.ModeBounded)
	pb.config.MaxItems = 1
	pb.config.BatchWriteSize = 3
	pu := newTestProcessor(unbounded, config.ModeUnbounded)

	targets := make([]*types.Block, 0, 10)
	for i := 0; i < 10; i++ {
		targets = append(targets, blocks[r.Intn(len(blocks))])
	}
	for _, c := range chains {
		if !c.Head.IsZero() {
			targets = append(targets, unbounded.MustBlock(c.Head))
		}
	}

	for _, target := range targets {
		pb.ProcessBlock(target.Hash())
		pu.ProcessBlock(target.Hash())
		for _, c := range chains {
			require.Equal(t, confirmationHeight(unbounded, c.Account), confirmationHeight(bounded, c.Account))
		}
		require.True(t, unbounded.BlockConfirmed(unbounded.TxBeginRead(), target.Hash()))
	}

	// 所有head都cement之后整个账本都已确认
	assert.Equal(t, unbounded.BlockCount(), unbounded.CementedCount())
	assert.Equal(t, bounded.BlockCount(), bounded.CementedCount())
	assert.Positive(t, pb.stats.Count(metric.SectionCementing, "walk_restart"))

	requireDependencyOrder(t, drain(pb.Cemented()))
	requireDependencyOrder(t, drain(pu.Cemented()))
}

func TestAutomaticMode(t *testing.T) {
	g := newCrossGraph()
	l := ledger.NewTestLedger(log.TestingLogger())
	l.MustProcess(g.blocks...)

	p := newTestProcessor(l, config.ModeAutomatic)
	p.config.UnboundedCutoff = 5
	assert.False(t, p.useUnbounded())
	p.config.UnboundedCutoff = 100
	assert.True(t, p.useUnbounded())

	p.ProcessBlock(g.top.Hash())
	assert.Equal(t, int64(1), p.stats.Count(metric.SectionCementing, "unbounded"))
}

// 重新打开账本后确认高度和cement计数保持不变
func TestCementSurvivesRestart(t *testing.T) {
	logger := log.TestingLogger()
	db := memdb.NewDB()
	l, err := ledger.NewLedger(store.NewKVStoreWithDB(db, logger), ledger.GenesisBlock(ledger.GenesisKey, ledger.GenesisAmount), logger)
	require.NoError(t, err)

	g := newCrossGraph()
	l.MustProcess(g.blocks...)
	p := newTestProcessor(l, config.ModeUnbounded)
	p.ProcessBlock(g.blocks[4].Hash())
	before := make(map[types.Account]types.ConfirmationHeightInfo)
	for _, account := range g.accounts() {
		before[account] = confirmationHeight(l, account)
	}

	reopened, err := ledger.NewLedger(store.NewKVStoreWithDB(db, logger), nil, logger)
	require.NoError(t, err)
	assert.Equal(t, l.CementedCount(), reopened.CementedCount())
	for _, account := range g.accounts() {
		assert.Equal(t, before[account], confirmationHeight(reopened, account))
	}

	p = newTestProcessor(reopened, config.ModeBounded)
	p.ProcessBlock(g.top.Hash())
	for _, account := range g.accounts() {
		assert.GreaterOrEqual(t, confirmationHeight(reopened, account).Height, before[account].Height)
	}
	assert.Equal(t, reopened.BlockCount(), reopened.CementedCount())
}

func TestCementInvariantViolation(t *testing.T) {
	l := ledger.NewTestLedger(log.TestingLogger())
	genesis := ledger.GenesisChain()
	first := genesis.Send(ledger.NewRandomChain().Account, types.NewAmount(1))
	second := genesis.Send(ledger.NewRandomChain().Account, types.NewAmount(1))
	l.MustProcess(first, second)
	p := newTestProcessor(l, config.ModeBounded)

	txn := l.TxBeginWrite()
	defer txn.Discard()
	// 跳过了高度2
	assert.Panics(t, func() {
		p.cement(txn, types.WriteDetails{
			Account:      genesis.Account,
			BottomHeight: 3,
			BottomHash:   second.Hash(),
			TopHeight:    3,
			TopHash:      second.Hash(),
		}, nil)
	})
	// 顶部hash不匹配
	assert.Panics(t, func() {
		p.cement(txn, types.WriteDetails{
			Account:      genesis.Account,
			BottomHeight: 2,
			BottomHash:   first.Hash(),
			TopHeight:    3,
			TopHash:      first.Hash(),
		}, nil)
	})
}
