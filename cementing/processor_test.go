package cementing

import (
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"

	"lattice_consensus/config"
	"lattice_consensus/ledger"
	"lattice_consensus/libs/metric"
	"lattice_consensus/store"
	"lattice_consensus/types"
)

type eventRecorder struct {
	mtx      sync.Mutex
	cemented []types.Hash
	already  []types.Hash
}

func (r *eventRecorder) listen(t *testing.T, evsw events.EventSwitch) {
	require.NoError(t, evsw.AddListenerForEvent("test", EventBlockCemented, func(data events.EventData) {
		r.mtx.Lock()
		defer r.mtx.Unlock()
		r.cemented = append(r.cemented, data.(*types.Block).Hash())
	}))
	require.NoError(t, evsw.AddListenerForEvent("test", EventAlreadyCemented, func(data events.EventData) {
		r.mtx.Lock()
		defer r.mtx.Unlock()
		r.already = append(r.already, data.(types.Hash))
	}))
}

func (r *eventRecorder) counts() (int, int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.cemented), len(r.already)
}

func TestProcessorService(t *testing.T) {
	defer leaktest.CheckTimeout(t, 2*time.Second)()

	g := newCrossGraph()
	l := ledger.NewTestLedger(log.TestingLogger())
	l.MustProcess(g.blocks...)
	p := newTestProcessor(l, config.ModeAutomatic)
	rec := &eventRecorder{}
	rec.listen(t, p.EventSwitch())

	require.NoError(t, p.Start())
	defer func() { require.NoError(t, p.Stop()) }()

	p.Add(g.top.Hash())
	require.Eventually(t, func() bool {
		cemented, _ := rec.counts()
		return cemented == len(g.blocks)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(4), confirmationHeight(l, g.a.Account).Height)

	p.Add(g.blocks[0].Hash())
	require.Eventually(t, func() bool {
		_, already := rec.counts()
		return already == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, drain(p.Cemented()), len(g.blocks))
}

// 消费者跟不上时不能丢失cement通知
func TestProcessorCementedChannelBackpressure(t *testing.T) {
	defer leaktest.CheckTimeout(t, 2*time.Second)()

	g := newCrossGraph()
	l := ledger.NewTestLedger(log.TestingLogger())
	l.MustProcess(g.blocks...)

	cfg := config.TestConfirmationHeightConfig()
	cfg.CementedChannelSize = 1
	stats := metric.NewStats()
	p := NewProcessor(cfg, l, store.NewWriteQueue(), WithStats(stats))
	p.SetLogger(log.TestingLogger())
	require.NoError(t, p.Start())
	defer func() { require.NoError(t, p.Stop()) }()

	p.Add(g.top.Hash())

	var received []*types.Block
	timeout := time.After(time.Second)
	for len(received) < len(g.blocks) {
		select {
		case b := <-p.Cemented():
			received = append(received, b)
			time.Sleep(time.Millisecond)
		case <-timeout:
			t.Fatalf("received %d of %d cemented blocks", len(received), len(g.blocks))
		}
	}
	requireDependencyOrder(t, received)
	assert.Zero(t, stats.Count(metric.SectionCementing, "cemented_channel_overflow"))
	assert.Positive(t, stats.Count(metric.SectionCementing, "cemented_channel_full"))
}

func TestProcessorQueue(t *testing.T) {
	defer leaktest.CheckTimeout(t, 2*time.Second)()

	l := ledger.NewTestLedger(log.TestingLogger())
	genesis := ledger.GenesisChain()
	var sends []*types.Block
	for i := 0; i < 4; i++ {
		sends = append(sends, genesis.Send(ledger.NewRandomChain().Account, types.NewAmount(1)))
	}
	l.MustProcess(sends...)

	stats := metric.NewStats()
	cfg := config.TestConfirmationHeightConfig()
	p := NewProcessor(cfg, l, store.NewWriteQueue(), WithStats(stats))
	p.SetLogger(log.TestingLogger())
	p.Pause()
	require.NoError(t, p.Start())
	defer func() { require.NoError(t, p.Stop()) }()

	for _, s := range sends {
		p.Add(s.Hash())
	}
	p.Add(sends[0].Hash())
	assert.Equal(t, 4, p.AwaitingProcessingSize())
	assert.Equal(t, int64(1), stats.Count(metric.SectionCementing, "add_duplicate"))
	assert.True(t, p.IsProcessingBlock(sends[1].Hash()))
	assert.False(t, p.IsProcessingBlock(types.Hash{0x99}))
	assert.True(t, p.CurrentlyProcessing().IsZero())
	assert.Equal(t, config.ModeAutomatic, p.Mode())

	p.Unpause()
	require.Eventually(t, func() bool {
		return confirmationHeight(l, genesis.Account).Height == 5
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return p.AwaitingProcessingSize() == 0 && p.CurrentlyProcessing().IsZero()
	}, time.Second, 5*time.Millisecond)
	assert.False(t, p.IsProcessingBlock(sends[1].Hash()))
	assert.Equal(t, uint64(5), l.CementedCount())
}

// 写事务被其他writer占用时cement等待
func TestProcessorWaitsForWriteQueue(t *testing.T) {
	defer leaktest.CheckTimeout(t, 2*time.Second)()

	l := ledger.NewTestLedger(log.TestingLogger())
	genesis := ledger.GenesisChain()
	send := genesis.Send(ledger.NewRandomChain().Account, types.NewAmount(1))
	l.MustProcess(send)

	queue := store.NewWriteQueue()
	p := NewProcessor(config.TestConfirmationHeightConfig(), l, queue)
	p.SetLogger(log.TestingLogger())
	require.NoError(t, p.Start())
	defer func() { require.NoError(t, p.Stop()) }()

	guard := queue.Wait(store.WriterTesting)
	p.Add(send.Hash())
	require.Eventually(t, func() bool {
		return queue.Contains(store.WriterConfirmationHeight)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), confirmationHeight(l, genesis.Account).Height)

	guard.Release()
	require.Eventually(t, func() bool {
		return confirmationHeight(l, genesis.Account).Height == 2
	}, time.Second, 5*time.Millisecond)
}

func TestProcessorMissingBlock(t *testing.T) {
	l := ledger.NewTestLedger(log.TestingLogger())
	p := newTestProcessor(l, config.ModeBounded)
	p.ProcessBlock(types.Hash{0x42})
	assert.Equal(t, int64(1), p.stats.Count(metric.SectionCementing, "block_missing"))
	assert.Equal(t, uint64(1), l.CementedCount())
}
