package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"lattice_consensus/types"
)

func newTestStore() *KVStore {
	return NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
}

// 写事务提交前对读事务不可见，提交后可见
func TestWriteTxnIsolation(t *testing.T) {
	kv := newTestStore()
	account := types.Account{1}
	info := types.ConfirmationHeightInfo{Height: 3, Frontier: types.Hash{7}}

	txn := kv.TxBeginWrite()
	require.NoError(t, txn.PutConfirmationHeight(account, info))

	got, err := txn.ConfirmationHeight(account)
	require.NoError(t, err)
	assert.Equal(t, info, got, "写事务要能读到自己的修改")

	got, err = kv.TxBeginRead().ConfirmationHeight(account)
	require.NoError(t, err)
	assert.Equal(t, types.ConfirmationHeightInfo{}, got)

	require.NoError(t, txn.Commit())
	got, err = kv.TxBeginRead().ConfirmationHeight(account)
	require.NoError(t, err)
	assert.Equal(t, info, got)

	assert.ErrorIs(t, txn.Commit(), ErrTxnClosed)
}

func TestDiscardDropsWrites(t *testing.T) {
	kv := newTestStore()
	txn := kv.TxBeginWrite()
	require.NoError(t, txn.SetCount(CountBlocks, 10))
	txn.Discard()

	n, err := kv.TxBeginRead().Count(CountBlocks)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadTxnRejectsWrites(t *testing.T) {
	kv := newTestStore()
	assert.ErrorIs(t, kv.TxBeginRead().SetCount(CountBlocks, 1), ErrReadOnlyTxn)
}

func TestBlockRoundTrip(t *testing.T) {
	kv := newTestStore()
	block := &types.Block{
		Type:           types.BlockTypeSend,
		Account:        types.Account{1},
		Previous:       types.Hash{2},
		Representative: types.Account{3},
		Balance:        types.NewAmount(1000),
		Link:           types.Hash{4},
		Sideband:       &types.Sideband{Height: 2, Account: types.Account{1}, Balance: types.NewAmount(1000)},
	}
	txn := kv.TxBeginWrite()
	require.NoError(t, txn.PutBlock(block))
	require.NoError(t, txn.Commit())

	got, err := kv.TxBeginRead().Block(block.Hash())
	require.NoError(t, err)
	assert.Equal(t, block.Hash(), got.Hash())
	assert.Equal(t, uint64(2), got.Height())
	assert.Equal(t, 0, got.Balance.Cmp(types.NewAmount(1000)))

	_, err = kv.TxBeginRead().Block(types.Hash{9})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingDelete(t *testing.T) {
	kv := newTestStore()
	dest, send := types.Account{5}, types.Hash{6}
	txn := kv.TxBeginWrite()
	require.NoError(t, txn.PutPending(dest, send, types.PendingInfo{Source: types.Account{1}, Amount: types.NewAmount(5)}))
	require.NoError(t, txn.Commit())

	txn = kv.TxBeginWrite()
	_, found, err := txn.Pending(dest, send)
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, txn.DeletePending(dest, send))
	_, found, _ = txn.Pending(dest, send)
	assert.False(t, found)
	require.NoError(t, txn.Commit())

	_, found, _ = kv.TxBeginRead().Pending(dest, send)
	assert.False(t, found)
}

func TestIterateConfirmationHeights(t *testing.T) {
	kv := newTestStore()
	txn := kv.TxBeginWrite()
	for i := byte(1); i <= 3; i++ {
		require.NoError(t, txn.PutConfirmationHeight(types.Account{i}, types.ConfirmationHeightInfo{Height: uint64(i)}))
	}
	require.NoError(t, txn.Commit())

	seen := map[types.Account]uint64{}
	require.NoError(t, kv.TxBeginRead().IterateConfirmationHeights(func(a types.Account, info types.ConfirmationHeightInfo) bool {
		seen[a] = info.Height
		return true
	}))
	assert.Len(t, seen, 3)
	assert.Equal(t, uint64(2), seen[types.Account{2}])
}

// 同一时刻只能有一个writer
func TestWriteQueueMutualExclusion(t *testing.T) {
	q := NewWriteQueue()
	var (
		wg      sync.WaitGroup
		mtx     sync.Mutex
		holders int
		maxSeen int
	)
	for _, w := range []Writer{WriterProcessBatch, WriterConfirmationHeight, WriterTesting} {
		wg.Add(1)
		go func(w Writer) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				guard := q.Wait(w)
				mtx.Lock()
				holders++
				if holders > maxSeen {
					maxSeen = holders
				}
				mtx.Unlock()
				time.Sleep(time.Microsecond)
				mtx.Lock()
				holders--
				mtx.Unlock()
				guard.Release()
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, q.Size())
}

// 同一类writer的并发调用也必须互斥
func TestWriteQueueSameWriterConcurrent(t *testing.T) {
	q := NewWriteQueue()
	var (
		wg      sync.WaitGroup
		mtx     sync.Mutex
		holders int
		maxSeen int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				guard := q.Wait(WriterProcessBatch)
				mtx.Lock()
				holders++
				if holders > maxSeen {
					maxSeen = holders
				}
				mtx.Unlock()
				time.Sleep(100 * time.Microsecond)
				mtx.Lock()
				holders--
				mtx.Unlock()
				guard.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, q.Size())
}

func TestWriteGuardReleaseTwice(t *testing.T) {
	q := NewWriteQueue()
	guard := q.Wait(WriterTesting)
	assert.True(t, q.Contains(WriterTesting))
	assert.Equal(t, WriterTesting, guard.Writer())

	guard.Release()
	guard.Release()
	assert.False(t, guard.IsOwned())
	assert.False(t, q.Contains(WriterTesting))
	assert.Zero(t, q.Size())
}
