package consensus

import (
	"sync"
	"time"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"

	"lattice_consensus/config"
	"lattice_consensus/ledger"
	"lattice_consensus/libs/metric"
	"lattice_consensus/types"
)

// testClock 手动推进的时钟
type testClock struct {
	mtx sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1600000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink 记录交给cement的区块
type recordingSink struct {
	mtx    sync.Mutex
	hashes []types.Hash
}

func (s *recordingSink) Add(hash types.Hash) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.hashes = append(s.hashes, hash)
}

func (s *recordingSink) Hashes() []types.Hash {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]types.Hash(nil), s.hashes...)
}

type testRep struct {
	key     crypto.PrivKey
	account types.Account
}

// newTestReps 生成n个权重为weight的代表
func newTestReps(l *ledger.Ledger, n int, weight uint64) []testRep {
	reps := make([]testRep, n)
	for i := range reps {
		key := ed25519.GenPrivKey()
		reps[i] = testRep{key: key, account: types.AccountFromPubKey(key.PubKey())}
		l.RepWeights.Add(reps[i].account, types.NewAmount(weight))
	}
	return reps
}

func (r testRep) vote(timestamp uint64, hashes ...types.Hash) *types.Vote {
	v := types.NewVote(r.account, timestamp, hashes...)
	if err := v.Sign(r.key); err != nil {
		panic(err)
	}
	return v
}

// newTestQuorum 在线权重下限1000，quorum 67%
func newTestQuorum(l *ledger.Ledger) *ledger.OnlineReps {
	return ledger.NewOnlineReps(l.RepWeights, time.Minute, 4, types.NewAmount(1000), 67)
}

// rootBlock 每次调用生成一个root不同的区块
func rootBlock(i int) *types.Block {
	c := ledger.NewRandomChain()
	c.Head = types.Hash{byte(i >> 8), byte(i), 0xaa}
	c.Balance = types.NewAmount(1000)
	return c.Send(ledger.NewRandomChain().Account, types.NewAmount(1))
}

// forkBlocks 生成n个竞争同一个root的区块
func forkBlocks(n int) []*types.Block {
	c := ledger.NewRandomChain()
	previous := types.Hash{0xbb}
	blocks := make([]*types.Block, n)
	for i := range blocks {
		blocks[i] = c.Fork(previous, types.NewAmount(uint64(i)), ledger.NewRandomChain().Account)
	}
	return blocks
}

type activeEnv struct {
	cfg    *config.ConsensusConfig
	ledger *ledger.Ledger
	online *ledger.OnlineReps
	clock  *testClock
	sink   *recordingSink
	active *ActiveElections
}

func newActiveEnv(cfg *config.ConsensusConfig, options ...ActiveElectionsOption) *activeEnv {
	logger := log.TestingLogger()
	env := &activeEnv{
		cfg:    cfg,
		ledger: ledger.NewTestLedger(logger),
		clock:  newTestClock(),
		sink:   &recordingSink{},
	}
	env.online = newTestQuorum(env.ledger)
	options = append([]ActiveElectionsOption{WithClock(env.clock.Now), WithStats(metric.NewStats())}, options...)
	env.active = NewActiveElections(cfg, env.ledger, env.online, env.sink, options...)
	env.active.SetLogger(logger)
	return env
}
