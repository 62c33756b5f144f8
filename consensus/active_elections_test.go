package consensus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/events"

	"lattice_consensus/config"
	cstypes "lattice_consensus/consensus/types"
	"lattice_consensus/types"
)

func TestSingleElectionPerRoot(t *testing.T) {
	env := newActiveEnv(config.TestConsensusConfig())
	forks := forkBlocks(2)

	var (
		wg        sync.WaitGroup
		mtx       sync.Mutex
		elections = make(map[*Election]struct{})
		inserted  int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, ok := env.active.Insert(forks[i%2], cstypes.BehaviorNormal)
			mtx.Lock()
			defer mtx.Unlock()
			elections[e] = struct{}{}
			if ok {
				inserted++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Len(t, elections, 1)
	assert.Equal(t, 1, env.active.Size())
	assert.True(t, env.active.Active(forks[1].QualifiedRoot()))
}

func TestVacancyLimitsInsert(t *testing.T) {
	cfg := config.TestConsensusConfig()
	cfg.ActiveElectionsSize = 1
	env := newActiveEnv(cfg)

	vacancyUpdates := 0
	env.active.SetVacancyUpdate(func() { vacancyUpdates++ })

	first := rootBlock(1)
	second := rootBlock(2)
	_, ok := env.active.Insert(first, cstypes.BehaviorNormal)
	require.True(t, ok)
	assert.Equal(t, 0, env.active.Vacancy())

	e, ok := env.active.Insert(second, cstypes.BehaviorNormal)
	assert.False(t, ok)
	assert.Nil(t, e)
	assert.Equal(t, 1, env.active.Size())

	require.True(t, env.active.EraseOldest())
	assert.Equal(t, 1, env.active.Vacancy())

	_, ok = env.active.Insert(second, cstypes.BehaviorNormal)
	assert.True(t, ok)
	assert.Equal(t, 1, env.active.Size())
	assert.Equal(t, 3, vacancyUpdates)
}

func TestInsertManualOvercommits(t *testing.T) {
	cfg := config.TestConsensusConfig()
	cfg.ActiveElectionsSize = 1
	env := newActiveEnv(cfg)

	_, ok := env.active.Insert(rootBlock(1), cstypes.BehaviorNormal)
	require.True(t, ok)
	_, ok = env.active.InsertManual(rootBlock(2), cstypes.BehaviorNormal)
	require.True(t, ok)
	assert.Equal(t, -1, env.active.Vacancy())
}

func TestOptimisticLimit(t *testing.T) {
	cfg := config.TestConsensusConfig()
	cfg.ActiveElectionsSize = 20
	cfg.OptimisticElectionsPercent = 10
	env := newActiveEnv(cfg)

	for i := 0; i < 2; i++ {
		_, ok := env.active.Insert(rootBlock(i), cstypes.BehaviorOptimistic)
		require.True(t, ok)
	}
	_, ok := env.active.Insert(rootBlock(3), cstypes.BehaviorOptimistic)
	assert.False(t, ok)
	_, ok = env.active.Insert(rootBlock(4), cstypes.BehaviorNormal)
	assert.True(t, ok)
	assert.Equal(t, 2, env.active.Snapshot().Optimistic)
}

func TestEraseOldestPrefersUnconfirmed(t *testing.T) {
	env := newActiveEnv(config.TestConsensusConfig())
	reps := newTestReps(env.ledger, 7, 100)

	confirmed := rootBlock(1)
	unconfirmed := rootBlock(2)
	_, ok := env.active.Insert(confirmed, cstypes.BehaviorNormal)
	require.True(t, ok)
	_, ok = env.active.Insert(unconfirmed, cstypes.BehaviorNormal)
	require.True(t, ok)

	for _, rep := range reps {
		env.active.Vote(rep.vote(1, confirmed.Hash()))
	}
	require.True(t, env.active.Election(confirmed.Hash()).Confirmed())

	require.True(t, env.active.EraseOldest())
	assert.True(t, env.active.Active(confirmed.QualifiedRoot()))
	assert.False(t, env.active.Active(unconfirmed.QualifiedRoot()))
	assert.Nil(t, env.active.Election(unconfirmed.Hash()))
}

func TestVoteRouting(t *testing.T) {
	env := newActiveEnv(config.TestConsensusConfig())
	reps := newTestReps(env.ledger, 7, 100)
	block := rootBlock(1)

	// 还没有选举，投票进入inactive缓存
	for _, rep := range reps[:6] {
		assert.Equal(t, cstypes.VoteIndeterminate, env.active.Vote(rep.vote(1, block.Hash())))
	}
	assert.Equal(t, 1, env.active.InactiveVotes().Size())

	e, ok := env.active.Insert(block, cstypes.BehaviorNormal)
	require.True(t, ok)
	assert.Len(t, e.Votes(), 6)
	assert.False(t, e.Confirmed())
	assert.Equal(t, 0, env.active.InactiveVotes().Size())

	assert.Equal(t, cstypes.VoteReplay, env.active.Vote(reps[0].vote(1, block.Hash())))
	assert.Equal(t, cstypes.VoteVote, env.active.Vote(reps[6].vote(1, block.Hash())))
	require.True(t, e.Confirmed())
	assert.Equal(t, []types.Hash{block.Hash()}, env.sink.Hashes())

	// 选举移除之后，迟到的投票按replay处理，root不会再次创建选举
	require.True(t, env.active.Erase(block.QualifiedRoot()))
	late := newTestReps(env.ledger, 1, 100)[0]
	assert.Equal(t, cstypes.VoteReplay, env.active.Vote(late.vote(1, block.Hash())))
	_, ok = env.active.Insert(block, cstypes.BehaviorNormal)
	assert.False(t, ok)
}

// 缓存的投票已经足够时，选举在创建时直接确认
func TestCachedVotesConfirmNewElection(t *testing.T) {
	env := newActiveEnv(config.TestConsensusConfig())
	reps := newTestReps(env.ledger, 7, 100)
	block := rootBlock(2)

	for _, rep := range reps {
		assert.Equal(t, cstypes.VoteIndeterminate, env.active.Vote(rep.vote(1, block.Hash())))
	}

	e, ok := env.active.Insert(block, cstypes.BehaviorNormal)
	require.True(t, ok)
	require.True(t, e.Confirmed())
	assert.Equal(t, cstypes.ConfirmationInactiveCache, e.Status().Type)
	assert.Len(t, e.Votes(), 7)
	assert.Equal(t, []types.Hash{block.Hash()}, env.sink.Hashes())

	// 选举中收到的投票达到quorum仍然是active_quorum
	live := rootBlock(3)
	e, ok = env.active.Insert(live, cstypes.BehaviorNormal)
	require.True(t, ok)
	for _, rep := range reps {
		env.active.Vote(rep.vote(2, live.Hash()))
	}
	require.True(t, e.Confirmed())
	assert.Equal(t, cstypes.ConfirmationActiveQuorum, e.Status().Type)
}

func TestPublishFork(t *testing.T) {
	env := newActiveEnv(config.TestConsensusConfig())
	forks := forkBlocks(2)

	assert.False(t, env.active.Publish(forks[1]))

	e, ok := env.active.Insert(forks[0], cstypes.BehaviorNormal)
	require.True(t, ok)
	assert.True(t, env.active.Publish(forks[1]))
	assert.False(t, env.active.Publish(forks[1]))
	assert.Equal(t, e, env.active.Election(forks[1].Hash()))
	assert.Len(t, e.Blocks(), 2)
}

func TestTickDrivesElections(t *testing.T) {
	cfg := config.TestConsensusConfig()
	network := &recordingNetwork{reps: []Representative{{Channel: "rep"}}}
	env := newActiveEnv(cfg, WithNetwork(network))

	stopped := make(chan cstypes.ElectionStatus, 1)
	require.NoError(t, env.active.EventSwitch().AddListenerForEvent("test", EventElectionStopped,
		func(data events.EventData) {
			stopped <- data.(cstypes.ElectionStatus)
		}))

	block := rootBlock(1)
	e, ok := env.active.Insert(block, cstypes.BehaviorNormal)
	require.True(t, ok)

	env.clock.Advance(cfg.BaseLatency * time.Duration(cfg.PassiveDurationFactor))
	env.active.Tick()
	assert.Equal(t, cstypes.ElectionActive, e.State())
	env.active.Tick()
	assert.Len(t, network.Requests(), 1)

	env.clock.Advance(cfg.ElectionTimeToLive)
	env.active.Tick()
	assert.Equal(t, 0, env.active.Size())
	assert.EqualValues(t, 1, env.active.Stats().Count("election", "expired_unconfirmed"))

	select {
	case status := <-stopped:
		assert.Equal(t, block.Hash(), status.Winner.Hash())
	default:
		t.Fatal("expected election stopped event")
	}
}

func TestBlockCementedConfirmsElection(t *testing.T) {
	env := newActiveEnv(config.TestConsensusConfig())
	forks := forkBlocks(2)

	e, ok := env.active.Insert(forks[0], cstypes.BehaviorNormal)
	require.True(t, ok)
	require.True(t, env.active.Publish(forks[1]))

	env.active.BlockCemented(forks[1])
	assert.True(t, e.Confirmed())
	assert.Equal(t, forks[1].Hash(), e.Winner().Hash())
	assert.Equal(t, cstypes.ConfirmationDependents, e.Status().Type)
	// 依赖确认的区块已经cement，不再交给sink
	assert.Empty(t, env.sink.Hashes())
	assert.True(t, env.active.RecentlyConfirmed().HasHash(forks[1].Hash()))
}

func TestBlockCementedUnknownForkErases(t *testing.T) {
	env := newActiveEnv(config.TestConsensusConfig())
	forks := forkBlocks(2)

	_, ok := env.active.Insert(forks[0], cstypes.BehaviorNormal)
	require.True(t, ok)
	env.active.BlockCemented(forks[1])
	assert.False(t, env.active.Active(forks[0].QualifiedRoot()))
}

func TestElectionConfirmedEvent(t *testing.T) {
	env := newActiveEnv(config.TestConsensusConfig())
	reps := newTestReps(env.ledger, 7, 100)

	var statuses []cstypes.ElectionStatus
	require.NoError(t, env.active.EventSwitch().AddListenerForEvent("test", EventElectionConfirmed,
		func(data events.EventData) {
			statuses = append(statuses, data.(cstypes.ElectionStatus))
		}))

	block := rootBlock(1)
	_, ok := env.active.Insert(block, cstypes.BehaviorNormal)
	require.True(t, ok)
	for _, rep := range reps {
		env.active.Vote(rep.vote(types.FinalTimestamp, block.Hash()))
	}
	require.Len(t, statuses, 1)
	assert.Equal(t, types.NewAmount(700), statuses[0].FinalTally)
}
