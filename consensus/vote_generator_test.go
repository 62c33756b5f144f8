package consensus

import (
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"lattice_consensus/config"
	"lattice_consensus/ledger"
	"lattice_consensus/libs/metric"
	"lattice_consensus/types"
)

type sentVote struct {
	peer p2p.ID
	vote *types.Vote
}

type recordingSender struct {
	mtx   sync.Mutex
	votes []sentVote
}

func (s *recordingSender) SendVote(peer p2p.ID, vote *types.Vote) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.votes = append(s.votes, sentVote{peer: peer, vote: vote})
}

func (s *recordingSender) BroadcastVote(vote *types.Vote) {
	s.SendVote("", vote)
}

func (s *recordingSender) Votes() []sentVote {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]sentVote(nil), s.votes...)
}

func TestVoteGeneratorGenerate(t *testing.T) {
	l := ledger.NewTestLedger(log.TestingLogger())
	genesis := ledger.GenesisChain()
	send := genesis.Send(ledger.NewRandomChain().Account, types.NewAmount(1))
	l.MustProcess(send)

	key := ed25519.GenPrivKey()
	vg := NewVoteGenerator(config.TestConsensusConfig(), key, l, &recordingSender{}, nil, metric.NewStats())

	vote, err := vg.Generate(send.Previous)
	require.NoError(t, err)
	assert.Equal(t, types.FinalTimestamp, vote.Timestamp)
	assert.Equal(t, vg.Account(), vote.Account)
	assert.True(t, key.PubKey().VerifySignature(vote.Hash().Bytes(), vote.Signature))

	vote, err = vg.Generate(send.Hash())
	require.NoError(t, err)
	assert.NotEqual(t, types.FinalTimestamp, vote.Timestamp)
}

func TestVoteGeneratorConfirmReq(t *testing.T) {
	defer leaktest.CheckTimeout(t, 2*time.Second)()

	l := ledger.NewTestLedger(log.TestingLogger())
	genesis := ledger.GenesisChain()
	send := genesis.Send(ledger.NewRandomChain().Account, types.NewAmount(1))
	l.MustProcess(send)

	sender := &recordingSender{}
	stats := metric.NewStats()
	vg := NewVoteGenerator(config.TestConsensusConfig(), ed25519.GenPrivKey(), l, sender, nil, stats)
	vg.SetLogger(log.TestingLogger())
	require.NoError(t, vg.Start())
	defer func() { require.NoError(t, vg.Stop()) }()

	vg.HandleConfirmReq("peer1", []ConfirmReqEntry{
		{Hash: send.Hash(), Root: send.Root()},
		{Hash: types.Hash{0x77}, Root: types.Hash{0x78}},
	})
	require.Eventually(t, func() bool { return len(sender.Votes()) == 1 }, time.Second, 5*time.Millisecond)
	sent := sender.Votes()[0]
	assert.Equal(t, p2p.ID("peer1"), sent.peer)
	assert.Equal(t, []types.Hash{send.Hash()}, sent.vote.Hashes)

	// 本地代表的投票广播出去
	vg.HandleConfirmReq(LocalChannel, []ConfirmReqEntry{{Hash: send.Hash(), Root: send.Root()}})
	require.Eventually(t, func() bool { return len(sender.Votes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, p2p.ID(""), sender.Votes()[1].peer)
	assert.Equal(t, int64(2), stats.Count(metric.SectionVote, "generated"))
}

func TestLocalRepNetwork(t *testing.T) {
	var got []ConfirmReqEntry
	account := types.Account{0x01}
	network := NewLocalRepNetwork(NopNetwork{}, account, func(peer p2p.ID, entries []ConfirmReqEntry) {
		assert.Equal(t, p2p.ID(LocalChannel), peer)
		got = entries
	})

	reps := network.Representatives()
	require.Len(t, reps, 1)
	assert.Equal(t, Representative{Account: account, Channel: LocalChannel}, reps[0])

	entries := []ConfirmReqEntry{{Hash: types.Hash{0x02}}}
	network.SendConfirmReq(LocalChannel, entries)
	assert.Equal(t, entries, got)

	got = nil
	network.SendConfirmReq("other", entries)
	assert.Nil(t, got)
}
