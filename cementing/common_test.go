package cementing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"lattice_consensus/config"
	"lattice_consensus/ledger"
	"lattice_consensus/store"
	"lattice_consensus/types"
)

func newTestProcessor(l *ledger.Ledger, mode config.ConfirmationHeightMode) *Processor {
	cfg := config.TestConfirmationHeightConfig()
	cfg.Mode = mode
	p := NewProcessor(cfg, l, store.NewWriteQueue())
	p.SetLogger(log.TestingLogger())
	return p
}

func confirmationHeight(l *ledger.Ledger, account types.Account) types.ConfirmationHeightInfo {
	return l.ConfirmationHeight(l.TxBeginRead(), account)
}

// crossGraph 三个账户之间互相收发的区块
//
//	genesis: [1 genesis] [2 sendA] [3 sendB]
//	A:       [1 open(sendA)] [2 sendB] [3 change] [4 receive(B.send)]
//	B:       [1 open(A.sendB)] [2 receive(genesis.sendB)] [3 sendA]
type crossGraph struct {
	genesis, a, b *ledger.Chain
	blocks        []*types.Block
	top           *types.Block
}

func newCrossGraph() *crossGraph {
	g := &crossGraph{
		genesis: ledger.GenesisChain(),
		a:       ledger.NewRandomChain(),
		b:       ledger.NewRandomChain(),
	}
	gSendA := g.genesis.Send(g.a.Account, types.NewAmount(1000))
	aOpen := g.a.Receive(gSendA, types.NewAmount(1000))
	aSendB := g.a.Send(g.b.Account, types.NewAmount(100))
	gSendB := g.genesis.Send(g.b.Account, types.NewAmount(50))
	bOpen := g.b.Receive(aSendB, types.NewAmount(100))
	bRecv := g.b.Receive(gSendB, types.NewAmount(50))
	aChange := g.a.Change(g.b.Account)
	bSendA := g.b.Send(g.a.Account, types.NewAmount(10))
	aRecv := g.a.Receive(bSendA, types.NewAmount(10))

	g.blocks = []*types.Block{gSendA, aOpen, aSendB, gSendB, bOpen, bRecv, aChange, bSendA, aRecv}
	g.top = aRecv
	return g
}

func (g *crossGraph) accounts() []types.Account {
	return []types.Account{g.genesis.Account, g.a.Account, g.b.Account}
}

type pendingSend struct {
	block  *types.Block
	dest   int
	amount types.Amount
}

// randomGraph 在accounts个账户之间随机收发，返回按处理顺序排列的区块
func randomGraph(r *rand.Rand, accounts, steps int) ([]*ledger.Chain, []*types.Block) {
	chains := []*ledger.Chain{ledger.GenesisChain()}
	for i := 0; i < accounts; i++ {
		chains = append(chains, ledger.NewRandomChain())
	}

	var (
		blocks     []*types.Block
		unreceived []pendingSend
	)
	for i := 0; i < steps; i++ {
		if len(unreceived) > 0 && r.Intn(2) == 0 {
			idx := r.Intn(len(unreceived))
			ps := unreceived[idx]
			unreceived = append(unreceived[:idx], unreceived[idx+1:]...)
			blocks = append(blocks, chains[ps.dest].Receive(ps.block, ps.amount))
			continue
		}

		var senders []int
		for j, c := range chains {
			if !c.Head.IsZero() && !c.Balance.IsZero() {
				senders = append(senders, j)
			}
		}
		from := senders[r.Intn(len(senders))]
		dest := r.Intn(len(chains))
		if dest == from {
			dest = (dest + 1) % len(chains)
		}
		amount := types.NewAmount(1)
		send := chains[from].Send(chains[dest].Account, amount)
		blocks = append(blocks, send)
		unreceived = append(unreceived, pendingSend{block: send, dest: dest, amount: amount})
	}
	return chains, blocks
}

// requireDependencyOrder 同一批中previous和source必须先于区块本身被通知
func requireDependencyOrder(t *testing.T, cemented []*types.Block) {
	seen := make(map[types.Hash]bool)
	for _, block := range cemented {
		hash := block.Hash()
		if !block.Previous.IsZero() && contains(cemented, block.Previous) {
			require.True(t, seen[block.Previous], "block %v cemented before its previous", hash)
		}
		if block.IsReceive() && contains(cemented, block.Source()) {
			require.True(t, seen[block.Source()], "block %v cemented before its source", hash)
		}
		seen[hash] = true
	}
}

func contains(blocks []*types.Block, hash types.Hash) bool {
	for _, b := range blocks {
		if b.Hash() == hash {
			return true
		}
	}
	return false
}
