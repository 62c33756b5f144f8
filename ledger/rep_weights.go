package ledger

import (
	"sync"

	"lattice_consensus/types"
)

// RepWeights 代表 -> 委托给它的余额之和
type RepWeights struct {
	mtx     sync.RWMutex
	weights map[types.Account]types.Amount
}

func NewRepWeights() *RepWeights {
	return &RepWeights{weights: make(map[types.Account]types.Amount)}
}

func (rw *RepWeights) Get(rep types.Account) types.Amount {
	rw.mtx.RLock()
	defer rw.mtx.RUnlock()
	return rw.weights[rep]
}

func (rw *RepWeights) Add(rep types.Account, amount types.Amount) {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	rw.weights[rep] = rw.weights[rep].Add(amount)
}

func (rw *RepWeights) Sub(rep types.Account, amount types.Amount) {
	rw.mtx.Lock()
	defer rw.mtx.Unlock()
	current := rw.weights[rep]
	if current.Lt(amount) {
		panic("representative weight underflow")
	}
	current = current.Sub(amount)
	if current.IsZero() {
		delete(rw.weights, rep)
		return
	}
	rw.weights[rep] = current
}

// Total 所有代表权重之和
func (rw *RepWeights) Total() types.Amount {
	rw.mtx.RLock()
	defer rw.mtx.RUnlock()
	total := types.ZeroAmount
	for _, w := range rw.weights {
		total = total.Add(w)
	}
	return total
}

func (rw *RepWeights) Len() int {
	rw.mtx.RLock()
	defer rw.mtx.RUnlock()
	return len(rw.weights)
}
