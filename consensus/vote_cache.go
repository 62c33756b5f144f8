package consensus

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"lattice_consensus/types"
)

// cachedVote 某个代表对区块的投票
type cachedVote struct {
	Account   types.Account
	Timestamp uint64
}

type inactiveEntry struct {
	votes []cachedVote
}

// InactiveVoteCache 缓存还没有对应选举的投票，选举创建时回放
// 按区块hash做LRU淘汰
type InactiveVoteCache struct {
	mtx       sync.Mutex
	cache     *lru.Cache
	maxVoters int
}

func NewInactiveVoteCache(size int, maxVoters int) *InactiveVoteCache {
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &InactiveVoteCache{cache: cache, maxVoters: maxVoters}
}

// Add 同一个代表只保留时间戳最大的投票
func (c *InactiveVoteCache) Add(hash types.Hash, account types.Account, timestamp uint64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var entry *inactiveEntry
	if v, ok := c.cache.Get(hash); ok {
		entry = v.(*inactiveEntry)
	} else {
		entry = &inactiveEntry{}
		c.cache.Add(hash, entry)
	}
	for i, v := range entry.votes {
		if v.Account == account {
			if timestamp > v.Timestamp {
				entry.votes[i].Timestamp = timestamp
			}
			return
		}
	}
	if len(entry.votes) >= c.maxVoters {
		return
	}
	entry.votes = append(entry.votes, cachedVote{Account: account, Timestamp: timestamp})
}

// Find 返回缓存的投票副本
func (c *InactiveVoteCache) Find(hash types.Hash) []cachedVote {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	v, ok := c.cache.Peek(hash)
	if !ok {
		return nil
	}
	votes := v.(*inactiveEntry).votes
	out := make([]cachedVote, len(votes))
	copy(out, votes)
	return out
}

// Tally 缓存投票的权重之和
func (c *InactiveVoteCache) Tally(hash types.Hash, weights Weights) types.Amount {
	total := types.ZeroAmount
	for _, v := range c.Find(hash) {
		total = total.Add(weights.Weight(v.Account))
	}
	return total
}

func (c *InactiveVoteCache) Erase(hash types.Hash) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.cache.Remove(hash)
}

func (c *InactiveVoteCache) Size() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.cache.Len()
}

// RecentlyConfirmed 最近确认的root和winner，迟到的投票按replay处理
type RecentlyConfirmed struct {
	roots  *lru.Cache // QualifiedRoot -> Hash
	hashes *lru.Cache // Hash -> QualifiedRoot
}

func NewRecentlyConfirmed(size int) *RecentlyConfirmed {
	roots, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	hashes, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &RecentlyConfirmed{roots: roots, hashes: hashes}
}

func (rc *RecentlyConfirmed) Put(root types.QualifiedRoot, hash types.Hash) {
	rc.roots.Add(root, hash)
	rc.hashes.Add(hash, root)
}

func (rc *RecentlyConfirmed) HasRoot(root types.QualifiedRoot) bool {
	return rc.roots.Contains(root)
}

func (rc *RecentlyConfirmed) HasHash(hash types.Hash) bool {
	return rc.hashes.Contains(hash)
}

func (rc *RecentlyConfirmed) Erase(hash types.Hash) {
	if root, ok := rc.hashes.Peek(hash); ok {
		rc.roots.Remove(root)
	}
	rc.hashes.Remove(hash)
}

func (rc *RecentlyConfirmed) Size() int {
	return rc.hashes.Len()
}
