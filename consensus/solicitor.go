package consensus

import (
	"sync"

	"lattice_consensus/config"
	"lattice_consensus/types"
)

// Solicitor 在一次tick中收集需要广播的区块和confirm_req，最后统一发送
// 每轮对广播数量、请求数量做限制，避免出站流量过大
type Solicitor struct {
	mtx sync.Mutex

	config  *config.ConsensusConfig
	network Network

	representatives []Representative
	requests        map[string][]ConfirmReqEntry
	broadcasts      []*types.Block
	electionReqs    int
	prepared        bool
}

func NewSolicitor(config *config.ConsensusConfig, network Network) *Solicitor {
	return &Solicitor{
		config:   config,
		network:  network,
		requests: make(map[string][]ConfirmReqEntry),
	}
}

// Prepare 开始新的一轮
func (s *Solicitor) Prepare(reps []Representative) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.prepared {
		panic("solicitor prepared twice")
	}
	s.prepared = true
	s.representatives = reps
	s.requests = make(map[string][]ConfirmReqEntry)
	s.broadcasts = s.broadcasts[:0]
	s.electionReqs = 0
}

// Broadcast 本轮广播名额未用完时加入广播队列
func (s *Solicitor) Broadcast(block *types.Block) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.prepared || block == nil || len(s.broadcasts) >= s.config.MaxBlockBroadcasts {
		return false
	}
	s.broadcasts = append(s.broadcasts, block)
	return true
}

// Add 向所有代表请求对winner投票
func (s *Solicitor) Add(root types.QualifiedRoot, winner *types.Block) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.prepared || winner == nil || s.electionReqs >= s.config.MaxElectionRequests {
		return false
	}
	maxPerChannel := s.config.MaxConfirmReqBatches * s.config.MaxConfirmReqHashes
	entry := ConfirmReqEntry{Hash: winner.Hash(), Root: root.Root}
	added := false
	for _, rep := range s.representatives {
		queue := s.requests[rep.Channel]
		if len(queue) >= maxPerChannel {
			continue
		}
		s.requests[rep.Channel] = append(queue, entry)
		added = true
	}
	if added {
		s.electionReqs++
	}
	return added
}

// Flush 发送本轮收集的请求，confirm_req按MaxConfirmReqHashes分批
func (s *Solicitor) Flush() {
	s.mtx.Lock()
	broadcasts := s.broadcasts
	requests := s.requests
	s.prepared = false
	s.mtx.Unlock()

	for _, block := range broadcasts {
		s.network.Broadcast(block)
	}
	for channel, entries := range requests {
		for start := 0; start < len(entries); start += s.config.MaxConfirmReqHashes {
			end := start + s.config.MaxConfirmReqHashes
			if end > len(entries) {
				end = len(entries)
			}
			s.network.SendConfirmReq(channel, entries[start:end])
		}
	}
}
