package consensus

import (
	jsoniter "github.com/json-iterator/go"

	"lattice_consensus/libs/metric"
)

// activeMetric ActiveElections的状态快照，注册到node的MetricSet
type activeMetric struct {
	ae *ActiveElections
}

type ActiveSnapshot struct {
	Size              int `json:"size"`
	Vacancy           int `json:"vacancy"`
	Optimistic        int `json:"optimistic"`
	InactiveVotes     int `json:"inactive_votes_cache"`
	RecentlyConfirmed int `json:"recently_confirmed"`
}

// Metric 注册到MetricSet的快照器
func (ae *ActiveElections) Metric() metric.MetricItem {
	return &activeMetric{ae: ae}
}

func (ae *ActiveElections) Snapshot() ActiveSnapshot {
	ae.mtx.Lock()
	size, optimistic := len(ae.roots), ae.optimistic
	ae.mtx.Unlock()
	return ActiveSnapshot{
		Size:              size,
		Vacancy:           ae.config.ActiveElectionsSize - size,
		Optimistic:        optimistic,
		InactiveVotes:     ae.inactive.Size(),
		RecentlyConfirmed: ae.recent.Size(),
	}
}

func (am *activeMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(am.ae.Snapshot())
	return s
}

// voteProcessorMetric VoteProcessor的队列状态
type voteProcessorMetric struct {
	vp *VoteProcessor
}

func (vp *VoteProcessor) Metric() metric.MetricItem {
	return &voteProcessorMetric{vp: vp}
}

func (vm *voteProcessorMetric) JSONString() string {
	s, _ := jsoniter.MarshalToString(map[string]interface{}{
		"queued":    vm.vp.Size(),
		"capacity":  vm.vp.config.Capacity,
		"half_full": vm.vp.HalfFull(),
	})
	return s
}
