package metric

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"
)

// 统计的分类
const (
	SectionVote          = "vote"
	SectionVoteProcessor = "vote_processor"
	SectionElection      = "election"
	SectionActive        = "active_elections"
	SectionScheduler     = "election_scheduler"
	SectionCementing     = "confirmation_height"
	SectionLedger        = "ledger"
	SectionSolicitor     = "solicitor"
)

// Stats 计数器集合，key为section.detail
// 组件内部吸收的错误只在这里体现
type Stats struct {
	registry metrics.Registry
}

func NewStats() *Stats {
	return &Stats{registry: metrics.NewRegistry()}
}

func statKey(section, detail string) string {
	return section + "." + detail
}

func (s *Stats) Inc(section, detail string) {
	s.Add(section, detail, 1)
}

func (s *Stats) Add(section, detail string, n int64) {
	metrics.GetOrRegisterCounter(statKey(section, detail), s.registry).Inc(n)
}

func (s *Stats) Count(section, detail string) int64 {
	c, ok := s.registry.Get(statKey(section, detail)).(metrics.Counter)
	if !ok {
		return 0
	}
	return c.Count()
}

// Section 返回某一个分类下的所有计数
func (s *Stats) Section(section string) map[string]int64 {
	res := make(map[string]int64)
	prefix := section + "."
	s.registry.Each(func(name string, i interface{}) {
		if c, ok := i.(metrics.Counter); ok && strings.HasPrefix(name, prefix) {
			res[strings.TrimPrefix(name, prefix)] = c.Count()
		}
	})
	return res
}

// JSONString implements MetricItem
func (s *Stats) JSONString() string {
	snapshot := make(map[string]int64)
	s.registry.Each(func(name string, i interface{}) {
		if c, ok := i.(metrics.Counter); ok {
			snapshot[name] = c.Count()
		}
	})
	str, _ := jsoniter.MarshalToString(snapshot)
	return str
}
