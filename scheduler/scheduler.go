package scheduler

import (
	"sync"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"lattice_consensus/config"
	"lattice_consensus/consensus"
	cstypes "lattice_consensus/consensus/types"
	"lattice_consensus/ledger"
	"lattice_consensus/libs/metric"
	"lattice_consensus/types"
)

type manualEntry struct {
	block    *types.Block
	behavior cstypes.ElectionBehavior
}

// Scheduler 决定哪些区块可以开始选举
// 依赖已经确认的区块进入Prioritization，ActiveElections有空位时再提升为选举
type Scheduler struct {
	service.BaseService

	config *config.SchedulerConfig
	ledger *ledger.Ledger
	active *consensus.ActiveElections
	stats  *metric.Stats

	mtx      sync.Mutex
	cond     *sync.Cond
	priority *Prioritization
	manual   []manualEntry
	// 调度循环释放锁去操作ActiveElections期间为true
	busy bool

	cemented <-chan *types.Block
}

type SchedulerOption func(*Scheduler)

// WithCementedSource cement处理器的通知channel，被cement的账户会重新激活
func WithCementedSource(ch <-chan *types.Block) SchedulerOption {
	return func(s *Scheduler) {
		s.cemented = ch
	}
}

func NewScheduler(
	config *config.SchedulerConfig,
	l *ledger.Ledger,
	active *consensus.ActiveElections,
	stats *metric.Stats,
	options ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		config:   config,
		ledger:   l,
		active:   active,
		stats:    stats,
		priority: NewPrioritization(config.PrioritizationMaximum),
	}
	s.cond = sync.NewCond(&s.mtx)
	s.BaseService = *service.NewBaseService(nil, "Scheduler", s)

	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Scheduler) SetLogger(logger log.Logger) {
	s.Logger = logger
}

func (s *Scheduler) OnStart() error {
	s.active.SetVacancyUpdate(s.Notify)
	go s.scheduleRoutine()
	if s.cemented != nil {
		go s.cementedRoutine()
	}
	s.Logger.Info("election scheduler started")
	return nil
}

func (s *Scheduler) OnStop() {
	s.active.SetVacancyUpdate(nil)
	s.Notify()
	s.Logger.Info("election scheduler stopped.")
}

// Activate 账户有未确认的区块且其依赖都已确认时，把下一个未确认区块放入优先队列
func (s *Scheduler) Activate(account types.Account) bool {
	txn := s.ledger.TxBeginRead()
	info, found := s.ledger.AccountInfo(txn, account)
	if !found {
		return false
	}
	conf := s.ledger.ConfirmationHeight(txn, account)
	if conf.Height >= info.BlockCount {
		return false
	}

	hash := info.OpenBlock
	if conf.Height > 0 {
		hash = s.ledger.BlockSuccessor(txn, conf.Frontier)
	}
	block := s.ledger.Block(txn, hash)
	if block == nil {
		s.Logger.Error("missing successor of confirmed frontier", "account", account, "frontier", conf.Frontier)
		return false
	}
	if !s.ledger.DependentsConfirmed(txn, block) {
		s.stats.Inc(metric.SectionScheduler, "activate_dependents_unconfirmed")
		return false
	}
	if s.active.Active(block.QualifiedRoot()) {
		return false
	}

	s.mtx.Lock()
	s.priority.Push(uint64(info.Modified.Unix()), block)
	s.cond.Broadcast()
	s.mtx.Unlock()

	s.stats.Inc(metric.SectionScheduler, "activated")
	s.Logger.Debug("account activated", "account", account, "block", hash)
	return true
}

// Manual 强制为block开始选举，不检查依赖
func (s *Scheduler) Manual(block *types.Block, behavior cstypes.ElectionBehavior) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.manual) >= s.config.ManualQueueSize {
		s.stats.Inc(metric.SectionScheduler, "manual_overflow")
		return false
	}
	s.manual = append(s.manual, manualEntry{block: block, behavior: behavior})
	s.cond.Broadcast()
	return true
}

// Notify 唤醒调度循环，ActiveElections空位变化时调用
func (s *Scheduler) Notify() {
	s.mtx.Lock()
	s.cond.Broadcast()
	s.mtx.Unlock()
}

// NOTE: 调用者持有s.mtx
func (s *Scheduler) predicate() bool {
	vacancy := s.active.Vacancy()
	return len(s.manual) > 0 || (!s.priority.Empty() && vacancy > 0) || vacancy < 0
}

func (s *Scheduler) scheduleRoutine() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for {
		for s.IsRunning() && !s.predicate() {
			s.cond.Wait()
		}
		if !s.IsRunning() {
			s.cond.Broadcast()
			return
		}

		vacancy := s.active.Vacancy()
		s.busy = true
		switch {
		case vacancy < 0:
			s.mtx.Unlock()
			s.active.EraseOldest()
			s.stats.Inc(metric.SectionScheduler, "erase_oldest")
			s.mtx.Lock()
		case len(s.manual) > 0:
			m := s.manual[0]
			s.manual = s.manual[1:]
			s.mtx.Unlock()
			s.active.InsertManual(m.block, m.behavior)
			s.stats.Inc(metric.SectionScheduler, "insert_manual")
			s.mtx.Lock()
		case !s.priority.Empty() && vacancy > 0:
			block := s.priority.Top()
			s.priority.Pop()
			s.mtx.Unlock()
			if _, inserted := s.active.Insert(block, cstypes.BehaviorNormal); inserted {
				s.stats.Inc(metric.SectionScheduler, "insert_priority")
			}
			s.mtx.Lock()
		}
		s.busy = false
		s.cond.Broadcast()
	}
}

// cementedRoutine 区块被cement后，账户本身和send的目标账户可能有新的区块可以选举
func (s *Scheduler) cementedRoutine() {
	for {
		select {
		case <-s.Quit():
			return
		case block := <-s.cemented:
			s.Activate(block.Account)
			if block.IsSend() {
				s.Activate(block.Destination())
			}
		}
	}
}

// Flush 阻塞到当前无法再提升任何选举
func (s *Scheduler) Flush() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for s.IsRunning() && (s.busy || s.predicate()) {
		s.cond.Wait()
	}
}

func (s *Scheduler) Size() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.priority.Size() + len(s.manual)
}

func (s *Scheduler) Empty() bool {
	return s.Size() == 0
}

func (s *Scheduler) PriorityQueueSize() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.priority.Size()
}

func (s *Scheduler) ManualQueueSize() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.manual)
}
