package cementing

import (
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"lattice_consensus/config"
	"lattice_consensus/ledger"
	"lattice_consensus/libs/metric"
	"lattice_consensus/store"
	"lattice_consensus/types"
)

const (
	// EventBlockCemented 数据为*types.Block
	EventBlockCemented = "BlockCemented"
	// EventAlreadyCemented 数据为types.Hash
	EventAlreadyCemented = "AlreadyCemented"
)

// Processor 账本确认高度的唯一写入者
// 选举确认的区块进入awaiting队列，由后台worker逐个计算需要cement的范围并批量写入
type Processor struct {
	service.BaseService

	config     *config.ConfirmationHeightConfig
	ledger     *ledger.Ledger
	writeQueue *store.WriteQueue
	stats      *metric.Stats
	evsw       events.EventSwitch

	mtx         sync.Mutex
	cond        *sync.Cond
	awaiting    *clist.CList
	awaitingMap map[types.Hash]*clist.CElement
	current     types.Hash
	paused      bool

	// 只由worker访问
	pending       *pendingWrites
	lastWrite     time.Time
	lastUnbounded bool

	cemented chan *types.Block
}

type ProcessorOption func(*Processor)

func WithStats(stats *metric.Stats) ProcessorOption {
	return func(p *Processor) {
		p.stats = stats
	}
}

func NewProcessor(
	config *config.ConfirmationHeightConfig,
	l *ledger.Ledger,
	writeQueue *store.WriteQueue,
	options ...ProcessorOption,
) *Processor {
	p := &Processor{
		config:      config,
		ledger:      l,
		writeQueue:  writeQueue,
		stats:       metric.NewStats(),
		evsw:        events.NewEventSwitch(),
		awaiting:    clist.New(),
		awaitingMap: make(map[types.Hash]*clist.CElement),
		pending:     newPendingWrites(),
		lastWrite:   time.Now(),
		cemented:    make(chan *types.Block, config.CementedChannelSize),
	}
	p.cond = sync.NewCond(&p.mtx)
	p.BaseService = *service.NewBaseService(nil, "ConfirmationHeight", p)

	for _, opt := range options {
		opt(p)
	}
	return p
}

func (p *Processor) SetLogger(logger log.Logger) {
	p.Logger = logger
	p.evsw.SetLogger(logger)
}

func (p *Processor) OnStart() error {
	if err := p.evsw.Start(); err != nil {
		return err
	}
	go p.processRoutine()
	p.Logger.Info("confirmation height processor started", "mode", p.config.Mode)
	return nil
}

func (p *Processor) OnStop() {
	p.mtx.Lock()
	p.cond.Broadcast()
	p.mtx.Unlock()
	if err := p.evsw.Stop(); err != nil {
		p.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	p.Logger.Info("confirmation height processor stopped.")
}

// EventSwitch 订阅EventBlockCemented和EventAlreadyCemented
func (p *Processor) EventSwitch() events.EventSwitch {
	return p.evsw
}

// Cemented 每个新cement的区块都会发到这个channel
// 运行中channel满时worker等待，未启动或已停止时丢弃
func (p *Processor) Cemented() <-chan *types.Block {
	return p.cemented
}

// Add 加入一个已确认的区块，已经在队列中或正在处理的区块被忽略
func (p *Processor) Add(hash types.Hash) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if _, ok := p.awaitingMap[hash]; ok || p.current == hash {
		p.stats.Inc(metric.SectionCementing, "add_duplicate")
		return
	}
	p.awaitingMap[hash] = p.awaiting.PushBack(hash)
	p.cond.Broadcast()
}

// Pause 暂停处理，用于测试
func (p *Processor) Pause() {
	p.mtx.Lock()
	p.paused = true
	p.mtx.Unlock()
}

func (p *Processor) Unpause() {
	p.mtx.Lock()
	p.paused = false
	p.cond.Broadcast()
	p.mtx.Unlock()
}

func (p *Processor) AwaitingProcessingSize() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.awaiting.Len()
}

func (p *Processor) IsProcessingBlock(hash types.Hash) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	_, ok := p.awaitingMap[hash]
	return ok || (!hash.IsZero() && p.current == hash)
}

// CurrentlyProcessing 没有正在处理的区块时返回零值
func (p *Processor) CurrentlyProcessing() types.Hash {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.current
}

func (p *Processor) Mode() config.ConfirmationHeightMode {
	return p.config.Mode
}

func (p *Processor) processRoutine() {
	p.mtx.Lock()
	for {
		for p.IsRunning() && (p.paused || p.awaiting.Len() == 0) {
			p.cond.Wait()
		}
		if !p.IsRunning() {
			p.mtx.Unlock()
			if !p.pending.empty() {
				p.writePending()
			}
			return
		}

		e := p.awaiting.Front()
		hash := e.Value.(types.Hash)
		p.awaiting.Remove(e)
		e.DetachPrev()
		delete(p.awaitingMap, hash)
		p.current = hash
		p.mtx.Unlock()

		p.process(hash)

		p.mtx.Lock()
		idle := p.awaiting.Len() == 0
		p.mtx.Unlock()
		p.maybeWrite(idle)

		p.mtx.Lock()
		p.current = types.ZeroHash
		p.cond.Broadcast()
	}
}

// maybeWrite 待写入数量达到BatchWriteSize、距离上次写入超过BatchMinTime或队列已空时写入
func (p *Processor) maybeWrite(idle bool) {
	if p.pending.empty() {
		return
	}
	if idle || p.pending.blocks >= p.config.BatchWriteSize || time.Since(p.lastWrite) >= p.config.BatchMinTime {
		p.writePending()
	}
}

// process 为一个确认的区块选择算法并计算cement范围
func (p *Processor) process(hash types.Hash) {
	txn := p.ledger.TxBeginRead()
	defer txn.Discard()
	block := p.ledger.Block(txn, hash)
	if block == nil {
		p.stats.Inc(metric.SectionCementing, "block_missing")
		p.Logger.Error("confirmed block not in ledger", "hash", hash)
		return
	}
	if p.pending.isConfirmed(p.ledger, txn, block) {
		p.stats.Inc(metric.SectionCementing, "already_cemented")
		p.evsw.FireEvent(EventAlreadyCemented, hash)
		return
	}

	if p.useUnbounded() {
		p.lastUnbounded = true
		p.stats.Inc(metric.SectionCementing, "unbounded")
		p.processUnbounded(block)
	} else {
		p.lastUnbounded = false
		p.stats.Inc(metric.SectionCementing, "bounded")
		p.processBounded(block)
	}
}

// useUnbounded automatic模式下账本较小，或上一个区块用unbounded且还有未写入的范围
func (p *Processor) useUnbounded() bool {
	switch p.config.Mode {
	case config.ModeUnbounded:
		return true
	case config.ModeBounded:
		return false
	default:
		return p.ledger.BlockCount() < p.config.UnboundedCutoff || (p.lastUnbounded && !p.pending.empty())
	}
}

// ProcessBlock 同步cement一个区块并立即写入，不经过awaiting队列
// NOTE: 不能与正在运行的worker同时使用
func (p *Processor) ProcessBlock(hash types.Hash) {
	p.process(hash)
	p.writePending()
}

// notifyCemented channel满时阻塞等待消费者，只有停止时才丢弃
func (p *Processor) notifyCemented(block *types.Block) {
	p.evsw.FireEvent(EventBlockCemented, block)
	select {
	case p.cemented <- block:
		return
	default:
	}
	if !p.IsRunning() {
		p.stats.Inc(metric.SectionCementing, "cemented_channel_overflow")
		return
	}
	p.stats.Inc(metric.SectionCementing, "cemented_channel_full")
	select {
	case p.cemented <- block:
	case <-p.Quit():
		p.stats.Inc(metric.SectionCementing, "cemented_channel_overflow")
	}
}
