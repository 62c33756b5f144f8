package store

import (
	"sync"
)

// Writer 写事务使用者的类别
type Writer uint8

const (
	WriterProcessBatch       = Writer(0x01) // 区块入账
	WriterConfirmationHeight = Writer(0x02) // cementing
	WriterTesting            = Writer(0x03)
)

func (w Writer) String() string {
	switch w {
	case WriterProcessBatch:
		return "process_batch"
	case WriterConfirmationHeight:
		return "confirmation_height"
	case WriterTesting:
		return "testing"
	default:
		return "unknown"
	}
}

// WriteQueue 保证同一时刻只有一个writer持有账本的写事务
// 每个等待者占一个位置，按FIFO顺序获得写权限
type WriteQueue struct {
	mtx    sync.Mutex
	cond   *sync.Cond
	queue  []*ticket
	nextID uint64
}

type ticket struct {
	id     uint64
	writer Writer
}

func NewWriteQueue() *WriteQueue {
	q := &WriteQueue{}
	q.cond = sync.NewCond(&q.mtx)
	return q
}

// Wait 阻塞直到本次调用排到队首
func (q *WriteQueue) Wait(writer Writer) *WriteGuard {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.nextID++
	t := &ticket{id: q.nextID, writer: writer}
	q.queue = append(q.queue, t)
	for q.queue[0] != t {
		q.cond.Wait()
	}
	return &WriteGuard{queue: q, ticket: t, owns: true}
}

// Contains 判断是否有该类writer在排队或持有写权限
func (q *WriteQueue) Contains(writer Writer) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for _, t := range q.queue {
		if t.writer == writer {
			return true
		}
	}
	return false
}

func (q *WriteQueue) Size() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.queue)
}

func (q *WriteQueue) release(t *ticket) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if len(q.queue) == 0 || q.queue[0] != t {
		panic("write queue released by a writer that is not at the front")
	}
	q.queue[0] = nil
	q.queue = q.queue[1:]
	q.cond.Broadcast()
}

// WriteGuard 持有写权限，Release可以重复调用
type WriteGuard struct {
	queue  *WriteQueue
	ticket *ticket
	owns   bool
}

func (g *WriteGuard) Writer() Writer {
	return g.ticket.writer
}

func (g *WriteGuard) IsOwned() bool {
	return g.owns
}

func (g *WriteGuard) Release() {
	if g.owns {
		g.owns = false
		g.queue.release(g.ticket)
	}
}
