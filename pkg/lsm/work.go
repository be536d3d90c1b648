package lsm

import (
	"sync"
	"sync/atomic"
	"time"

	"lsmtree/pkg/types"

	"github.com/cenkalti/backoff/v4"
)

// workOp is the kind of maintenance a work unit asks for. Operation and
// the force modifier are separate fields on the unit: they never share
// bits.
type workOp uint8

const (
	opSwitch workOp = iota + 1
	opFlush
	opBloom
	opMerge
	opDrop
)

func (op workOp) String() string {
	switch op {
	case opSwitch:
		return "switch"
	case opFlush:
		return "flush"
	case opBloom:
		return "bloom"
	case opMerge:
		return "merge"
	case opDrop:
		return "drop"
	default:
		return "unknown"
	}
}

func (op workOp) mask() uint32 { return 1 << op }

const (
	maskSwitch = uint32(1) << uint32(opSwitch)
	maskFlush  = uint32(1) << uint32(opFlush)
	maskBloom  = uint32(1) << uint32(opBloom)
	maskMerge  = uint32(1) << uint32(opMerge)
	maskDrop   = uint32(1) << uint32(opDrop)

	maskApp = maskFlush | maskBloom | maskDrop
	maskAll = maskSwitch | maskApp | maskMerge
)

// workUnit is one piece of maintenance. Targeted operations (flush, bloom)
// carry the chunk id; the rest resolve their target when they run.
type workUnit struct {
	op      workOp
	force   bool
	chunkID types.ChunkID

	// retry schedule, created on the first requeue
	retry *backoff.ExponentialBackOff
}

// nextDelay returns the unit's next requeue delay, or false once the
// schedule is exhausted.
func (u *workUnit) nextDelay() (time.Duration, bool) {
	if u.retry == nil {
		u.retry = backoff.NewExponentialBackOff()
		u.retry.InitialInterval = 10 * time.Millisecond
		u.retry.MaxInterval = 500 * time.Millisecond
		u.retry.MaxElapsedTime = 10 * time.Second
	}
	d := u.retry.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

// workQueue is one FIFO with its own lock.
type workQueue struct {
	mu    sync.Mutex
	units []*workUnit
}

func (q *workQueue) push(u *workUnit) {
	q.mu.Lock()
	q.units = append(q.units, u)
	q.mu.Unlock()
}

func (q *workQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.units)
	q.units = nil
	return n
}

// workManager feeds the worker pool from three FIFO queues: switches must
// never wait behind other work, application-requested flushes and bloom
// builds come next, and long-running merges last. Workers scan in that
// priority order.
type workManager struct {
	switchQ workQueue
	appQ    workQueue
	mergeQ  workQueue

	wake     chan struct{}
	done     chan struct{}
	shutdown atomic.Bool

	queued atomic.Int64
}

func newWorkManager() *workManager {
	return &workManager{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (m *workManager) enqueue(u *workUnit) {
	if m.shutdown.Load() {
		return
	}
	switch u.op {
	case opSwitch:
		m.switchQ.push(u)
	case opMerge:
		m.mergeQ.push(u)
	default:
		m.appQ.push(u)
	}
	m.queued.Add(1)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// enqueueAfter re-enqueues a unit once the delay elapses; used for retry
// backoff on transient failures.
func (m *workManager) enqueueAfter(u *workUnit, d time.Duration) {
	time.AfterFunc(d, func() {
		if !m.shutdown.Load() {
			m.enqueue(u)
		}
	})
}

// next pops the highest-priority unit matching the worker's operation
// mask, or blocks up to wait. Returns nil on timeout or shutdown; the
// caller loops.
func (m *workManager) next(mask uint32, wait time.Duration) *workUnit {
	if m.shutdown.Load() {
		return nil
	}
	for _, q := range []*workQueue{&m.switchQ, &m.appQ, &m.mergeQ} {
		q.mu.Lock()
		for i, u := range q.units {
			if u.op.mask()&mask != 0 {
				q.units = append(q.units[:i], q.units[i+1:]...)
				q.mu.Unlock()
				m.queued.Add(-1)
				return u
			}
		}
		q.mu.Unlock()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-m.wake:
	case <-timer.C:
	case <-m.done:
	}
	return nil
}

// close drains all queues and releases waiting workers. Returns the number
// of units discarded.
func (m *workManager) close() int {
	if !m.shutdown.CompareAndSwap(false, true) {
		return 0
	}
	n := m.switchQ.drain() + m.appQ.drain() + m.mergeQ.drain()
	m.queued.Add(int64(-n))
	close(m.done)
	return n
}
