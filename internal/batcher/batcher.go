package batcher

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"tokensync/internal/model"
)

// FlushFunc receives a drained batch of work items. It owns all error
// handling; items it cannot dispatch come back through Enqueue.
type FlushFunc func(items []model.WorkItem)

// Timer is the cancellable handle returned by a TimerFactory.
type Timer interface {
	Stop() bool
}

// TimerFactory schedules fn after d. Tests substitute a manual trigger.
type TimerFactory func(d time.Duration, fn func()) Timer

func realTimer(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Status is a point-in-time snapshot of the accumulator.
type Status struct {
	PendingCount     int  `json:"pending_count"`
	TimerArmed       bool `json:"timer_armed"`
	ProcessingActive bool `json:"processing_active"`
}

// Accumulator buffers work items and flushes them when either the size
// or the time trigger fires, whichever comes first. At most one flush
// is in flight; items arriving during a flush accumulate into the next
// buffer and arm their own timer.
type Accumulator struct {
	maxBatch int
	timeout  time.Duration
	flush    FlushFunc
	newTimer TimerFactory
	logger   *zap.Logger

	mu           sync.Mutex
	pending      []model.WorkItem
	timer        Timer
	flushing     bool
	timerExpired bool
	wg           sync.WaitGroup
}

func New(maxBatch int, timeout time.Duration, flush FlushFunc, logger *zap.Logger) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accumulator{
		maxBatch: maxBatch,
		timeout:  timeout,
		flush:    flush,
		newTimer: realTimer,
		logger:   logger,
	}
}

// SetTimerFactory replaces the timer implementation. Tests only; call
// before the first Enqueue.
func (a *Accumulator) SetTimerFactory(factory TimerFactory) {
	a.newTimer = factory
}

// Enqueue adds one item and evaluates the trigger policy.
func (a *Accumulator) Enqueue(item model.WorkItem) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = append(a.pending, item)

	if len(a.pending) >= a.maxBatch && !a.flushing {
		a.startFlushLocked(a.maxBatch)
		return
	}
	if a.timer == nil {
		a.armTimerLocked()
	}
}

// ForceFlush cancels the timer and flushes whatever is pending. No-op on
// an empty buffer. If a flush is already running, the buffer drains as
// soon as it completes.
func (a *Accumulator) ForceFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) == 0 {
		return
	}
	if a.flushing {
		a.timerExpired = true
		return
	}
	a.startFlushLocked(len(a.pending))
}

// Status reports the accumulator's current state.
func (a *Accumulator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		PendingCount:     len(a.pending),
		TimerArmed:       a.timer != nil,
		ProcessingActive: a.flushing,
	}
}

// Wait blocks until any in-flight flush completes. Used during shutdown.
func (a *Accumulator) Wait() {
	a.wg.Wait()
}

func (a *Accumulator) armTimerLocked() {
	a.timer = a.newTimer(a.timeout, a.onTimer)
}

func (a *Accumulator) onTimer() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.timer = nil
	if len(a.pending) == 0 {
		return
	}
	if a.flushing {
		a.timerExpired = true
		return
	}
	a.startFlushLocked(len(a.pending))
}

// startFlushLocked drains up to n items and hands them to the flush
// function on a fresh goroutine. Caller holds the mutex.
func (a *Accumulator) startFlushLocked(n int) {
	if n > len(a.pending) {
		n = len(a.pending)
	}
	batch := make([]model.WorkItem, n)
	copy(batch, a.pending)
	a.pending = a.pending[n:]
	a.flushing = true
	a.timerExpired = false

	if a.timer != nil && len(a.pending) == 0 {
		a.timer.Stop()
		a.timer = nil
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.flush(batch)
		a.onFlushDone()
	}()
}

func (a *Accumulator) onFlushDone() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.flushing = false

	switch {
	case len(a.pending) >= a.maxBatch:
		// Backlog built up while flushing; drain another full batch now.
		a.startFlushLocked(a.maxBatch)
	case a.timerExpired && len(a.pending) > 0:
		a.startFlushLocked(len(a.pending))
	case len(a.pending) > 0 && a.timer == nil:
		a.armTimerLocked()
	}
}
