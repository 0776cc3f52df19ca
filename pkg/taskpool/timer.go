package taskpool

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"taskpool/internal/runtime/supervisor"
	logx "taskpool/pkg/logx"
)

// Timer promotes delayed tasks into their pool's ready queue once due.
//
// One Timer may serve any number of pools. Its loop goroutine starts with
// the first pending entry and exits when the heap empties; the next delayed
// task starts it again.
type Timer struct {
	mu      sync.Mutex
	h       timerHeap
	running bool
	wake    chan struct{}

	sup *supervisor.Supervisor
	log logx.Logger

	loops atomic.Uint64
	fired atomic.Uint64
}

// TimerSnapshot is a point-in-time view of a Timer.
type TimerSnapshot struct {
	Pending int    `json:"pending"`
	Running bool   `json:"running"`
	Loops   uint64 `json:"loops"`
	Fired   uint64 `json:"fired"`
}

type timerEntry struct {
	task  *Task
	due   time.Time
	seq   uint64
	index int
}

// NewTimer returns an isolated timer. Most callers share DefaultTimer.
func NewTimer(log logx.Logger) *Timer {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "taskpool.timer"))
	return &Timer{
		wake: make(chan struct{}, 1),
		sup:  supervisor.New(context.Background(), supervisor.WithLogger(log)),
		log:  log,
	}
}

var defaultTimer = sync.OnceValue(func() *Timer { return NewTimer(logx.Nop()) })

// DefaultTimer returns the process-wide timer, creating it on first use.
func DefaultTimer() *Timer { return defaultTimer() }

func (tm *Timer) add(e *timerEntry) {
	tm.mu.Lock()
	heap.Push(&tm.h, e)
	head := tm.h[0] == e
	start := !tm.running
	tm.running = true
	tm.mu.Unlock()

	if start {
		tm.loops.Add(1)
		tm.sup.Go0("taskpool.timer", tm.loop)
		return
	}
	if head {
		tm.signal()
	}
}

// remove reports whether e was still pending. Removing the head wakes the
// loop so it re-arms for the new head or exits once the heap is empty.
func (tm *Timer) remove(e *timerEntry) bool {
	tm.mu.Lock()
	if e.index < 0 || e.index >= len(tm.h) || tm.h[e.index] != e {
		tm.mu.Unlock()
		return false
	}
	head := e.index == 0
	heap.Remove(&tm.h, e.index)
	tm.mu.Unlock()
	if head {
		tm.signal()
	}
	return true
}

func (tm *Timer) signal() {
	select {
	case tm.wake <- struct{}{}:
	default:
	}
}

func (tm *Timer) loop(ctx context.Context) {
	var sleep *time.Timer
	defer func() {
		if sleep != nil {
			sleep.Stop()
		}
	}()

	for {
		tm.mu.Lock()
		if len(tm.h) == 0 {
			tm.running = false
			tm.mu.Unlock()
			return
		}
		e := tm.h[0]
		wait := time.Until(e.due)
		if wait <= 0 {
			heap.Pop(&tm.h)
			tm.mu.Unlock()
			tm.fired.Add(1)
			// The pool re-validates the entry under its own lock, so a
			// concurrent cancel or reschedule wins.
			e.task.pool.promote(e)
			continue
		}
		tm.mu.Unlock()

		if sleep == nil {
			sleep = time.NewTimer(wait)
		} else {
			sleep.Reset(wait)
		}
		select {
		case <-tm.wake:
		case <-sleep.C:
		case <-ctx.Done():
			tm.mu.Lock()
			tm.running = false
			tm.mu.Unlock()
			return
		}
	}
}

func (tm *Timer) Snapshot() TimerSnapshot {
	tm.mu.Lock()
	s := TimerSnapshot{Pending: len(tm.h), Running: tm.running}
	tm.mu.Unlock()
	s.Loops = tm.loops.Load()
	s.Fired = tm.fired.Load()
	return s
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
