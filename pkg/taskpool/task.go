package taskpool

import (
	"context"
	"time"

	logx "taskpool/pkg/logx"
)

// Priority bounds. New tasks start at MinPriority.
const (
	MinPriority  = 1
	NormPriority = 5
	MaxPriority  = 10
)

// State is the lifecycle state of a Task's current scheduling cycle.
type State int32

const (
	StateCreated State = iota
	StateScheduled
	StateReady
	StateRunning
	StateFinished
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateScheduled:
		return "scheduled"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// placement records which structure currently holds a task.
type placement uint8

const (
	placeNone placement = iota
	placeTimer
	placeReady
	placeRunning
)

// cycle is one scheduling generation. Waiters capture the cycle current at
// the time they start waiting and are released when that cycle closes.
type cycle struct {
	gen    uint64
	done   chan struct{}
	err    error
	closed bool
}

func newCycle(gen uint64) *cycle {
	return &cycle{gen: gen, done: make(chan struct{})}
}

// finish closes the cycle once. Callers hold the pool lock.
func (c *cycle) finish(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
}

// Task is a reusable handle to one unit of work on a Pool.
//
// Every mutable field is guarded by the owning pool's lock.
type Task struct {
	pool   *Pool
	action Action

	name       string
	state      State
	place      placement
	priority   int
	seq        uint64
	readyIndex int
	timer      *timerEntry
	due        time.Time
	cyc        *cycle

	// Set while a worker executes the task.
	runner      *worker
	runCycle    *cycle
	hook        func() bool
	interrupt   context.CancelFunc
	interrupted bool

	cancelRequested bool
	// rearm is set when the task was rescheduled while running; the worker
	// places it once the current run completes.
	rearm bool

	stack string
	// periodic tasks re-arm themselves; Shutdown cancels their pending runs
	// and reports why through onStop.
	periodic bool
	onStop   func(error)
	lastErr  error
	runs     uint64
}

func (t *Task) Name() string {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.name
}

func (t *Task) SetName(name string) {
	t.pool.mu.Lock()
	t.name = name
	t.pool.mu.Unlock()
}

func (t *Task) Pool() *Pool { return t.pool }

func (t *Task) State() State {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.state
}

// IsFinished reports whether the current cycle completed a run.
func (t *Task) IsFinished() bool { return t.State() == StateFinished }

// Generation is incremented each time the task is rescheduled after its
// previous cycle finished, was cancelled, or while it was running.
func (t *Task) Generation() uint64 {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.cyc.gen
}

// Err returns the error of the most recent completed run.
func (t *Task) Err() error {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.lastErr
}

// Runs returns how many times the task has been executed.
func (t *Task) Runs() uint64 {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.runs
}

func (t *Task) Priority() int {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.priority
}

// SetPriority clamps p to [MinPriority, MaxPriority]. A task waiting in the
// ready queue is repositioned but keeps its arrival order among peers of
// the new priority.
func (t *Task) SetPriority(p int) {
	p = clampPriority(p)
	t.pool.mu.Lock()
	t.priority = p
	if t.place == placeReady {
		t.pool.ready.fix(t)
	}
	t.pool.mu.Unlock()
}

func clampPriority(p int) int {
	return min(max(p, MinPriority), MaxPriority)
}

// Delay returns the time left until a pending delayed task is due, or zero.
func (t *Task) Delay() time.Duration {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	if t.place != placeTimer && !t.rearm {
		return 0
	}
	return max(time.Until(t.due), 0)
}

// Schedule makes the task eligible to run after delay. Any earlier pending
// placement is dropped first. Scheduling a finished, cancelled or running
// task starts a new generation on the same handle.
func (t *Task) Schedule(delay time.Duration) error {
	p := t.pool
	var stack string
	if p.cfg.ScheduleStacks {
		stack = logx.CallerStack(1, 16)
	}
	p.mu.Lock()
	err := p.scheduleLocked(t, delay, stack)
	name := t.name
	p.mu.Unlock()
	if err != nil {
		p.noteRejected(name, err)
	}
	return err
}

// Cancel prevents a pending task from running and reports true. For a
// running task it calls the action's cancel hook and, when the pool
// interrupts on cancel, cancels the run context; it reports whether either
// took effect. It never requeues a cancelled periodic task. Cancelling a
// created or finished task reports false.
func (t *Task) Cancel() bool {
	p := t.pool
	p.mu.Lock()
	switch {
	case t.runner != nil:
		wasCancelled := t.state == StateCancelled
		t.cancelRequested = true
		onStop := t.onStop
		if t.rearm {
			t.rearm = false
			p.cancelLocked(t)
			name, gen := t.name, t.cyc.gen
			p.mu.Unlock()
			p.publishCancelled(name, gen)
			if onStop != nil {
				onStop(ErrCancelled)
			}
			return true
		}
		delivered := t.interrupted || wasCancelled
		if p.cfg.InterruptOnCancel && t.interrupt != nil && !t.interrupted {
			t.interrupt()
			t.interrupted = true
			delivered = true
		}
		hook := t.hook
		p.mu.Unlock()
		if hook != nil && hook() {
			delivered = true
		}
		if onStop != nil {
			onStop(ErrCancelled)
		}
		return delivered

	case t.state == StateCancelled:
		p.mu.Unlock()
		return true

	case t.state == StateScheduled || t.state == StateReady:
		p.unplaceLocked(t)
		p.cancelLocked(t)
		p.checkTerminatedLocked()
		onStop := t.onStop
		name, gen := t.name, t.cyc.gen
		p.mu.Unlock()
		p.publishCancelled(name, gen)
		if onStop != nil {
			onStop(ErrCancelled)
		}
		return true

	default:
		p.mu.Unlock()
		return false
	}
}

// WaitFinished blocks until the cycle current at the time of the call
// completes. It returns ErrCancelled if that cycle was cancelled.
//
// When ctx is the run context of the task a pool worker is currently
// executing and the waited task is not running elsewhere, the task runs
// inline on that worker instead. A task waiting on its own running
// execution gets ErrWouldDeadlock. Other goroutines holding such a context
// wait normally.
func (t *Task) WaitFinished(ctx context.Context) error {
	p := t.pool
	p.mu.Lock()
	c := t.cyc
	if c.closed {
		p.mu.Unlock()
		return c.err
	}
	if f := topFrameLocked(ctx, p); f != nil {
		w := f.w
		switch t.runner {
		case w:
			p.mu.Unlock()
			return ErrWouldDeadlock
		case nil:
			p.unplaceLocked(t)
			cl := p.claimLocked(ctx, t, w)
			p.mu.Unlock()
			p.execute(w, t, cl)
			return c.err
		}
	}
	p.mu.Unlock()

	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitFinishedTimeout waits at most d and reports whether the cycle finished.
// It never cancels the task. Called from the innermost run of one of the
// pool's workers it fails fast with ErrWouldDeadlock unless the task is
// running on another worker.
func (t *Task) WaitFinishedTimeout(ctx context.Context, d time.Duration) (bool, error) {
	p := t.pool
	p.mu.Lock()
	c := t.cyc
	if c.closed {
		p.mu.Unlock()
		return c.err == nil, c.err
	}
	if f := topFrameLocked(ctx, p); f != nil && (t.runner == nil || t.runner == f.w) {
		p.mu.Unlock()
		return false, ErrWouldDeadlock
	}
	p.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.done:
		return c.err == nil, c.err
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// rescheduleFromRun re-arms a periodic task from inside its own run unless
// a cancel arrived meanwhile.
func (t *Task) rescheduleFromRun(delay time.Duration) error {
	p := t.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.cancelRequested {
		return ErrCancelled
	}
	return p.scheduleLocked(t, delay, "")
}

func (t *Task) setPeriodic(onStop func(error)) {
	t.pool.mu.Lock()
	t.periodic = true
	t.onStop = onStop
	t.pool.mu.Unlock()
}
