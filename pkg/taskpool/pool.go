package taskpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskpool/pkg/eventbus"
	logx "taskpool/pkg/logx"
)

// Config configures a Pool.
//
// Defaults (when fields are zero):
//   - Name: "pool"
//   - Throughput: 1
//   - IdleTimeout: the worker cache's IdleTimeout
//   - FailureLogRate: 10 lines/s (burst 10)
//   - Timer: DefaultTimer()
//   - Cache: DefaultWorkerCache()
type Config struct {
	Name       string
	Throughput int

	// InterruptOnCancel makes Task.Cancel cancel the context of a running action.
	InterruptOnCancel bool

	IdleTimeout time.Duration

	// ScheduleStacks records the caller stack on every Schedule so failure
	// logs can show where a task came from.
	ScheduleStacks bool

	FailureLogRate float64

	Timer *Timer
	Cache *WorkerCache
}

// Pool runs tasks on at most Throughput workers at a time.
type Pool struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	timer *Timer
	cache *WorkerCache

	failLog    *rate.Limiter
	suppressed atomic.Uint64

	mu         sync.Mutex
	ready      readyQueue
	attached   map[*worker]struct{}
	idle       []*worker
	delayed    map[*Task]struct{}
	running    map[*Task]struct{}
	stopped    bool
	draining   bool
	terminated chan struct{}
	termClosed bool
	taskSeq    uint64

	executed  uint64
	failed    uint64
	cancelled uint64
	rejected  uint64
}

// Snapshot is a point-in-time view of a Pool.
type Snapshot struct {
	Name       string `json:"name"`
	Throughput int    `json:"throughput"`
	Attached   int    `json:"attached"`
	Idle       int    `json:"idle"`
	Running    int    `json:"running"`
	Queued     int    `json:"queued"`
	Delayed    int    `json:"delayed"`
	Stopped    bool   `json:"stopped"`
	Terminated bool   `json:"terminated"`

	Executed       uint64 `json:"executed"`
	Failed         uint64 `json:"failed"`
	Cancelled      uint64 `json:"cancelled"`
	Rejected       uint64 `json:"rejected"`
	SuppressedLogs uint64 `json:"suppressed_logs"`
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	if cfg.Throughput <= 0 {
		cfg.Throughput = 1
	}
	if cfg.Timer == nil {
		cfg.Timer = DefaultTimer()
	}
	if cfg.Cache == nil {
		cfg.Cache = DefaultWorkerCache()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = cfg.Cache.cfg.IdleTimeout
	}
	if cfg.FailureLogRate <= 0 {
		cfg.FailureLogRate = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	burst := max(1, int(cfg.FailureLogRate))
	return &Pool{
		cfg:        cfg,
		log:        log.With(logx.String("pool", cfg.Name)),
		bus:        bus,
		timer:      cfg.Timer,
		cache:      cfg.Cache,
		failLog:    rate.NewLimiter(rate.Limit(cfg.FailureLogRate), burst),
		attached:   map[*worker]struct{}{},
		delayed:    map[*Task]struct{}{},
		running:    map[*Task]struct{}{},
		terminated: make(chan struct{}),
	}
}

func (p *Pool) Name() string { return p.cfg.Name }

func (p *Pool) Throughput() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Throughput
}

// SetThroughput changes the concurrency bound. Growing attaches workers for
// queued work right away; shrinking lets surplus workers leave after their
// current task.
func (p *Pool) SetThroughput(n int) {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	p.cfg.Throughput = n
	for i := 0; i < p.ready.Len() && len(p.attached) < n; i++ {
		if err := p.dispatchLocked(); err != nil {
			break
		}
	}
	p.mu.Unlock()
	p.log.Info("throughput changed", logx.Int("throughput", n))
}

// ---- Task creation ----

// Create returns an unscheduled task.
func (p *Pool) Create(fn Func) *Task { return p.CreateAction(Plain(fn), false) }

// CreateFinished returns a task that starts out finished, so waiting on it
// returns at once until it is scheduled.
func (p *Pool) CreateFinished(fn Func) *Task { return p.CreateAction(Plain(fn), true) }

// CreateCancellable returns an unscheduled task whose requestCancel hook is
// called when the task is cancelled while running.
func (p *Pool) CreateCancellable(fn Func, requestCancel func() bool) *Task {
	return p.CreateAction(Cancellable(fn, requestCancel), false)
}

func (p *Pool) CreateAction(a Action, initiallyFinished bool) *Task {
	p.mu.Lock()
	p.taskSeq++
	t := &Task{
		pool:       p,
		action:     a,
		name:       fmt.Sprintf("%s#%d", p.cfg.Name, p.taskSeq),
		priority:   MinPriority,
		readyIndex: -1,
		cyc:        newCycle(0),
	}
	if initiallyFinished {
		t.state = StateFinished
		t.cyc.finish(nil)
	}
	p.mu.Unlock()
	return t
}

// Post schedules fn to run as soon as a worker is free.
func (p *Pool) Post(fn Func) (*Task, error) {
	return p.PostWithPriority(fn, 0, MinPriority)
}

func (p *Pool) PostDelayed(fn Func, delay time.Duration) (*Task, error) {
	return p.PostWithPriority(fn, delay, MinPriority)
}

func (p *Pool) PostWithPriority(fn Func, delay time.Duration, priority int) (*Task, error) {
	if fn == nil {
		return nil, ErrNilAction
	}
	return p.PostAction(Plain(fn), delay, priority)
}

// PostAction creates and schedules a task. On error no task is returned.
func (p *Pool) PostAction(a Action, delay time.Duration, priority int) (*Task, error) {
	if p.IsShutdown() {
		p.noteRejected("", ErrRejected)
		return nil, ErrRejected
	}
	t := p.CreateAction(a, false)
	t.priority = clampPriority(priority)
	if err := t.Schedule(delay); err != nil {
		return nil, err
	}
	return t, nil
}

// ---- Placement (callers hold p.mu) ----

func (p *Pool) scheduleLocked(t *Task, delay time.Duration, stack string) error {
	if p.stopped {
		return ErrRejected
	}
	delay = max(delay, 0)
	t.cancelRequested = false
	t.interrupted = false
	if stack != "" {
		t.stack = stack
	}
	t.due = time.Now().Add(delay)

	if t.runner != nil {
		if t.cyc == t.runCycle {
			t.cyc = newCycle(t.cyc.gen + 1)
		}
		t.rearm = true
		t.state = StateScheduled
		return nil
	}

	p.unplaceLocked(t)
	if t.cyc.closed {
		t.cyc = newCycle(t.cyc.gen + 1)
	}
	t.state = StateScheduled
	return p.placeLocked(t)
}

func (p *Pool) placeLocked(t *Task) error {
	if time.Until(t.due) <= 0 {
		return p.readyLocked(t)
	}
	e := &timerEntry{task: t, due: t.due, seq: nextSeq(), index: -1}
	t.timer = e
	t.place = placeTimer
	p.delayed[t] = struct{}{}
	p.timer.add(e)
	return nil
}

func (p *Pool) readyLocked(t *Task) error {
	t.state = StateReady
	t.place = placeReady
	t.seq = nextSeq()
	p.ready.push(t)
	if err := p.dispatchLocked(); err != nil {
		p.ready.remove(t)
		t.place = placeNone
		t.state = StateCancelled
		t.cyc.finish(err)
		return err
	}
	return nil
}

func (p *Pool) unplaceLocked(t *Task) {
	switch t.place {
	case placeReady:
		p.ready.remove(t)
	case placeTimer:
		p.timer.remove(t.timer)
		t.timer = nil
		delete(p.delayed, t)
	case placeRunning:
		return
	}
	t.place = placeNone
}

func (p *Pool) cancelLocked(t *Task) {
	t.place = placeNone
	t.state = StateCancelled
	t.cancelRequested = true
	t.cyc.finish(ErrCancelled)
	p.cancelled++
}

// dispatchLocked makes sure a worker will pick up newly queued work. It
// fails only when the pool has no worker at all and none can be obtained.
func (p *Pool) dispatchLocked() error {
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		select {
		case w.wake <- struct{}{}:
		default:
		}
		return nil
	}
	if len(p.attached) >= p.cfg.Throughput {
		return nil
	}
	w, err := p.cache.acquire(p)
	if err != nil {
		if len(p.attached) == 0 {
			return err
		}
		return nil
	}
	p.attached[w] = struct{}{}
	p.log.Debug("worker attached", logx.Uint64("worker", w.id), logx.Int("attached", len(p.attached)))
	return nil
}

// promote moves a due timer entry into the ready queue unless the task was
// cancelled or rescheduled since the entry was created.
func (p *Pool) promote(e *timerEntry) {
	t := e.task
	p.mu.Lock()
	if t.timer != e || t.place != placeTimer {
		p.mu.Unlock()
		return
	}
	t.timer = nil
	t.place = placeNone
	delete(p.delayed, t)
	err := p.readyLocked(t)
	if err != nil {
		p.checkTerminatedLocked()
	}
	name := t.name
	p.mu.Unlock()
	if err != nil {
		p.log.Error("no worker for due task", logx.String("task", name), logx.Err(err))
	}
}

// ---- Worker side ----

// next blocks until w has a task to run, or detaches w from the pool and
// returns nil.
func (p *Pool) next(base context.Context, w *worker, idle *time.Timer) (*Task, claim) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if len(p.attached) > p.cfg.Throughput {
			p.detachLocked(w)
			return nil, claim{}
		}
		if t := p.ready.pop(); t != nil {
			return t, p.claimLocked(base, t, w)
		}
		if p.stopped {
			p.detachLocked(w)
			return nil, claim{}
		}

		p.idle = append(p.idle, w)
		p.mu.Unlock()
		idle.Reset(p.cfg.IdleTimeout)
		timedOut := false
		select {
		case <-w.wake:
		case <-idle.C:
			timedOut = true
		}
		idle.Stop()
		p.mu.Lock()

		var still bool
		p.idle, still = removeWorker(p.idle, w)
		if !still {
			// Handed work by dispatchLocked; drop a wake that raced the timer.
			select {
			case <-w.wake:
			default:
			}
			continue
		}
		if timedOut && p.ready.Len() == 0 {
			p.detachLocked(w)
			return nil, claim{}
		}
	}
}

// claim is what a worker needs to run a task without the pool lock.
type claim struct {
	ctx   context.Context
	frame *frame
	cyc   *cycle
	name  string
	stack string
}

func (p *Pool) claimLocked(parent context.Context, t *Task, w *worker) claim {
	f := &frame{pool: p, w: w, task: t, cyc: t.cyc}
	rctx, cancel := context.WithCancel(context.WithValue(parent, frameKey{}, f))
	t.place = placeRunning
	t.state = StateRunning
	t.runner = w
	t.runCycle = t.cyc
	t.hook = t.action.cancel
	t.interrupt = cancel
	t.interrupted = false
	p.running[t] = struct{}{}
	w.pushLocked(f)
	return claim{ctx: rctx, frame: f, cyc: t.cyc, name: t.name, stack: t.stack}
}

func (p *Pool) detachLocked(w *worker) {
	delete(p.attached, w)
	p.idle, _ = removeWorker(p.idle, w)
	p.log.Debug("worker detached", logx.Uint64("worker", w.id), logx.Int("attached", len(p.attached)))
	p.checkTerminatedLocked()
}

// execute runs a claimed task and records its completion.
func (p *Pool) execute(w *worker, t *Task, cl claim) {
	started := time.Now()
	gen := cl.cyc.gen
	p.publish(EventTaskStarted, cl.name, gen, started, 0, nil)
	err := invoke(cl.ctx, t.action)

	p.mu.Lock()
	w.popLocked(cl.frame)
	rerr := p.completeLocked(t, cl.cyc, err)
	p.mu.Unlock()

	took := time.Since(started)
	if err != nil {
		p.logFailure(cl.name, gen, err, cl.stack)
		p.publish(EventTaskFailed, cl.name, gen, started, took, err)
	} else {
		p.publish(EventTaskFinished, cl.name, gen, started, took, nil)
	}
	if rerr != nil {
		p.log.Error("task could not be rescheduled", logx.String("task", cl.name), logx.Err(rerr))
	}
}

func (p *Pool) completeLocked(t *Task, c *cycle, err error) error {
	if t.interrupt != nil {
		t.interrupt()
	}
	t.interrupt = nil
	t.runner = nil
	t.runCycle = nil
	t.hook = nil
	delete(p.running, t)
	t.lastErr = err
	t.runs++
	p.executed++
	if err != nil {
		p.failed++
	}
	c.finish(nil)

	var rerr error
	switch {
	case t.cyc == c:
		t.state = StateFinished
		t.place = placeNone
	case t.rearm:
		t.rearm = false
		t.place = placeNone
		rerr = p.placeLocked(t)
	}
	p.checkTerminatedLocked()
	return rerr
}

// abandon releases everything w held after its goroutine exited mid-task.
func (p *Pool) abandon(w *worker) {
	p.mu.Lock()
	var names []string
	for i := len(w.frames) - 1; i >= 0; i-- {
		f := w.frames[i]
		f.top = false
		names = append(names, f.task.name)
		_ = p.completeLocked(f.task, f.cyc, errWorkerExited)
	}
	w.frames = nil
	if _, ok := p.attached[w]; ok {
		p.detachLocked(w)
	}
	// Replace the lost worker if work is waiting.
	if p.ready.Len() > 0 {
		_ = p.dispatchLocked()
	}
	p.mu.Unlock()
	p.log.Error("worker exited while running task", logx.Uint64("worker", w.id), logx.Any("tasks", names))
}

func invoke(ctx context.Context, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return a.Run(ctx)
}

func (p *Pool) logFailure(name string, gen uint64, err error, stack string) {
	if !p.failLog.Allow() {
		p.suppressed.Add(1)
		return
	}
	fields := []logx.Field{logx.String("task", name), logx.Uint64("gen", gen), logx.Err(err)}
	if n := p.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	if stack != "" {
		fields = append(fields, logx.String("scheduled_at", stack))
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		p.log.Error("task panicked", append(fields, logx.Stack(pe.Stack))...)
		return
	}
	p.log.Warn("task failed", fields...)
}

func (p *Pool) noteRejected(name string, err error) {
	p.mu.Lock()
	p.rejected++
	p.mu.Unlock()
	p.log.Debug("task rejected", logx.String("task", name), logx.Err(err))
	p.publish(EventTaskRejected, name, 0, time.Time{}, 0, err)
}

// ---- Shutdown ----

// Shutdown stops accepting tasks. Queued and delayed one-shot tasks still
// run. Pending runs of periodic tasks are cancelled and their futures stop
// with ErrRejected; a periodic task that is running finishes its run and is
// not re-armed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.draining = true

	var periodic []*Task
	for _, t := range p.ready.h {
		if t.periodic {
			periodic = append(periodic, t)
		}
	}
	for t := range p.delayed {
		if t.periodic {
			periodic = append(periodic, t)
		}
	}
	for _, t := range periodic {
		p.unplaceLocked(t)
		p.cancelLocked(t)
	}
	for t := range p.running {
		if t.periodic && t.rearm {
			t.rearm = false
			p.cancelLocked(t)
			periodic = append(periodic, t)
		}
	}
	type ev struct {
		name   string
		gen    uint64
		onStop func(error)
	}
	evs := make([]ev, 0, len(periodic))
	for _, t := range periodic {
		evs = append(evs, ev{t.name, t.cyc.gen, t.onStop})
	}

	p.wakeIdleLocked()
	p.checkTerminatedLocked()
	p.mu.Unlock()

	for _, e := range evs {
		if e.onStop != nil {
			e.onStop(ErrRejected)
		}
		p.publishCancelled(e.name, e.gen)
	}
	p.log.Info("pool shutting down", logx.Int("periodic_cancelled", len(evs)))
}

// ShutdownNow stops accepting tasks, cancels queued and delayed ones,
// interrupts running ones and returns the actions that never ran.
func (p *Pool) ShutdownNow() []Action {
	p.mu.Lock()
	p.stopped = true
	p.draining = false

	pending := p.ready.drain()
	delayed := make([]*Task, 0, len(p.delayed))
	for t := range p.delayed {
		delayed = append(delayed, t)
	}
	sort.Slice(delayed, func(i, j int) bool {
		a, b := delayed[i].timer, delayed[j].timer
		if !a.due.Equal(b.due) {
			return a.due.Before(b.due)
		}
		return a.seq < b.seq
	})
	for _, t := range delayed {
		p.timer.remove(t.timer)
		t.timer = nil
	}
	clear(p.delayed)
	pending = append(pending, delayed...)

	unrun := make([]Action, 0, len(pending))
	var callbacks []func(error)
	var cancelled []*Task
	for _, t := range pending {
		p.cancelLocked(t)
		unrun = append(unrun, t.action)
		cancelled = append(cancelled, t)
		if t.onStop != nil {
			callbacks = append(callbacks, t.onStop)
		}
	}

	var hooks []func() bool
	for t := range p.running {
		t.cancelRequested = true
		if t.rearm {
			t.rearm = false
			p.cancelLocked(t)
		}
		if t.interrupt != nil && !t.interrupted {
			t.interrupt()
			t.interrupted = true
		}
		if t.hook != nil {
			hooks = append(hooks, t.hook)
		}
		if t.onStop != nil {
			callbacks = append(callbacks, t.onStop)
		}
	}
	p.wakeIdleLocked()
	p.checkTerminatedLocked()
	type ev struct {
		name string
		gen  uint64
	}
	evs := make([]ev, 0, len(cancelled))
	for _, t := range cancelled {
		evs = append(evs, ev{t.name, t.cyc.gen})
	}
	p.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	for _, cb := range callbacks {
		cb(ErrCancelled)
	}
	for _, e := range evs {
		p.publishCancelled(e.name, e.gen)
	}
	p.log.Info("pool shut down now", logx.Int("unrun", len(unrun)), logx.Int("interrupted", len(hooks)))
	return unrun
}

func (p *Pool) wakeIdleLocked() {
	for _, w := range p.idle {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

func (p *Pool) checkTerminatedLocked() {
	if !p.stopped || p.termClosed {
		return
	}
	if len(p.attached) > 0 || len(p.running) > 0 || p.ready.Len() > 0 || len(p.delayed) > 0 {
		return
	}
	p.termClosed = true
	close(p.terminated)
}

func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// IsTerminated reports whether the pool is shut down and every worker left.
func (p *Pool) IsTerminated() bool {
	select {
	case <-p.terminated:
		return true
	default:
		return false
	}
}

// AwaitTermination blocks until the pool terminated or ctx is done.
func (p *Pool) AwaitTermination(ctx context.Context) error {
	select {
	case <-p.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	s := Snapshot{
		Name:       p.cfg.Name,
		Throughput: p.cfg.Throughput,
		Attached:   len(p.attached),
		Idle:       len(p.idle),
		Running:    len(p.running),
		Queued:     p.ready.Len(),
		Delayed:    len(p.delayed),
		Stopped:    p.stopped,
		Terminated: p.termClosed,
		Executed:   p.executed,
		Failed:     p.failed,
		Cancelled:  p.cancelled,
		Rejected:   p.rejected,
	}
	p.mu.Unlock()
	s.SuppressedLogs = p.suppressed.Load()
	return s
}
