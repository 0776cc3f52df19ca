package taskpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Future is the result of a submitted or scheduled task.
type Future[T any] struct {
	task     *Task
	periodic bool

	mu   sync.Mutex
	set  bool
	val  T
	err  error
	once sync.Once
	// final is closed when a periodic future stops for good.
	final chan struct{}
}

func (f *Future[T]) Task() *Task { return f.task }

// Cancel cancels the underlying task.
func (f *Future[T]) Cancel() bool { return f.task.Cancel() }

// Delay returns the time left before the next run.
func (f *Future[T]) Delay() time.Duration { return f.task.Delay() }

// IsDone reports whether Get would return without blocking.
func (f *Future[T]) IsDone() bool {
	if f.periodic {
		select {
		case <-f.final:
			return true
		default:
			return false
		}
	}
	st := f.task.State()
	return st == StateFinished || st == StateCancelled
}

// Get waits for the result. One-shot futures follow Task.WaitFinished, so a
// worker of the same pool runs the task inline. Periodic futures only
// return once cancelled or stopped by an unrecoverable failure.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if f.periodic {
		select {
		case <-f.final:
			f.mu.Lock()
			defer f.mu.Unlock()
			return zero, f.err
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	if err := f.task.WaitFinished(ctx); err != nil {
		return zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return zero, f.task.Err()
	}
	return f.val, f.err
}

func (f *Future[T]) store(v T, err error) {
	f.mu.Lock()
	f.val, f.err, f.set = v, err, true
	f.mu.Unlock()
}

func (f *Future[T]) stop(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.final)
	})
}

// call runs fn, turning a panic into a *PanicError.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}

func unit(fn Func) func(context.Context) (struct{}, error) {
	return func(ctx context.Context) (struct{}, error) { return struct{}{}, fn(ctx) }
}

// SubmitValue runs fn as soon as a worker is free.
func SubmitValue[T any](p *Pool, fn func(context.Context) (T, error)) (*Future[T], error) {
	return ScheduleValue(p, fn, 0)
}

// ScheduleValue runs fn once after delay.
func ScheduleValue[T any](p *Pool, fn func(context.Context) (T, error), delay time.Duration) (*Future[T], error) {
	if fn == nil {
		return nil, ErrNilAction
	}
	if p.IsShutdown() {
		p.noteRejected("", ErrRejected)
		return nil, ErrRejected
	}
	f := &Future[T]{}
	f.task = p.Create(func(ctx context.Context) error {
		v, err := call(ctx, fn)
		f.store(v, err)
		return err
	})
	if err := f.task.Schedule(delay); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *Pool) Submit(fn Func) (*Future[struct{}], error) {
	if fn == nil {
		return nil, ErrNilAction
	}
	return SubmitValue(p, unit(fn))
}

func (p *Pool) Schedule(fn Func, delay time.Duration) (*Future[struct{}], error) {
	if fn == nil {
		return nil, ErrNilAction
	}
	return ScheduleValue(p, unit(fn), delay)
}

// ScheduleAtFixedRate runs fn after initialDelay and then every period,
// measured between start times. Runs that overrun make the next ones start
// immediately until the cadence catches up.
func (p *Pool) ScheduleAtFixedRate(fn Func, initialDelay, period time.Duration) (*Future[struct{}], error) {
	if period <= 0 {
		return nil, fmt.Errorf("taskpool: period must be > 0, got %s", period)
	}
	next := time.Now().Add(max(initialDelay, 0))
	return p.schedulePeriodic(fn, initialDelay, func() time.Duration {
		next = next.Add(period)
		return time.Until(next)
	})
}

// ScheduleWithFixedDelay runs fn after initialDelay and then delay after
// each run completes.
func (p *Pool) ScheduleWithFixedDelay(fn Func, initialDelay, delay time.Duration) (*Future[struct{}], error) {
	if delay <= 0 {
		return nil, fmt.Errorf("taskpool: delay must be > 0, got %s", delay)
	}
	return p.schedulePeriodic(fn, initialDelay, func() time.Duration { return delay })
}

// schedulePeriodic re-arms the same task after every run using nextDelay.
// It stops on cancel, on shutdown, or when fn fails with a Permanent error
// or panics; other errors are logged and the cadence continues.
func (p *Pool) schedulePeriodic(fn Func, initialDelay time.Duration, nextDelay func() time.Duration) (*Future[struct{}], error) {
	if fn == nil {
		return nil, ErrNilAction
	}
	if p.IsShutdown() {
		p.noteRejected("", ErrRejected)
		return nil, ErrRejected
	}
	f := &Future[struct{}]{periodic: true, final: make(chan struct{})}
	var t *Task
	t = p.Create(func(ctx context.Context) error {
		_, err := call(ctx, unit(fn))
		if IsPermanent(err) {
			f.stop(err)
			return err
		}
		if rerr := t.rescheduleFromRun(max(nextDelay(), 0)); rerr != nil {
			f.stop(rerr)
		}
		return err
	})
	t.setPeriodic(f.stop)
	f.task = t
	if err := t.Schedule(initialDelay); err != nil {
		return nil, err
	}
	return f, nil
}

// InvokeAllValues submits every fn and waits for all of them. From a
// worker of p, tasks that have not started run inline. If ctx ends first
// the remaining tasks are cancelled.
func InvokeAllValues[T any](ctx context.Context, p *Pool, fns []func(context.Context) (T, error)) ([]*Future[T], error) {
	futures := make([]*Future[T], 0, len(fns))
	for _, fn := range fns {
		f, err := SubmitValue(p, fn)
		if err != nil {
			cancelAll(futures)
			return nil, err
		}
		futures = append(futures, f)
	}
	for i, f := range futures {
		err := f.task.WaitFinished(ctx)
		if err != nil && !errors.Is(err, ErrCancelled) {
			cancelAll(futures[i:])
			return futures, err
		}
	}
	return futures, nil
}

// InvokeAnyValue submits every fn and returns the first successful result,
// cancelling the rest. If all fail the errors are joined.
func InvokeAnyValue[T any](ctx context.Context, p *Pool, fns []func(context.Context) (T, error)) (T, error) {
	var zero T
	if len(fns) == 0 {
		return zero, errors.New("taskpool: no actions to invoke")
	}
	type result struct {
		v   T
		err error
	}
	results := make(chan result, len(fns))
	futures := make([]*Future[T], 0, len(fns))
	defer func() { cancelAll(futures) }()

	for _, fn := range fns {
		fn := fn
		f, err := SubmitValue(p, func(rctx context.Context) (T, error) {
			v, err := call(rctx, fn)
			results <- result{v: v, err: err}
			return v, err
		})
		if err != nil {
			return zero, err
		}
		futures = append(futures, f)
	}

	var errs []error
	if p.onWorkerStack(ctx) {
		// Blocking on results could starve the pool; drive the tasks inline.
		for _, f := range futures {
			v, err := f.Get(ctx)
			if err == nil {
				return v, nil
			}
			errs = append(errs, err)
		}
		return zero, errors.Join(errs...)
	}
	for range futures {
		select {
		case r := <-results:
			if r.err == nil {
				return r.v, nil
			}
			errs = append(errs, r.err)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, errors.Join(errs...)
}

func cancelAll[T any](futures []*Future[T]) {
	for _, f := range futures {
		f.Cancel()
	}
}

func (p *Pool) InvokeAll(ctx context.Context, fns []Func) ([]*Future[struct{}], error) {
	wrapped := make([]func(context.Context) (struct{}, error), len(fns))
	for i, fn := range fns {
		if fn == nil {
			return nil, ErrNilAction
		}
		wrapped[i] = unit(fn)
	}
	return InvokeAllValues(ctx, p, wrapped)
}

func (p *Pool) InvokeAny(ctx context.Context, fns []Func) error {
	wrapped := make([]func(context.Context) (struct{}, error), len(fns))
	for i, fn := range fns {
		if fn == nil {
			return ErrNilAction
		}
		wrapped[i] = unit(fn)
	}
	_, err := InvokeAnyValue(ctx, p, wrapped)
	return err
}
