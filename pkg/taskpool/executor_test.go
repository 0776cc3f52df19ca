package taskpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitValueGet(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{Throughput: 2})

	f, err := SubmitValue(p, func(context.Context) (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("SubmitValue: %v", err)
	}
	v, err := f.Get(testCtx(t))
	if err != nil || v != 42 {
		t.Fatalf("Get = %d, %v", v, err)
	}
	if !f.IsDone() {
		t.Fatal("IsDone = false after Get")
	}

	boom := errors.New("boom")
	g, _ := SubmitValue(p, func(context.Context) (string, error) { return "", boom })
	if _, err := g.Get(testCtx(t)); !errors.Is(err, boom) {
		t.Fatalf("Get = %v, want boom", err)
	}
}

func TestNestedGetInsideWorker(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{Throughput: 1})

	outer, err := SubmitValue(p, func(ctx context.Context) (int, error) {
		inner, err := SubmitValue(p, func(context.Context) (int, error) { return 20, nil })
		if err != nil {
			return 0, err
		}
		v, err := inner.Get(ctx)
		return v + 1, err
	})
	if err != nil {
		t.Fatalf("SubmitValue: %v", err)
	}
	v, err := outer.Get(testCtx(t))
	if err != nil || v != 21 {
		t.Fatalf("Get = %d, %v", v, err)
	}
}

func TestScheduleWithFixedDelayUntilCancelled(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})

	var runs atomic.Int32
	f, err := p.ScheduleWithFixedDelay(func(context.Context) error {
		runs.Add(1)
		return nil
	}, 0, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("ScheduleWithFixedDelay: %v", err)
	}
	eventually(t, "three runs", func() bool { return runs.Load() >= 3 })
	if f.IsDone() {
		t.Fatal("periodic future done before cancel")
	}
	f.Cancel()
	if _, err := f.Get(testCtx(t)); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Get = %v, want ErrCancelled", err)
	}
	// Let an in-flight run finish, then make sure nothing re-arms.
	_ = f.Task().WaitFinished(testCtx(t))
	settled := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != settled {
		t.Fatalf("runs grew after cancel: %d -> %d", settled, got)
	}
}

func TestScheduleAtFixedRateStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})

	var runs atomic.Int32
	f, err := p.ScheduleAtFixedRate(func(context.Context) error {
		if runs.Add(1) == 3 {
			return Permanent(errors.New("give up"))
		}
		return errors.New("transient")
	}, 0, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("ScheduleAtFixedRate: %v", err)
	}
	_, err = f.Get(testCtx(t))
	if !IsPermanent(err) {
		t.Fatalf("Get = %v, want permanent error", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if !f.IsDone() {
		t.Fatal("IsDone = false")
	}
}

func TestPeriodicStopsOnPanic(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	f, _ := p.ScheduleWithFixedDelay(func(context.Context) error { panic("tick") }, 0, time.Millisecond)
	_, err := f.Get(testCtx(t))
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Get = %v, want *PanicError", err)
	}
	_ = f.Task().WaitFinished(testCtx(t))
	if runs := f.Task().Runs(); runs != 1 {
		t.Fatalf("runs = %d", runs)
	}
}

func TestPeriodicRejectsBadPeriod(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	noop := func(context.Context) error { return nil }
	if _, err := p.ScheduleAtFixedRate(noop, 0, 0); err == nil {
		t.Fatal("zero period accepted")
	}
	if _, err := p.ScheduleWithFixedDelay(noop, 0, -time.Second); err == nil {
		t.Fatal("negative delay accepted")
	}
}

func TestPeriodicStopsOnShutdown(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	var runs atomic.Int32
	f, _ := p.ScheduleWithFixedDelay(func(context.Context) error {
		runs.Add(1)
		return nil
	}, 0, 5*time.Millisecond)
	eventually(t, "first run", func() bool { return runs.Load() >= 1 })

	p.Shutdown()
	if err := p.AwaitTermination(testCtx(t)); err != nil {
		t.Fatalf("AwaitTermination: %v", err)
	}
	if _, err := f.Get(testCtx(t)); !errors.Is(err, ErrRejected) {
		t.Fatalf("Get = %v, want ErrRejected", err)
	}
}

func TestScheduleRunsOnceAfterDelay(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	start := time.Now()
	f, err := p.Schedule(func(context.Context) error { return nil }, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if f.Delay() <= 0 {
		t.Fatal("Delay <= 0 right after scheduling")
	}
	if _, err := f.Get(testCtx(t)); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if took := time.Since(start); took < 30*time.Millisecond {
		t.Fatalf("ran after %s", took)
	}
}

func TestInvokeAllFromWorkerRunsInline(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{Throughput: 1})

	var sum atomic.Int32
	add := func(n int32) Func {
		return func(context.Context) error { sum.Add(n); return nil }
	}
	outer, err := p.Submit(func(ctx context.Context) error {
		futures, err := p.InvokeAll(ctx, []Func{add(1), add(2), add(3)})
		if err != nil {
			return err
		}
		for _, f := range futures {
			if !f.IsDone() {
				return errors.New("future not done")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := outer.Get(testCtx(t)); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := sum.Load(); got != 6 {
		t.Fatalf("sum = %d", got)
	}
}

func TestInvokeAllCollectsErrors(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{Throughput: 3})
	boom := errors.New("boom")
	futures, err := p.InvokeAll(testCtx(t), []Func{
		func(context.Context) error { return nil },
		func(context.Context) error { return boom },
	})
	if err != nil {
		t.Fatalf("InvokeAll: %v", err)
	}
	if _, err := futures[0].Get(testCtx(t)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := futures[1].Get(testCtx(t)); !errors.Is(err, boom) {
		t.Fatalf("second: %v", err)
	}
}

func TestInvokeAnyReturnsFirstSuccess(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{Throughput: 3})

	v, err := InvokeAnyValue(testCtx(t), p, []func(context.Context) (string, error){
		func(context.Context) (string, error) { return "", errors.New("no") },
		func(context.Context) (string, error) { return "yes", nil },
		func(ctx context.Context) (string, error) {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			return "slow", nil
		},
	})
	if err != nil || v != "yes" {
		t.Fatalf("InvokeAnyValue = %q, %v", v, err)
	}
}

func TestInvokeAnyAllFail(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{Throughput: 2})
	e1, e2 := errors.New("first"), errors.New("second")
	err := p.InvokeAny(testCtx(t), []Func{
		func(context.Context) error { return e1 },
		func(context.Context) error { return e2 },
	})
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("InvokeAny = %v, want both errors", err)
	}
	if err := p.InvokeAny(testCtx(t), nil); err == nil {
		t.Fatal("InvokeAny with no actions succeeded")
	}
}

func TestInvokeAnyFromWorker(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{Throughput: 1})
	outer, _ := SubmitValue(p, func(ctx context.Context) (int, error) {
		return InvokeAnyValue(ctx, p, []func(context.Context) (int, error){
			func(context.Context) (int, error) { return 0, errors.New("no") },
			func(context.Context) (int, error) { return 7, nil },
		})
	})
	v, err := outer.Get(testCtx(t))
	if err != nil || v != 7 {
		t.Fatalf("Get = %d, %v", v, err)
	}
}

func TestSubmitAfterShutdownIsRejected(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	p.Shutdown()
	noop := func(context.Context) error { return nil }
	if _, err := p.Submit(noop); !errors.Is(err, ErrRejected) {
		t.Fatalf("Submit = %v", err)
	}
	if _, err := p.ScheduleAtFixedRate(noop, 0, time.Second); !errors.Is(err, ErrRejected) {
		t.Fatalf("ScheduleAtFixedRate = %v", err)
	}
	if _, err := p.InvokeAll(testCtx(t), []Func{noop}); !errors.Is(err, ErrRejected) {
		t.Fatalf("InvokeAll = %v", err)
	}
}

func TestFutureCancelBeforeRun(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	f, _ := p.Schedule(func(context.Context) error { return nil }, time.Hour)
	if !f.Cancel() {
		t.Fatal("Cancel = false")
	}
	if _, err := f.Get(testCtx(t)); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Get = %v", err)
	}
	if !f.IsDone() {
		t.Fatal("IsDone = false after cancel")
	}
}

func TestShutdownCancelsPendingPeriodicTasks(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	var runs atomic.Int32
	periodic, err := p.ScheduleWithFixedDelay(func(context.Context) error {
		runs.Add(1)
		return nil
	}, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("ScheduleWithFixedDelay: %v", err)
	}
	once, err := p.Schedule(func(context.Context) error { return nil }, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	p.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.AwaitTermination(ctx); err != nil {
		t.Fatalf("AwaitTermination: %v (%+v)", err, p.Snapshot())
	}
	if _, err := periodic.Get(testCtx(t)); !errors.Is(err, ErrRejected) {
		t.Fatalf("periodic Get = %v, want ErrRejected", err)
	}
	if st := periodic.Task().State(); st != StateCancelled {
		t.Fatalf("periodic state = %s", st)
	}
	if _, err := once.Get(testCtx(t)); err != nil {
		t.Fatalf("delayed one-shot Get = %v", err)
	}
	if n := runs.Load(); n != 0 {
		t.Fatalf("periodic ran %d times after shutdown", n)
	}
}
