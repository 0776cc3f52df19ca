package taskpool

import (
	"context"
	"testing"
	"time"

	logx "taskpool/pkg/logx"
)

func TestTimerStartsLazilyAndStopsWhenEmpty(t *testing.T) {
	t.Parallel()
	tm := NewTimer(logx.Nop())
	p := newTestPool(t, Config{Timer: tm})

	if s := tm.Snapshot(); s.Running || s.Loops != 0 {
		t.Fatalf("fresh timer snapshot = %+v", s)
	}
	task, err := p.PostDelayed(func(context.Context) error { return nil }, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("PostDelayed: %v", err)
	}
	if err := task.WaitFinished(testCtx(t)); err != nil {
		t.Fatalf("WaitFinished: %v", err)
	}
	eventually(t, "timer loop exit", func() bool { return !tm.Snapshot().Running })

	if _, err := p.PostDelayed(func(context.Context) error { return nil }, time.Millisecond); err != nil {
		t.Fatalf("PostDelayed: %v", err)
	}
	eventually(t, "second loop", func() bool {
		s := tm.Snapshot()
		return s.Loops == 2 && s.Fired == 2
	})
}

func TestTimerWakesForEarlierEntry(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})

	late, err := p.PostDelayed(func(context.Context) error { return nil }, time.Hour)
	if err != nil {
		t.Fatalf("PostDelayed: %v", err)
	}
	start := time.Now()
	early, err := p.PostDelayed(func(context.Context) error { return nil }, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("PostDelayed: %v", err)
	}
	ok, err := early.WaitFinishedTimeout(testCtx(t), 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("early task did not run: ok=%v err=%v", ok, err)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("early task took %s", took)
	}
	if late.State() != StateScheduled {
		t.Fatalf("late state = %s", late.State())
	}
	if !late.Cancel() {
		t.Fatal("cancel of delayed task should succeed")
	}
}

func TestTimerSharedAcrossPools(t *testing.T) {
	t.Parallel()
	tm := NewTimer(logx.Nop())
	a := newTestPool(t, Config{Name: "a", Timer: tm})
	b := newTestPool(t, Config{Name: "b", Timer: tm})

	var rec recorder
	ta, _ := a.PostDelayed(rec.add("a"), 30*time.Millisecond)
	tb, _ := b.PostDelayed(rec.add("b"), 10*time.Millisecond)
	ctx := testCtx(t)
	if err := ta.WaitFinished(ctx); err != nil {
		t.Fatalf("wait a: %v", err)
	}
	if err := tb.WaitFinished(ctx); err != nil {
		t.Fatalf("wait b: %v", err)
	}
	if got := rec.list(); len(got) != 2 || got[0] != "b" {
		t.Fatalf("order = %v, want b first", got)
	}
	if got := tm.Snapshot().Fired; got != 2 {
		t.Fatalf("fired = %d, want 2", got)
	}
}

func TestCancelledTimerEntryIsNotPromoted(t *testing.T) {
	t.Parallel()
	p := newTestPool(t, Config{})
	ran := make(chan struct{}, 1)
	task, err := p.PostDelayed(func(context.Context) error { ran <- struct{}{}; return nil }, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("PostDelayed: %v", err)
	}
	if !task.Cancel() {
		t.Fatal("Cancel = false")
	}
	select {
	case <-ran:
		t.Fatal("cancelled task ran")
	case <-time.After(80 * time.Millisecond):
	}
	if got := p.Snapshot().Delayed; got != 0 {
		t.Fatalf("delayed = %d", got)
	}
}

func TestTimerExitsWhenLastEntryIsCancelled(t *testing.T) {
	t.Parallel()
	tm := NewTimer(logx.Nop())
	p := newTestPool(t, Config{Timer: tm})

	task, err := p.PostDelayed(func(context.Context) error { return nil }, time.Hour)
	if err != nil {
		t.Fatalf("PostDelayed: %v", err)
	}
	if !tm.Snapshot().Running {
		t.Fatal("timer loop not running with a pending entry")
	}
	if !task.Cancel() {
		t.Fatal("Cancel of delayed task = false")
	}
	eventually(t, "timer loop exit after cancel", func() bool {
		s := tm.Snapshot()
		return !s.Running && s.Pending == 0
	})
	if s := tm.Snapshot(); s.Fired != 0 {
		t.Fatalf("cancelled entry fired: %+v", s)
	}
}
