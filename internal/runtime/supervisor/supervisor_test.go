package supervisor

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func statsFor(t *testing.T, s *Supervisor, name string) GoroutineStats {
	t.Helper()
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == name {
			return g
		}
	}
	t.Fatalf("no stats for %q", name)
	return GoroutineStats{}
}

func TestGoRecordsPanicAndError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	s.Go0("boom", func(context.Context) { panic("bad") })
	s.Go("fails", func(context.Context) error { return errors.New("nope") })
	s.Go0("ok", func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected first error from Wait")
	}
	if got := statsFor(t, s, "boom"); got.Panics != 1 || got.Active != 0 {
		t.Fatalf("boom stats = %+v", got)
	}
	if got := statsFor(t, s, "fails"); got.LastErr == "" {
		t.Fatalf("fails stats = %+v", got)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 3 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoRecordsGoexitAsAborted(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("exit", func(context.Context) { runtime.Goexit() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := statsFor(t, s, "exit"); got.Aborted != 1 || got.Active != 0 {
		t.Fatalf("exit stats = %+v", got)
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if got := statsFor(t, s, "flaky"); got.Restarts != 2 {
		t.Fatalf("restarts = %d, want 2", got.Restarts)
	}
}

func TestStopCancelsContext(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
