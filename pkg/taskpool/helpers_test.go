package taskpool

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "taskpool/pkg/logx"
)

func newTestCache() *WorkerCache {
	return NewWorkerCache(WorkerCacheConfig{
		IdleTimeout: 50 * time.Millisecond,
		ParkTimeout: 500 * time.Millisecond,
	}, logx.Nop())
}

// newTestPool returns a pool with its own timer and worker cache.
func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.Timer == nil {
		cfg.Timer = NewTimer(logx.Nop())
	}
	if cfg.Cache == nil {
		cfg.Cache = newTestCache()
	}
	p := New(cfg, logx.Nop(), nil)
	t.Cleanup(func() { p.ShutdownNow() })
	return p
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// blockWorker occupies one worker of p until the returned func is called.
func blockWorker(t *testing.T, p *Pool) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	if _, err := p.Post(func(context.Context) error {
		close(started)
		<-gate
		return nil
	}); err != nil {
		t.Fatalf("post blocker: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker did not start")
	}
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder collects labels in execution order.
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) add(s string) Func {
	return func(context.Context) error {
		r.mu.Lock()
		r.got = append(r.got, s)
		r.mu.Unlock()
		return nil
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}
