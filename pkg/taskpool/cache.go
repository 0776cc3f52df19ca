package taskpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"taskpool/internal/runtime/supervisor"
	logx "taskpool/pkg/logx"
)

// WorkerCacheConfig bounds a WorkerCache.
//
// Defaults (when fields are zero):
//   - IdleTimeout: 2s, how long an attached worker waits for work before
//     leaving its pool
//   - ParkTimeout: 30s, how long a parked worker waits for a new pool
//     before exiting
//   - MaxIdle: 64 parked workers
//   - MaxLive: 0, no limit on live workers
type WorkerCacheConfig struct {
	IdleTimeout time.Duration
	ParkTimeout time.Duration
	MaxIdle     int
	MaxLive     int
}

// WorkerCache spawns workers and keeps detached ones parked so any pool
// can reuse them.
type WorkerCache struct {
	cfg WorkerCacheConfig
	log logx.Logger
	sup *supervisor.Supervisor

	mu     sync.Mutex
	parked []*worker
	live   int
	nextID uint64

	spawned atomic.Uint64
	reused  atomic.Uint64
	expired atomic.Uint64
	refused atomic.Uint64
	aborted atomic.Uint64
}

// CacheSnapshot is a point-in-time view of a WorkerCache.
type CacheSnapshot struct {
	Parked     int                 `json:"parked"`
	Live       int                 `json:"live"`
	Spawned    uint64              `json:"spawned"`
	Reused     uint64              `json:"reused"`
	Expired    uint64              `json:"expired"`
	Refused    uint64              `json:"refused"`
	Aborted    uint64              `json:"aborted"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func NewWorkerCache(cfg WorkerCacheConfig, log logx.Logger) *WorkerCache {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Second
	}
	if cfg.ParkTimeout <= 0 {
		cfg.ParkTimeout = 30 * time.Second
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 64
	}
	if cfg.MaxLive < 0 {
		cfg.MaxLive = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "taskpool.workers"))
	return &WorkerCache{
		cfg: cfg,
		log: log,
		sup: supervisor.New(context.Background(), supervisor.WithLogger(log)),
	}
}

var defaultCache = sync.OnceValue(func() *WorkerCache {
	return NewWorkerCache(WorkerCacheConfig{}, logx.Nop())
})

// DefaultWorkerCache returns the process-wide cache, creating it on first use.
func DefaultWorkerCache() *WorkerCache { return defaultCache() }

func (c *WorkerCache) Config() WorkerCacheConfig { return c.cfg }

// acquire hands p a parked worker or spawns one. Called with p.mu held.
func (c *WorkerCache) acquire(p *Pool) (*worker, error) {
	c.mu.Lock()
	if n := len(c.parked); n > 0 {
		w := c.parked[n-1]
		c.parked[n-1] = nil
		c.parked = c.parked[:n-1]
		c.mu.Unlock()
		c.reused.Add(1)
		w.assign <- p
		return w, nil
	}
	if c.cfg.MaxLive > 0 && c.live >= c.cfg.MaxLive {
		c.mu.Unlock()
		c.refused.Add(1)
		return nil, ErrWorkerLimit
	}
	c.live++
	c.nextID++
	w := &worker{
		id:     c.nextID,
		cache:  c,
		wake:   make(chan struct{}, 1),
		assign: make(chan *Pool, 1),
		pool:   p,
	}
	c.mu.Unlock()

	c.spawned.Add(1)
	c.log.Debug("worker spawned", logx.Uint64("worker", w.id), logx.String("pool", p.cfg.Name))
	c.sup.Go0("taskpool.worker", w.main)
	return w, nil
}

// park waits for a new pool. It returns nil when the worker should exit.
func (c *WorkerCache) park(w *worker) *Pool {
	c.mu.Lock()
	if len(c.parked) >= c.cfg.MaxIdle {
		c.live--
		c.mu.Unlock()
		return nil
	}
	c.parked = append(c.parked, w)
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.ParkTimeout)
	defer timer.Stop()
	select {
	case p := <-w.assign:
		return p
	case <-timer.C:
	}

	c.mu.Lock()
	var removed bool
	c.parked, removed = removeWorker(c.parked, w)
	if removed {
		c.live--
		c.mu.Unlock()
		c.expired.Add(1)
		c.log.Debug("worker expired", logx.Uint64("worker", w.id))
		return nil
	}
	c.mu.Unlock()
	// A pool took this worker while the timer fired; its send is in flight.
	return <-w.assign
}

func (c *WorkerCache) exited() {
	c.mu.Lock()
	c.live--
	c.mu.Unlock()
	c.aborted.Add(1)
}

func (c *WorkerCache) Snapshot() CacheSnapshot {
	c.mu.Lock()
	s := CacheSnapshot{Parked: len(c.parked), Live: c.live}
	c.mu.Unlock()
	s.Spawned = c.spawned.Load()
	s.Reused = c.reused.Load()
	s.Expired = c.expired.Load()
	s.Refused = c.refused.Load()
	s.Aborted = c.aborted.Load()
	s.Supervisor = c.sup.Snapshot()
	return s
}
