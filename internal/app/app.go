package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"taskpool/internal/admin"
	"taskpool/internal/config"
	"taskpool/internal/journal"
	"taskpool/internal/runtime/supervisor"
	"taskpool/pkg/eventbus"
	logx "taskpool/pkg/logx"
	"taskpool/pkg/taskpool"
)

const (
	watchRestartMin = 250 * time.Millisecond
	watchRestartMax = 5 * time.Second
)

// App is the taskpoold daemon: named pools running periodic command jobs.
type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store journal.Store
	timer *taskpool.Timer
	cache *taskpool.WorkerCache
	admin *admin.Server

	mu      sync.Mutex
	applied *config.Config
	pools   map[string]*taskpool.Pool
	jobs    map[string]*job
	stopped bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log)

	cacheCfg, err := mapWorkerCache(cfg)
	if err != nil {
		return nil, err
	}

	var store journal.Store
	if jc, enabled, err := mapJournal(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := journal.Open(jc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("journal enabled", logx.String("driver", jc.Driver))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		timer:   taskpool.DefaultTimer(),
		cache:   taskpool.NewWorkerCache(cacheCfg, log),
		applied: cfg,
		pools:   map[string]*taskpool.Pool{},
		jobs:    map[string]*job{},
	}
	for _, pc := range cfg.Pools {
		a.pools[pc.Name] = taskpool.New(mapPool(pc, a.timer, a.cache), log, a.bus)
	}
	if ac, enabled := mapAdmin(cfg); enabled {
		a.admin = a.newAdmin(ac)
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Pool returns the pool named name, or nil.
func (a *App) Pool(name string) *taskpool.Pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pools[name]
}

// Pools returns a snapshot of every pool, sorted by name.
func (a *App) Pools() []taskpool.Snapshot {
	a.mu.Lock()
	out := make([]taskpool.Snapshot, 0, len(a.pools))
	for _, p := range a.pools {
		out = append(out, p.Snapshot())
	}
	a.mu.Unlock()
	slices.SortFunc(out, func(x, y taskpool.Snapshot) int { return strings.Compare(x.Name, y.Name) })
	return out
}

// Journal returns the run journal, or nil when it is disabled.
func (a *App) Journal() journal.Store { return a.store }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.admin != nil {
		if err := a.admin.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}

	events, unsub := a.bus.SubscribePrefix("task.", 256)
	a.sup.Go0("events.record", func(c context.Context) {
		defer unsub()
		a.recordEvents(c, events)
	})

	a.mu.Lock()
	var errs []error
	for _, jc := range a.applied.Jobs {
		if err := a.startJobLocked(jc); err != nil {
			errs = append(errs, err)
		}
	}
	a.mu.Unlock()
	if err := errors.Join(errs...); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: apply only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.apply(newCfg)
			}
		}
	})
	// A broken watcher is recreated with jittered exponential backoff.
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(watchRestartMin, watchRestartMax))

	a.log.Info("app started", logx.Int("pools", len(a.applied.Pools)), logx.Int("jobs", len(a.applied.Jobs)))
	return nil
}

// recordEvents logs task events and journals completed runs until ctx is
// done, then drains what is already buffered.
func (a *App) recordEvents(ctx context.Context, events <-chan eventbus.Event) {
	handle := func(e eventbus.Event) {
		te, ok := e.Data.(taskpool.TaskEvent)
		if !ok {
			return
		}
		a.log.Debug("event", logx.String("type", e.Type), logx.String("pool", te.Pool), logx.String("task", te.Task))
		if a.store == nil || (e.Type != taskpool.EventTaskFinished && e.Type != taskpool.EventTaskFailed) {
			return
		}
		run := journal.Run{
			Pool:       te.Pool,
			Task:       te.Task,
			Generation: te.Generation,
			Started:    te.Started,
			Duration:   te.Duration,
			Err:        te.Err,
			Panicked:   te.Panicked,
		}
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.store.Append(wctx, run); err != nil {
			a.log.Warn("journal append failed", logx.String("task", te.Task), logx.Err(err))
		}
	}
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			handle(e)
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					handle(e)
				default:
					return
				}
			}
		}
	}
}

// apply brings pools and jobs in line with newCfg. Worker cache sizing and
// the journal are fixed at startup.
func (a *App) apply(newCfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	change := config.SummarizeChange(a.applied, newCfg)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		a.applied = newCfg
		return
	}
	a.logs.Apply(mapLogging(newCfg))

	for _, s := range change.Sections {
		if s == "runtime" || s == "journal" || s == "admin" {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	// Jobs of a removed pool are gone from the config, so they are listed
	// as changed and stop here before their pool shuts down.
	for _, name := range change.Jobs {
		a.stopJobLocked(name)
	}

	for _, name := range change.Pools {
		pc, keep := newCfg.Pool(name)
		p := a.pools[name]
		switch {
		case p == nil && keep:
			a.pools[name] = taskpool.New(mapPool(pc, a.timer, a.cache), a.log, a.bus)
			a.log.Info("pool added", logx.String("pool", name), logx.Int("throughput", pc.Throughput))
		case p != nil && !keep:
			delete(a.pools, name)
			p.Shutdown()
			a.log.Info("pool removed", logx.String("pool", name))
		case p != nil:
			old, _ := a.applied.Pool(name)
			if old.InterruptOnCancel != pc.InterruptOnCancel || old.ScheduleStacks != pc.ScheduleStacks {
				a.log.Warn("pool options changed; restart required", logx.String("pool", name))
			}
			if p.Throughput() != max(pc.Throughput, 1) {
				p.SetThroughput(pc.Throughput)
			}
		}
	}

	a.syncJobsLocked(newCfg, change.Jobs)
	a.applied = newCfg

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop cancels every job, drains the pools for up to shutdown_timeout,
// interrupts whatever is still running, then stops background loops.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.log.Info("stopping", logx.String("reason", string(reason)))
	for name := range a.jobs {
		a.stopJobLocked(name)
	}
	pools := make([]*taskpool.Pool, 0, len(a.pools))
	for _, p := range a.pools {
		pools = append(pools, p)
	}
	drain := shutdownTimeout(a.applied)
	a.mu.Unlock()

	if a.admin != nil {
		a.step(ctx, "admin", 2*time.Second, a.admin.Stop)
	}

	a.step(ctx, "pools", drain, func(c context.Context) error {
		for _, p := range pools {
			p.Shutdown()
		}
		var errs []error
		for _, p := range pools {
			if err := p.AwaitTermination(c); err != nil {
				unrun := p.ShutdownNow()
				a.log.Warn("pool did not drain; interrupted",
					logx.String("pool", p.Name()), logx.Int("unrun", len(unrun)))
				errs = append(errs, fmt.Errorf("pool %s: %w", p.Name(), err))
			}
		}
		return errors.Join(errs...)
	})
	a.step(ctx, "pools.interrupted", time.Second, func(c context.Context) error {
		for _, p := range pools {
			if err := p.AwaitTermination(c); err != nil {
				return fmt.Errorf("pool %s: %w", p.Name(), err)
			}
		}
		return nil
	})

	a.step(ctx, "supervisor", 2*time.Second, a.sup.Stop)
	a.step(ctx, "journal", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("dropped_alerts", a.logs.DroppedAlerts()))
	return a.logs.Close()
}

// step runs fn with an upper bound so one component cannot stall Stop.
// fn must honor its context; a step that overruns is logged and left
// running.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		// Give fn a moment to observe the cancelled context.
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-time.After(100 * time.Millisecond):
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}
}
