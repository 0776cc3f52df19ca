package app

import (
	"strings"
	"time"

	"taskpool/internal/admin"
	"taskpool/internal/config"
	"taskpool/internal/journal"
	logx "taskpool/pkg/logx"
	"taskpool/pkg/taskpool"
)

const defaultShutdownTimeout = 10 * time.Second

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			Path:       l.Alerts.Path,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapWorkerCache(cfg *config.Config) (taskpool.WorkerCacheConfig, error) {
	idle, err := config.ParseDurationField("runtime.idle_timeout", cfg.Runtime.IdleTimeout)
	if err != nil {
		return taskpool.WorkerCacheConfig{}, err
	}
	park, err := config.ParseDurationField("runtime.park_timeout", cfg.Runtime.ParkTimeout)
	if err != nil {
		return taskpool.WorkerCacheConfig{}, err
	}
	return taskpool.WorkerCacheConfig{
		IdleTimeout: idle,
		ParkTimeout: park,
		MaxIdle:     cfg.Runtime.MaxIdleWorkers,
		MaxLive:     cfg.Runtime.MaxLiveWorkers,
	}, nil
}

func mapPool(pc config.PoolConfig, timer *taskpool.Timer, cache *taskpool.WorkerCache) taskpool.Config {
	return taskpool.Config{
		Name:              pc.Name,
		Throughput:        pc.Throughput,
		InterruptOnCancel: pc.InterruptOnCancel,
		ScheduleStacks:    pc.ScheduleStacks,
		Timer:             timer,
		Cache:             cache,
	}
}

// mapJournal reports enabled=false when the section is absent or disabled.
func mapJournal(cfg *config.Config) (journal.Config, bool, error) {
	jc := cfg.Journal
	if jc == nil {
		return journal.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	if driver == "" || driver == "none" {
		return journal.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, time.Second)
	if err != nil {
		return journal.Config{}, false, err
	}
	return journal.Config{Driver: driver, Path: strings.TrimSpace(jc.Path), BusyTimeout: busy}, true, nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("shutdown_timeout", cfg.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return defaultShutdownTimeout
	}
	return d
}

func mapAdmin(cfg *config.Config) (admin.Config, bool) {
	ac := cfg.Admin
	if ac == nil || !ac.Enabled {
		return admin.Config{}, false
	}
	return admin.Config{
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
	}, true
}
