package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"taskpool/internal/admin"
	logx "taskpool/pkg/logx"
	"taskpool/pkg/taskpool"
)

// Validate checks cross-field constraints that strict decoding cannot.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add("logging.level: unknown level %q", lvl)
		}
	}
	if lvl := strings.TrimSpace(cfg.Logging.Alerts.MinLevel); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add("logging.alerts.min_level: unknown level %q", lvl)
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}

	for _, f := range []struct{ path, raw string }{
		{"runtime.idle_timeout", cfg.Runtime.IdleTimeout},
		{"runtime.park_timeout", cfg.Runtime.ParkTimeout},
		{"shutdown_timeout", cfg.ShutdownTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Runtime.MaxIdleWorkers < 0 {
		add("runtime.max_idle_workers: must be >= 0")
	}
	if cfg.Runtime.MaxLiveWorkers < 0 {
		add("runtime.max_live_workers: must be >= 0")
	}

	pools := make(map[string]struct{}, len(cfg.Pools))
	for i, p := range cfg.Pools {
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			add("pools[%d].name: required", i)
		case hasKey(pools, name):
			add("pools[%d].name: duplicate pool %q", i, name)
		}
		pools[name] = struct{}{}
		if p.Throughput < 0 {
			add("pools[%d].throughput: must be >= 0", i)
		}
	}

	jobs := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			add("jobs[%d].name: required", i)
		case hasKey(jobs, name):
			add("jobs[%d].name: duplicate job %q", i, name)
		}
		jobs[name] = struct{}{}
		if !hasKey(pools, strings.TrimSpace(j.Pool)) {
			add("jobs[%d].pool: unknown pool %q", i, j.Pool)
		}
		if _, err := taskpool.ParseSchedule(j.Schedule); err != nil {
			add("jobs[%d].schedule: %w", i, err)
		}
		if j.Priority != 0 && (j.Priority < taskpool.MinPriority || j.Priority > taskpool.MaxPriority) {
			add("jobs[%d].priority: must be within [%d, %d]", i, taskpool.MinPriority, taskpool.MaxPriority)
		}
		if _, err := ParseDurationField(fmt.Sprintf("jobs[%d].timeout", i), j.Timeout); err != nil {
			errs = append(errs, err)
		}
		if len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
			add("jobs[%d].command: required", i)
		}
	}

	if jc := cfg.Journal; jc != nil {
		switch strings.ToLower(strings.TrimSpace(jc.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(jc.Path) == "" {
				add("journal.path: required for driver %q", jc.Driver)
			}
		default:
			add("journal.driver: unknown driver %q", jc.Driver)
		}
		if _, err := ParseDurationField("journal.busy_timeout", jc.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if ac := cfg.Admin; ac != nil && ac.Enabled {
		addr := strings.TrimSpace(ac.Addr)
		if addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				add("admin.addr: %w", err)
			} else if !ac.AllowInsecure && strings.TrimSpace(ac.Token) == "" && !admin.IsLoopbackAddr(addr) {
				add("admin.addr: non-loopback %q requires token or allow_insecure", addr)
			}
		}
	}
	return errors.Join(errs...)
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}
