package config

// Config is the taskpoold configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Runtime RuntimeConfig  `json:"runtime"`
	Pools   []PoolConfig   `json:"pools"`
	Jobs    []JobConfig    `json:"jobs"`
	Journal *JournalConfig `json:"journal,omitempty"`
	Admin   *AdminConfig   `json:"admin,omitempty"`

	// Shutdown bounds the graceful drain before running tasks are interrupted.
	// Default: "10s".
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts copies warnings and errors to a separate sink. An empty
// path means stderr.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// RuntimeConfig sizes the process-wide worker cache. It is read once at
// startup; changes need a restart.
//
// Defaults (when fields are omitted/zero):
//   - idle_timeout: "2s"
//   - park_timeout: "30s"
//   - max_idle_workers: 64
//   - max_live_workers: 0 (unlimited)
type RuntimeConfig struct {
	IdleTimeout    string `json:"idle_timeout,omitempty"`
	ParkTimeout    string `json:"park_timeout,omitempty"`
	MaxIdleWorkers int    `json:"max_idle_workers,omitempty"`
	MaxLiveWorkers int    `json:"max_live_workers,omitempty"`
}

// PoolConfig declares a named pool. Throughput can change on reload.
type PoolConfig struct {
	Name              string `json:"name"`
	Throughput        int    `json:"throughput"`
	InterruptOnCancel bool   `json:"interrupt_on_cancel,omitempty"`
	ScheduleStacks    bool   `json:"schedule_stacks,omitempty"`
}

// JobConfig is a periodic command.
//
// Example:
//
//	{"name": "backup", "pool": "io", "schedule": "0 3 * * *",
//	 "timeout": "10m", "command": ["/usr/local/bin/backup", "--quiet"]}
type JobConfig struct {
	Name     string   `json:"name"`
	Pool     string   `json:"pool"`
	Schedule string   `json:"schedule"`
	Priority int      `json:"priority,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	Command  []string `json:"command"`
	// Spread delays the first interval run by a per-job jitter.
	Spread bool   `json:"spread,omitempty"`
	Dir    string `json:"dir,omitempty"`
}

// JournalConfig controls the completed-run journal.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./taskpoold.db" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// AdminConfig enables the read-only HTTP status API.
//
// Security:
//   - Default addr is 127.0.0.1:6061.
//   - A non-loopback addr requires token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// Pool returns the pool declaration named name.
func (c *Config) Pool(name string) (PoolConfig, bool) {
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return PoolConfig{}, false
}
