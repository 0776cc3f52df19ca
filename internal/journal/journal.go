package journal

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taskpool/pkg/logx"
)

var ErrClosed = errors.New("journal closed")

// Config selects a driver. An empty Driver or "none" disables the journal.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means the driver default
}

// Run is one completed execution of a task.
type Run struct {
	Pool       string        `json:"pool"`
	Task       string        `json:"task"`
	Generation uint64        `json:"generation"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Err        string        `json:"err,omitempty"`
	Panicked   bool          `json:"panicked,omitempty"`
}

func (r Run) OK() bool { return r.Err == "" }

// Store persists runs.
type Store interface {
	Append(ctx context.Context, r Run) error
	// Recent returns up to n runs, newest first.
	Recent(ctx context.Context, n int) ([]Run, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when the
// journal is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "journal"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown journal driver: " + driver)
	}
}
