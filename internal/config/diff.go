package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskpool/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are log fields describing the new values.
	Attrs []logx.Field
	// Pools and Jobs name the entries that were added, removed or changed.
	Pools []string
	Jobs  []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeChange compares oldCfg and newCfg. A nil config counts as empty.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		c.Sections = append(c.Sections, "logging")
		c.Attrs = append(c.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if oldCfg.Runtime != newCfg.Runtime {
		c.Sections = append(c.Sections, "runtime")
		c.Attrs = append(c.Attrs,
			logx.String("runtime.idle_timeout", strings.TrimSpace(newCfg.Runtime.IdleTimeout)),
			logx.Int("runtime.max_idle_workers", newCfg.Runtime.MaxIdleWorkers),
			logx.Int("runtime.max_live_workers", newCfg.Runtime.MaxLiveWorkers),
		)
	}

	c.Pools = diffByName(oldCfg.Pools, newCfg.Pools, func(p PoolConfig) string { return p.Name })
	if len(c.Pools) > 0 {
		c.Sections = append(c.Sections, "pools")
		c.Attrs = append(c.Attrs,
			logx.Int("pools.count", len(newCfg.Pools)),
			logx.Any("pools.changed", c.Pools),
		)
	}

	c.Jobs = diffByName(oldCfg.Jobs, newCfg.Jobs, func(j JobConfig) string { return j.Name })
	if len(c.Jobs) > 0 {
		c.Sections = append(c.Sections, "jobs")
		c.Attrs = append(c.Attrs,
			logx.Int("jobs.count", len(newCfg.Jobs)),
			logx.Any("jobs.changed", c.Jobs),
		)
	}

	var oj, nj JournalConfig
	if oldCfg.Journal != nil {
		oj = *oldCfg.Journal
	}
	if newCfg.Journal != nil {
		nj = *newCfg.Journal
	}
	if oj != nj {
		c.Sections = append(c.Sections, "journal")
		c.Attrs = append(c.Attrs,
			logx.String("journal.driver", strings.TrimSpace(nj.Driver)),
			logx.Bool("journal.path_set", strings.TrimSpace(nj.Path) != ""),
		)
	}

	var oa, na AdminConfig
	if oldCfg.Admin != nil {
		oa = *oldCfg.Admin
	}
	if newCfg.Admin != nil {
		na = *newCfg.Admin
	}
	if oa != na {
		c.Sections = append(c.Sections, "admin")
		c.Attrs = append(c.Attrs,
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("admin.token_set", na.Token != ""),
		)
	}

	if strings.TrimSpace(oldCfg.ShutdownTimeout) != strings.TrimSpace(newCfg.ShutdownTimeout) {
		c.Sections = append(c.Sections, "shutdown_timeout")
	}

	sort.Strings(c.Sections)
	return c
}

// diffByName returns the sorted names present in only one list or whose
// entries differ.
func diffByName[T any](oldList, newList []T, name func(T) string) []string {
	oldM := make(map[string]T, len(oldList))
	for _, v := range oldList {
		oldM[name(v)] = v
	}
	newM := make(map[string]T, len(newList))
	for _, v := range newList {
		newM[name(v)] = v
	}

	var out []string
	for k, o := range oldM {
		n, ok := newM[k]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, k)
		}
	}
	for k := range newM {
		if _, ok := oldM[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
