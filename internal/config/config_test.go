package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "taskpool/pkg/logx"
)

const sampleJSON = `{
  "logging": {"level": "info", "console": true},
  "runtime": {"idle_timeout": "1s", "max_live_workers": 8},
  "pools": [{"name": "io", "throughput": 2}],
  "jobs": [{"name": "ping", "pool": "io", "schedule": "30s", "command": ["true"]}],
  "journal": {"driver": "file", "path": "runs.jsonl"}
}`

const sampleYAML = `
logging:
  level: debug
pools:
  - name: io
    throughput: 3
    interrupt_on_cancel: true
jobs:
  - name: nightly
    pool: io
    schedule: "0 3 * * *"
    timeout: 10m
    command: [backup, --quiet]
`

func TestDecodeFormats(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("taskpoold.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(cfg.Pools) != 1 || cfg.Pools[0].Throughput != 2 || cfg.Runtime.MaxLiveWorkers != 8 {
		t.Fatalf("json decoded = %+v", cfg)
	}

	cfg, err = Decode("taskpoold.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !cfg.Pools[0].InterruptOnCancel || cfg.Jobs[0].Timeout != "10m" || len(cfg.Jobs[0].Command) != 2 {
		t.Fatalf("yaml decoded = %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(yaml) = %v", err)
	}
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		doc  string
	}{
		{"unknown field", "c.json", `{"pools": [], "workers": 4}`},
		{"trailing data", "c.json", `{} {}`},
		{"unknown yaml field", "c.yml", "runtime:\n  threads: 2\n"},
		{"bad yaml", "c.yaml", "pools: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.doc)); err == nil {
				t.Fatalf("Decode(%q) succeeded", tt.doc)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		cfg, err := Decode("c.json", []byte(sampleJSON))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("Validate(sample) = %v", err)
	}
	withToken := base()
	withToken.Admin = &AdminConfig{Enabled: true, Addr: "0.0.0.0:6061", Token: "t"}
	if err := Validate(withToken); err != nil {
		t.Fatalf("Validate(admin with token) = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad idle timeout", func(c *Config) { c.Runtime.IdleTimeout = "soon" }, "runtime.idle_timeout"},
		{"duplicate pool", func(c *Config) { c.Pools = append(c.Pools, c.Pools[0]) }, "duplicate pool"},
		{"unknown pool", func(c *Config) { c.Jobs[0].Pool = "cpu" }, "unknown pool"},
		{"bad schedule", func(c *Config) { c.Jobs[0].Schedule = "whenever" }, "jobs[0].schedule"},
		{"priority range", func(c *Config) { c.Jobs[0].Priority = 11 }, "jobs[0].priority"},
		{"empty command", func(c *Config) { c.Jobs[0].Command = nil }, "jobs[0].command"},
		{"journal driver", func(c *Config) { c.Journal.Driver = "postgres" }, "journal.driver"},
		{"journal path", func(c *Config) { c.Journal.Path = "" }, "journal.path"},
		{"admin public bind", func(c *Config) { c.Admin = &AdminConfig{Enabled: true, Addr: "0.0.0.0:6061"} }, "admin.addr"},
		{"admin bad addr", func(c *Config) { c.Admin = &AdminConfig{Enabled: true, Addr: "6061"} }, "admin.addr"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg, _ := Decode("c.json", []byte(sampleJSON))
	newCfg, _ := Decode("c.json", []byte(sampleJSON))

	if c := SummarizeChange(oldCfg, newCfg); !c.Empty() {
		t.Fatalf("identical configs changed: %v", c.Sections)
	}

	newCfg.Pools[0].Throughput = 4
	newCfg.Jobs = append(newCfg.Jobs, JobConfig{Name: "extra", Pool: "io", Schedule: "1m", Command: []string{"true"}})
	newCfg.Logging.Level = "debug"
	c := SummarizeChange(oldCfg, newCfg)
	want := []string{"jobs", "logging", "pools"}
	if strings.Join(c.Sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", c.Sections, want)
	}
	if len(c.Pools) != 1 || c.Pools[0] != "io" {
		t.Fatalf("pools = %v", c.Pools)
	}
	if len(c.Jobs) != 1 || c.Jobs[0] != "extra" {
		t.Fatalf("jobs = %v", c.Jobs)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %s, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	if d, _ := ParseDurationOrDefault("x", "0s", time.Minute); d != time.Minute {
		t.Fatalf("default = %s", d)
	}
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "taskpoold.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	invalid := strings.Replace(sampleJSON, `"pool": "io"`, `"pool": "missing"`, 1)
	if err := os.WriteFile(path, []byte(invalid), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	updated := strings.Replace(sampleJSON, `"throughput": 2`, `"throughput": 5`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Pools[0].Throughput != 5 {
			t.Fatalf("published throughput = %d", cfg.Pools[0].Throughput)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if got := m.Get().Pools[0].Throughput; got != 5 {
		t.Fatalf("Get().throughput = %d", got)
	}
}

func TestManagerWatchReportsStartFailure(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "missing", "taskpoold.json"), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Watch(ctx); err == nil || ctx.Err() != nil {
		t.Fatalf("Watch on missing dir = %v (ctx %v), want prompt error", err, ctx.Err())
	}
}
