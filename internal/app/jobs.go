package app

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"taskpool/internal/config"
	logx "taskpool/pkg/logx"
	"taskpool/pkg/taskpool"
)

// outputTail bounds how much command output is kept for error messages.
const outputTail = 2048

type job struct {
	cfg    config.JobConfig
	pool   *taskpool.Pool
	future *taskpool.Future[struct{}]
}

// commandFunc builds the task body for a job. The command is killed when
// the run context ends, which happens on timeout and, for pools with
// interrupt_on_cancel, on cancel and forced shutdown.
func commandFunc(jc config.JobConfig, log logx.Logger) (taskpool.Func, error) {
	if len(jc.Command) == 0 {
		return nil, fmt.Errorf("job %q: empty command", jc.Name)
	}
	timeout, err := config.ParseDurationField("jobs."+jc.Name+".timeout", jc.Timeout)
	if err != nil {
		return nil, err
	}
	args := slices.Clone(jc.Command)
	dir := jc.Dir
	log = log.With(logx.String("job", jc.Name))

	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var out tailWriter
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = dir
		cmd.Stdout = &out
		cmd.Stderr = &out

		start := time.Now()
		err := cmd.Run()
		took := time.Since(start)
		if err == nil {
			log.Debug("job finished", logx.Duration("took", took))
			return nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			// Retrying cannot help until the config changes.
			return taskpool.Permanent(err)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		if tail := strings.TrimSpace(out.String()); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}, nil
}

// tailWriter keeps the last outputTail bytes written to it.
type tailWriter struct {
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= outputTail {
		w.buf = append(w.buf[:0], p[len(p)-outputTail:]...)
		return n, nil
	}
	if over := len(w.buf) + len(p) - outputTail; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
	w.buf = append(w.buf, p...)
	return n, nil
}

func (w *tailWriter) String() string { return string(w.buf) }

// startJobLocked schedules jc on its pool. Callers hold a.mu.
func (a *App) startJobLocked(jc config.JobConfig) error {
	p := a.pools[jc.Pool]
	if p == nil {
		return fmt.Errorf("job %q: unknown pool %q", jc.Name, jc.Pool)
	}
	fn, err := commandFunc(jc, a.log)
	if err != nil {
		return err
	}
	f, err := p.ScheduleSpec(jc.Schedule, fn, taskpool.SpecOptions{Spread: jc.Spread, Tag: jc.Name})
	if err != nil {
		return fmt.Errorf("job %q: %w", jc.Name, err)
	}
	f.Task().SetName(jc.Name)
	if jc.Priority != 0 {
		f.Task().SetPriority(jc.Priority)
	}
	a.jobs[jc.Name] = &job{cfg: jc, pool: p, future: f}
	a.log.Info("job scheduled",
		logx.String("job", jc.Name),
		logx.String("pool", jc.Pool),
		logx.String("schedule", jc.Schedule),
		logx.Duration("next_in", f.Delay()),
	)
	return nil
}

func (a *App) stopJobLocked(name string) {
	j := a.jobs[name]
	if j == nil {
		return
	}
	delete(a.jobs, name)
	j.future.Cancel()
	a.log.Info("job stopped", logx.String("job", name))
}

// syncJobsLocked restarts the named jobs from cfg. Names absent from cfg
// are only stopped.
func (a *App) syncJobsLocked(cfg *config.Config, names []string) {
	want := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		want[jc.Name] = jc
	}
	for _, name := range names {
		a.stopJobLocked(name)
		jc, ok := want[name]
		if !ok {
			continue
		}
		if err := a.startJobLocked(jc); err != nil {
			a.log.Warn("job not scheduled", logx.String("job", name), logx.Err(err))
		}
	}
}

// JobStatus is a point-in-time view of a configured job.
type JobStatus struct {
	Name   string        `json:"name"`
	Pool   string        `json:"pool"`
	State  string        `json:"state"`
	Runs   uint64        `json:"runs"`
	NextIn time.Duration `json:"next_in"`
	Err    string        `json:"err,omitempty"`
}

// Jobs returns the status of every scheduled job, sorted by name.
func (a *App) Jobs() []JobStatus {
	a.mu.Lock()
	out := make([]JobStatus, 0, len(a.jobs))
	for name, j := range a.jobs {
		t := j.future.Task()
		s := JobStatus{
			Name:   name,
			Pool:   j.cfg.Pool,
			State:  t.State().String(),
			Runs:   t.Runs(),
			NextIn: t.Delay(),
		}
		if err := t.Err(); err != nil {
			s.Err = err.Error()
		}
		out = append(out, s)
	}
	a.mu.Unlock()
	slices.SortFunc(out, func(x, y JobStatus) int { return strings.Compare(x.Name, y.Name) })
	return out
}
