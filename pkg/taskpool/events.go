package taskpool

import (
	"time"

	"taskpool/pkg/eventbus"
)

// Event types published on the pool's bus.
const (
	EventTaskStarted   = "task.started"
	EventTaskFinished  = "task.finished"
	EventTaskFailed    = "task.failed"
	EventTaskCancelled = "task.cancelled"
	EventTaskRejected  = "task.rejected"
)

// TaskEvent is the Data of every task.* event.
type TaskEvent struct {
	Pool       string        `json:"pool"`
	Task       string        `json:"task"`
	Generation uint64        `json:"generation"`
	Started    time.Time     `json:"started,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Err        string        `json:"err,omitempty"`
	Panicked   bool          `json:"panicked,omitempty"`
}

func (p *Pool) publish(typ, task string, gen uint64, started time.Time, took time.Duration, err error) {
	if p.bus == nil {
		return
	}
	ev := TaskEvent{
		Pool:       p.cfg.Name,
		Task:       task,
		Generation: gen,
		Started:    started,
		Duration:   took,
	}
	if err != nil {
		ev.Err = err.Error()
		_, ev.Panicked = err.(*PanicError)
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (p *Pool) publishCancelled(task string, gen uint64) {
	p.publish(EventTaskCancelled, task, gen, time.Time{}, 0, nil)
}
