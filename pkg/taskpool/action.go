package taskpool

import "context"

// Func is the work run by a Task. The context is cancelled when the task is
// interrupted (see Config.InterruptOnCancel and Pool.ShutdownNow).
type Func func(ctx context.Context) error

// Action is a unit of work, either plain or cancellable. A cancellable
// action carries a hook that Task.Cancel calls while the action is running.
type Action struct {
	fn     Func
	cancel func() bool
}

// Plain wraps fn as an action without a cancel hook.
func Plain(fn Func) Action { return Action{fn: fn} }

// Cancellable wraps fn with requestCancel, which should ask the running fn
// to stop and report whether it will.
func Cancellable(fn Func, requestCancel func() bool) Action {
	return Action{fn: fn, cancel: requestCancel}
}

// Run executes the action. A nil action does nothing.
func (a Action) Run(ctx context.Context) error {
	if a.fn == nil {
		return nil
	}
	return a.fn(ctx)
}

func (a Action) IsCancellable() bool { return a.cancel != nil }

func (a Action) IsZero() bool { return a.fn == nil }
