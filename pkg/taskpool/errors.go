package taskpool

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is returned when scheduling on a pool that was shut down.
	ErrRejected = errors.New("taskpool: pool is shut down")
	// ErrCancelled is reported to waiters of a cancelled task.
	ErrCancelled = errors.New("taskpool: task cancelled")
	// ErrWouldDeadlock is returned by bounded waits issued from one of the
	// task's own pool workers while the task has not started.
	ErrWouldDeadlock = errors.New("taskpool: wait would deadlock")
	// ErrWorkerLimit is returned when a pool with no workers cannot obtain one.
	ErrWorkerLimit = errors.New("taskpool: worker limit reached")
	ErrNilAction   = errors.New("taskpool: nil action")

	errWorkerExited = errors.New("taskpool: worker exited while running task")
)

// Permanent marks an action error as unrecoverable.
//
// Periodic tasks keep their cadence after ordinary errors; a Permanent error
// stops them.
//
// Example:
//
//	return taskpool.Permanent(fmt.Errorf("bad input: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent or is a PanicError.
func IsPermanent(err error) bool {
	var pe permanentError
	if errors.As(err, &pe) {
		return true
	}
	var pan *PanicError
	return errors.As(err, &pan)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// PanicError is the error recorded for an action that panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
