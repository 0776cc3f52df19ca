// Package taskpool is an asynchronous task scheduler.
//
// A Pool runs Tasks on reusable worker goroutines, never more than its
// throughput at once. Tasks may be delayed, prioritized, cancelled,
// rescheduled through the same handle, and waited for.
//
// Two process-wide services back every Pool unless overridden in Config:
//   - the Delay Timer (DefaultTimer), a single heap of not-yet-due tasks
//     whose loop goroutine starts on the first delayed task and exits when
//     the heap empties
//   - the Worker Cache (DefaultWorkerCache), which parks idle workers so a
//     later burst on any Pool can reuse them instead of spawning
//
// Waiting on a Task from one of the same Pool's workers never deadlocks:
// if the task has not started it runs inline on the waiting worker.
package taskpool
