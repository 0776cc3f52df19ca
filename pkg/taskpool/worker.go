package taskpool

import (
	"context"
	"time"
)

// worker executes tasks for one pool at a time. Between pools it parks in
// its WorkerCache.
type worker struct {
	id    uint64
	cache *WorkerCache

	// wake is signalled by the pool when work arrives for an idle worker.
	wake chan struct{}
	// assign hands a parked worker its next pool.
	assign chan *Pool

	// pool is owned by the worker goroutine once started.
	pool *Pool

	// frames is the stack of tasks this worker is executing; more than one
	// when a task waits inline on another. Guarded by pool.mu.
	frames []*frame
}

// frame is one claimed run. Its run context carries it, so a wait can tell
// whether it is called from the top of the worker's stack or from some
// other goroutine holding that context. Mutable fields are guarded by
// pool.mu.
type frame struct {
	pool *Pool
	w    *worker
	task *Task
	cyc  *cycle
	top  bool
}

type frameKey struct{}

// topFrameLocked returns the frame whose run context is ctx when that frame
// is the innermost run of a worker of p. Only then may a wait run another
// task inline. Callers hold p.mu.
func topFrameLocked(ctx context.Context, p *Pool) *frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(frameKey{}).(*frame)
	if f == nil || f.pool != p || !f.top {
		return nil
	}
	return f
}

// onWorkerStack reports whether ctx is the innermost run context of one of
// p's workers.
func (p *Pool) onWorkerStack(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return topFrameLocked(ctx, p) != nil
}

func (w *worker) pushLocked(f *frame) {
	if n := len(w.frames); n > 0 {
		w.frames[n-1].top = false
	}
	f.top = true
	w.frames = append(w.frames, f)
}

// popLocked removes f. A goroutine that outlived its run context may finish
// an inline run out of order, so f is looked up rather than assumed on top.
func (w *worker) popLocked(f *frame) {
	f.top = false
	for i := len(w.frames) - 1; i >= 0; i-- {
		if w.frames[i] == f {
			copy(w.frames[i:], w.frames[i+1:])
			w.frames[len(w.frames)-1] = nil
			w.frames = w.frames[:len(w.frames)-1]
			break
		}
	}
	if n := len(w.frames); n > 0 {
		w.frames[n-1].top = true
	}
}

// CurrentPool returns the pool whose worker is executing ctx, if any.
func CurrentPool(ctx context.Context) (*Pool, bool) {
	if ctx == nil {
		return nil, false
	}
	f, _ := ctx.Value(frameKey{}).(*frame)
	if f == nil {
		return nil, false
	}
	return f.pool, true
}

func (w *worker) main(ctx context.Context) {
	clean := false
	defer func() {
		// Only runtime.Goexit inside an action gets here without clean set;
		// panics are recovered at the task boundary.
		if !clean {
			w.abort()
		}
	}()

	for p := w.pool; p != nil; p = w.cache.park(w) {
		w.pool = p
		w.serve(ctx, p)
	}
	clean = true
}

func (w *worker) serve(ctx context.Context, p *Pool) {
	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()

	for {
		t, cl := p.next(ctx, w, idle)
		if t == nil {
			return
		}
		p.execute(w, t, cl)
	}
}

func (w *worker) abort() {
	if p := w.pool; p != nil {
		p.abandon(w)
	}
	w.cache.exited()
}

// removeWorker deletes w from ws preserving order.
func removeWorker(ws []*worker, w *worker) ([]*worker, bool) {
	for i, x := range ws {
		if x == w {
			copy(ws[i:], ws[i+1:])
			ws[len(ws)-1] = nil
			return ws[:len(ws)-1], true
		}
	}
	return ws, false
}
