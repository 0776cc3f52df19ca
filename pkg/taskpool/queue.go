package taskpool

import (
	"container/heap"
	"sync/atomic"
)

// arrivals orders equal-priority tasks across every pool in the process.
var arrivals atomic.Uint64

func nextSeq() uint64 { return arrivals.Add(1) }

// readyQueue holds the tasks of one pool that are due and waiting for a
// worker, ordered by priority desc then arrival asc. Callers hold the pool lock.
type readyQueue struct {
	h readyHeap
}

func (q *readyQueue) Len() int { return len(q.h) }

func (q *readyQueue) push(t *Task) {
	heap.Push(&q.h, t)
}

// pop removes and returns the next task, or nil when empty.
func (q *readyQueue) pop() *Task {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Task)
}

func (q *readyQueue) remove(t *Task) bool {
	if t.readyIndex < 0 || t.readyIndex >= len(q.h) || q.h[t.readyIndex] != t {
		return false
	}
	heap.Remove(&q.h, t.readyIndex)
	return true
}

// fix restores ordering after t's priority changed. t keeps its sequence
// number so it stays behind equal-priority peers that arrived earlier.
func (q *readyQueue) fix(t *Task) {
	if t.readyIndex >= 0 && t.readyIndex < len(q.h) && q.h[t.readyIndex] == t {
		heap.Fix(&q.h, t.readyIndex)
	}
}

// drain empties the queue in dequeue order.
func (q *readyQueue) drain() []*Task {
	out := make([]*Task, 0, len(q.h))
	for len(q.h) > 0 {
		out = append(out, heap.Pop(&q.h).(*Task))
	}
	return out
}

type readyHeap []*Task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].readyIndex = i
	h[j].readyIndex = j
}

func (h *readyHeap) Push(x any) {
	t := x.(*Task)
	t.readyIndex = len(*h)
	*h = append(*h, t)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.readyIndex = -1
	*h = old[:n-1]
	return t
}
