package taskpool

import "testing"

func queuedTask(prio int) *Task {
	return &Task{priority: prio, seq: nextSeq(), readyIndex: -1}
}

func TestReadyQueueOrdersByPriorityThenArrival(t *testing.T) {
	t.Parallel()
	var q readyQueue
	a := queuedTask(1)
	b := queuedTask(5)
	c := queuedTask(5)
	d := queuedTask(3)
	for _, x := range []*Task{a, b, c, d} {
		q.push(x)
	}

	want := []*Task{b, c, d, a}
	for i, w := range want {
		if got := q.pop(); got != w {
			t.Fatalf("pop %d: got priority %d seq %d, want priority %d seq %d", i, got.priority, got.seq, w.priority, w.seq)
		}
	}
	if q.pop() != nil {
		t.Fatal("queue should be empty")
	}
}

func TestReadyQueueRemoveAndFix(t *testing.T) {
	t.Parallel()
	var q readyQueue
	a := queuedTask(2)
	b := queuedTask(2)
	c := queuedTask(2)
	q.push(a)
	q.push(b)
	q.push(c)

	if !q.remove(b) {
		t.Fatal("remove(b) = false")
	}
	if q.remove(b) {
		t.Fatal("second remove(b) = true")
	}
	if b.readyIndex != -1 {
		t.Fatalf("removed task index = %d", b.readyIndex)
	}

	// Raising c above a moves it first; lowering it back keeps arrival order.
	c.priority = 9
	q.fix(c)
	if got := q.pop(); got != c {
		t.Fatal("expected reprioritized task first")
	}
	q.push(c)
	c.priority = 2
	q.fix(c)
	if got := q.pop(); got != a {
		t.Fatal("expected earlier arrival first among equals")
	}
}

func TestReadyQueueDrainKeepsOrder(t *testing.T) {
	t.Parallel()
	var q readyQueue
	lo, hi := queuedTask(1), queuedTask(10)
	q.push(lo)
	q.push(hi)
	got := q.drain()
	if len(got) != 2 || got[0] != hi || got[1] != lo {
		t.Fatalf("drain order wrong: %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("Len after drain = %d", q.Len())
	}
}
