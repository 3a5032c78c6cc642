package reactor

import "container/heap"

// Task is a unit of deferred work. A non-nil return value is ignored; a
// task that wants to run again schedules its own follow-up (e.g. via
// Worker.Defer or Worker.After) rather than being re-invoked automatically —
// unlike the timer below, which repeats when Every is set.
type Task func()

// taskQueue is the FIFO of deferred work drained once per reactor turn,
// directly grounded on the shard's single-goroutine command channels: a
// task enqueued mid-turn runs on the next turn, never re-entrantly.
type taskQueue struct {
	items []Task
}

func (q *taskQueue) push(t Task) {
	q.items = append(q.items, t)
}

// drain runs every queued task, in FIFO order, clears the queue, and
// returns how many tasks ran. Tasks enqueued by a running task are not run
// until the next drain call, so one slow chain of self-resubmitting tasks
// cannot starve the reactor's I/O handling within a single turn.
func (q *taskQueue) drain() int {
	items := q.items
	q.items = nil
	for _, t := range items {
		t()
	}
	return len(items)
}

func (q *taskQueue) len() int { return len(q.items) }

// timerEntry is one scheduled (or repeating) timer.
type timerEntry struct {
	deadline int64 // unix nanos
	every    int64 // repeat interval in nanos; 0 means one-shot
	task     Task
	onFinish func()
	canceled bool
	index    int // heap index, maintained by container/heap
}

// timerHeap is a min-heap on deadline, giving O(log n) schedule/cancel and
// O(1) peek-next-deadline, which is what the reactor's select loop needs to
// size its next blocking wait.
type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

var _ heap.Interface = (*timerHeap)(nil)
