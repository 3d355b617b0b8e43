// Package taskqueue implements the shared priority queue feeding the
// worker set. Ordering is (priority, created_at) with FIFO tie-break;
// lower priority numbers are more urgent. Tasks carrying a future
// scheduled_at stay invisible to Pop until they come due.
package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

type item struct {
	task  domain.Task
	seq   uint64
	index int
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe blocking priority queue.
type Queue struct {
	mu     sync.Mutex
	heap   taskHeap
	seq    uint64
	signal chan struct{}
	now    func() time.Time
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		signal: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Push enqueues a task and wakes one blocked Pop.
func (q *Queue) Push(task domain.Task) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.heap, &item{task: task, seq: q.seq})
	q.mu.Unlock()
	q.wake()
}

// Pop blocks until a due task is available, the timeout elapses, or ctx
// is cancelled. It returns the most urgent due task; tasks scheduled in
// the future do not block more urgent due tasks behind them.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (domain.Task, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		task, ok, untilDue := q.popDueLocked(q.now())
		q.mu.Unlock()
		if ok {
			return task, true
		}

		var dueC <-chan time.Time
		var dueTimer *time.Timer
		if untilDue > 0 {
			dueTimer = time.NewTimer(untilDue)
			dueC = dueTimer.C
		}
		select {
		case <-q.signal:
		case <-dueC:
		case <-deadline.C:
			stopTimer(dueTimer)
			return domain.Task{}, false
		case <-ctx.Done():
			stopTimer(dueTimer)
			return domain.Task{}, false
		}
		stopTimer(dueTimer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// popDueLocked removes and returns the most urgent due task. When no
// task is due it reports how long until the earliest scheduled one
// becomes due (zero when the queue is empty).
func (q *Queue) popDueLocked(now time.Time) (domain.Task, bool, time.Duration) {
	best := -1
	var untilDue time.Duration
	for i, it := range q.heap {
		if it.task.ScheduledAt.After(now) {
			d := it.task.ScheduledAt.Sub(now)
			if untilDue == 0 || d < untilDue {
				untilDue = d
			}
			continue
		}
		if best == -1 || q.heap.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return domain.Task{}, false, untilDue
	}
	it := heap.Remove(&q.heap, best).(*item)
	return it.task, true, 0
}

// Peek returns the most urgent due task without removing it.
func (q *Queue) Peek() (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	best := -1
	for i, it := range q.heap {
		if it.task.ScheduledAt.After(now) {
			continue
		}
		if best == -1 || q.heap.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return domain.Task{}, false
	}
	return q.heap[best].task, true
}

// Remove deletes a pending task by id. Used by cancel.
func (q *Queue) Remove(id string) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.heap {
		if it.task.ID == id {
			removed := heap.Remove(&q.heap, i).(*item)
			return removed.task, true
		}
	}
	return domain.Task{}, false
}

// Len reports the number of queued tasks, including not-yet-due ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// setClock overrides the time source; tests only.
func (q *Queue) setClock(now func() time.Time) { q.now = now }
