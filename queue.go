package zonesigner

import (
	"container/heap"
	"time"
)

// wakeQueue is a min-heap of zone tasks ordered by wake instant. Each zone
// appears at most once; index is -1 while a task is not queued.
type wakeQueue []*zoneTask

func (q wakeQueue) Len() int { return len(q) }

func (q wakeQueue) Less(i, j int) bool {
	if q[i].wake.Equal(q[j].wake) {
		return q[i].zone < q[j].zone
	}
	return q[i].wake.Before(q[j].wake)
}

func (q wakeQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *wakeQueue) Push(x any) {
	t := x.(*zoneTask)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *wakeQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// schedule queues t at wake, or moves it there if already queued.
func (q *wakeQueue) schedule(t *zoneTask, wake time.Time) {
	t.wake = wake
	if t.index >= 0 {
		heap.Fix(q, t.index)
		return
	}
	heap.Push(q, t)
}

func (q *wakeQueue) remove(t *zoneTask) {
	if t.index >= 0 {
		heap.Remove(q, t.index)
	}
}

func (q wakeQueue) peek() *zoneTask {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// popDue removes and returns every task whose wake instant is not after now.
func (q *wakeQueue) popDue(now time.Time) []*zoneTask {
	var due []*zoneTask
	for q.Len() > 0 && !(*q)[0].wake.After(now) {
		due = append(due, heap.Pop(q).(*zoneTask))
	}
	return due
}
