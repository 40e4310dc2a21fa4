// Package timerwheel maintains a min-heap of (enqueue_at, task_id) pairs
// for Stashed tasks scheduled to auto-enqueue in the future (spec §4.4).
package timerwheel

import (
	"container/heap"
	"time"
)

// entry is one scheduled auto-enqueue.
type entry struct {
	enqueueAt time.Time
	taskID    int64
}

type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].enqueueAt.Before(h[j].enqueueAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Due is a task whose scheduled enqueue time has arrived.
type Due struct {
	TaskID    int64
	EnqueueAt time.Time
}

// Wheel is a min-heap of pending scheduled enqueues. It is not safe for
// concurrent use; the Dispatcher is its only caller, consistent with the
// single-writer design (spec §9).
type Wheel struct {
	h entryHeap
}

// New creates an empty Wheel.
func New() *Wheel {
	w := &Wheel{h: entryHeap{}}
	heap.Init(&w.h)
	return w
}

// Schedule pushes a new (enqueueAt, taskID) entry.
func (w *Wheel) Schedule(taskID int64, enqueueAt time.Time) {
	heap.Push(&w.h, entry{enqueueAt: enqueueAt, taskID: taskID})
}

// PopDue removes and returns every entry whose enqueueAt is at or before
// now. The caller must validate each Due against the task's current
// status and enqueue_at before acting on it - a stashed task may have
// been re-stashed with a new time, removed, or manually enqueued since
// this entry was scheduled (spec §4.4: "otherwise the entry is
// discarded").
func (w *Wheel) PopDue(now time.Time) []Due {
	var due []Due
	for w.h.Len() > 0 && !w.h[0].enqueueAt.After(now) {
		e := heap.Pop(&w.h).(entry)
		due = append(due, Due{TaskID: e.taskID, EnqueueAt: e.enqueueAt})
	}
	return due
}

// Len reports the number of pending entries, used for diagnostics.
func (w *Wheel) Len() int {
	return w.h.Len()
}
