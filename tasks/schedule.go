package tasks

import (
	"container/heap"
	"time"
)

// deadlineEntry schedules one task's completion instant.
type deadlineEntry struct {
	at     time.Time
	taskID string
}

// deadlineHeap is a min-heap of completion deadlines. A single timer armed
// to the earliest entry drives exact-delay completion; the periodic rescan
// tick sweeps anything the timer missed (suspended process, clock jumps).
type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// scheduleLocked pushes a deadline and re-arms the timer if this entry is
// now the earliest. Duplicate entries per task id are prevented by the
// scheduled set. Caller holds e.mu.
func (e *Engine) scheduleLocked(taskID string, at time.Time) {
	if e.scheduled[taskID] {
		return
	}
	e.scheduled[taskID] = true
	heap.Push(&e.deadlines, deadlineEntry{at: at, taskID: taskID})
	e.armTimerLocked()
}

// popDueLocked removes and returns all entries due at or before now.
// Caller holds e.mu.
func (e *Engine) popDueLocked(now time.Time) []string {
	var due []string
	for e.deadlines.Len() > 0 && !e.deadlines[0].at.After(now) {
		entry := heap.Pop(&e.deadlines).(deadlineEntry)
		delete(e.scheduled, entry.taskID)
		due = append(due, entry.taskID)
	}
	return due
}

// armTimerLocked points the single completion timer at the earliest
// deadline, replacing any previously armed timer. Caller holds e.mu.
func (e *Engine) armTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.sweepOnly || !e.running || e.deadlines.Len() == 0 {
		return
	}
	delay := e.deadlines[0].at.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	ctx := e.runCtx
	e.timer = e.clock.AfterFunc(delay, func() {
		e.processDue(ctx)
	})
}

// clearScheduleLocked drops every pending deadline and stops the timer.
// Caller holds e.mu.
func (e *Engine) clearScheduleLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.deadlines = nil
	e.scheduled = make(map[string]bool)
}
