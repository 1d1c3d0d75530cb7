package tasks

import (
	"time"

	"swarmnode/config"
)

// lockBuffer pads the stale-lock horizon past the worst-case completion
// time, covering the remote acknowledgment round trip.
const lockBuffer = 90 * time.Second

// processingLock guards completion attempts: at most one attempt per task id
// may be in flight. The timeout is derived from the current hardware tier's
// worst-case completion time, so a tier change moves the stale horizon too.
type processingLock struct {
	TaskID     string
	Holder     string
	AcquiredAt time.Time
}

// acquireLockLocked takes the completion lock for taskID. It fails when a
// fresh lock is held, whether for this task (duplicate attempt) or another
// (completions are serialized). A lock past its timeout is force-released.
// Caller holds e.mu.
func (e *Engine) acquireLockLocked(taskID string) bool {
	now := e.clock.Now()
	if e.lock != nil {
		timeout := config.WorstCaseCompletionTime(e.tier) + lockBuffer
		if now.Sub(e.lock.AcquiredAt) <= timeout {
			return false
		}
		if e.logger != nil {
			e.logger.Warn("releasing stale task lock",
				"task_id", e.lock.TaskID,
				"holder", e.lock.Holder,
				"held_for", now.Sub(e.lock.AcquiredAt))
		}
	}
	e.lock = &processingLock{TaskID: taskID, Holder: e.holder, AcquiredAt: now}
	return true
}

// releaseLockLocked drops the lock if this engine holds it for taskID.
// Caller holds e.mu.
func (e *Engine) releaseLockLocked(taskID string) {
	if e.lock != nil && e.lock.TaskID == taskID && e.lock.Holder == e.holder {
		e.lock = nil
	}
}
