// Package tasks implements the synthetic task pipeline: batch generation
// weighted by type distribution, plan-capped progression from pending to
// processing, and deadline-driven completion with rewards gated on backend
// acknowledgment.
package tasks

import (
	"time"

	"swarmnode/config"
)

// Status is a task's pipeline state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is one synthetic job. Transitions are strictly ordered:
// pending → processing → completed|failed.
type Task struct {
	ID              string          `json:"id"`
	Type            config.TaskType `json:"type"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ProcessingStart *time.Time      `json:"processing_start,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ComputeTime     int64           `json:"compute_time,omitempty"` // seconds
	RewardAmount    int64           `json:"reward_amount,omitempty"`
	NodeID          string          `json:"node_id"`
	Model           string          `json:"model"`
	Prompt          string          `json:"prompt"`
}

// Stats are the per-status task counters. They are always recomputed from
// the task list, never loaded from storage.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the sum of all counters.
func (s Stats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}

func computeStats(tasks []*Task) Stats {
	var s Stats
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// pickType samples a task type from the cumulative distribution. The
// comparison order follows config.TaskTypes; the first interval containing
// the sample wins.
func pickType(sample float64) config.TaskType {
	cumulative := 0.0
	for _, typ := range config.TaskTypes {
		cumulative += config.Distribution[typ]
		if sample < cumulative {
			return typ
		}
	}
	return config.TaskTypes[len(config.TaskTypes)-1]
}
