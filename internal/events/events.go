// Package events defines the lifecycle event stream the core publishes for
// external observers. Sinks are optional and best-effort: a failing sink is
// logged and never blocks or reorders core state transitions.
package events

import (
	"context"
	"time"

	"github.com/taskgrid/taskgrid/internal/domain"
)

// Type identifies a lifecycle transition.
type Type string

const (
	TaskEnqueued  Type = "task.enqueued"
	TaskAssigned  Type = "task.assigned"
	TaskRetried   Type = "task.retried"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskTimedOut  Type = "task.timed_out"
	TaskCancelled Type = "task.cancelled"
	JobRunStarted Type = "job.run_started"
	JobRunEnded   Type = "job.run_ended"
)

// Event is one lifecycle transition. Exactly one of Task/Run is set for
// task and job events respectively; Assignment accompanies task events
// that involve a worker.
type Event struct {
	Type       Type               `json:"type"`
	At         time.Time          `json:"at"`
	Task       *domain.Task       `json:"task,omitempty"`
	Assignment *domain.Assignment `json:"assignment,omitempty"`
	Run        *domain.JobRun     `json:"run,omitempty"`
}

// Key returns the partitioning key for the event: the task or run ID, so
// all events of one entity land on one partition in order.
func (e Event) Key() string {
	switch {
	case e.Task != nil:
		return e.Task.ID
	case e.Run != nil:
		return e.Run.ID
	default:
		return ""
	}
}

// Sink receives lifecycle events.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }
