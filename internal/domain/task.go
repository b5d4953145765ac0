package domain

import "time"

// Status represents the states a task, assignment, or job run can be in.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAssigned  Status = "ASSIGNED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut || s == StatusCancelled
}

// Requirements describes what a task needs from the worker that runs it.
// Resource minimums are absolute magnitudes in the same units as the
// worker's budget fields; Capabilities must all be present in the worker's
// tag set.
type Requirements struct {
	MinCPU       float64  `json:"min_cpu"`
	MinMemory    float64  `json:"min_memory"`
	MinGPU       float64  `json:"min_gpu"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Task is a unit of work submitted to a queue and eventually bound to a
// worker through an Assignment.
type Task struct {
	ID           string       `json:"id"`
	QueueID      string       `json:"queue_id"`
	Payload      []byte       `json:"payload"`
	Priority     int          `json:"priority"`
	Requirements Requirements `json:"requirements"`
	Status       Status       `json:"status"`
	RetryCount   int          `json:"retry_count"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Deadline     *time.Time   `json:"deadline,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
}

// Assignment binds one attempt of a task to one worker with a deadline.
// A task may accumulate several assignments across retries, but at most one
// is open (EndTime == nil) at any instant.
type Assignment struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	WorkerID  string     `json:"worker_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Deadline  time.Time  `json:"deadline"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
}

// Open reports whether the assignment is still in flight.
func (a *Assignment) Open() bool { return a.EndTime == nil }
