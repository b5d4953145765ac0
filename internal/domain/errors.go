package domain

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when an entity ID does not exist.
// Kind is one of "queue", "worker", "task", "assignment", "job", "run".
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// InactiveError is returned when an operation targets a disabled entity.
type InactiveError struct {
	Kind string
	ID   string
}

func (e *InactiveError) Error() string {
	return fmt.Sprintf("%s %s is not active", e.Kind, e.ID)
}

// CapacityExceededError is returned when a queue is at max_size or a worker
// is at max_concurrent_tasks.
type CapacityExceededError struct {
	Kind  string
	ID    string
	Limit int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("%s %s has reached capacity (%d)", e.Kind, e.ID, e.Limit)
}

// InvalidConfigError is returned when a configuration field is zero,
// negative, or otherwise malformed.
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// InvalidScheduleError is returned when a job schedule string cannot be
// parsed as "HH:MM" or a standard cron expression.
type InvalidScheduleError struct {
	Schedule string
	Reason   string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %s", e.Schedule, e.Reason)
}

// NoEligibleWorkerError is returned when no registered worker passes the
// capacity and capability filters for a task. Capacity absence is not a
// task failure: callers retry on their own cadence.
type NoEligibleWorkerError struct {
	TaskID string
}

func (e *NoEligibleWorkerError) Error() string {
	return fmt.Sprintf("no eligible worker for task %s", e.TaskID)
}

// WorkerExistsError is returned on duplicate worker registration.
type WorkerExistsError struct {
	WorkerID string
}

func (e *WorkerExistsError) Error() string {
	return fmt.Sprintf("worker already registered: %s", e.WorkerID)
}

// QueueExistsError is returned on duplicate queue creation.
type QueueExistsError struct {
	QueueID string
}

func (e *QueueExistsError) Error() string {
	return fmt.Sprintf("queue already exists: %s", e.QueueID)
}

// JobExistsError is returned on duplicate job registration.
type JobExistsError struct {
	JobID string
}

func (e *JobExistsError) Error() string {
	return fmt.Sprintf("job already exists: %s", e.JobID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsCapacityExceeded reports whether err is a CapacityExceededError.
func IsCapacityExceeded(err error) bool {
	var ce *CapacityExceededError
	return errors.As(err, &ce)
}

// IsNoEligibleWorker reports whether err is a NoEligibleWorkerError.
func IsNoEligibleWorker(err error) bool {
	var ne *NoEligibleWorkerError
	return errors.As(err, &ne)
}
