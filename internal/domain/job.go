package domain

import "time"

// JobConfig holds the configuration of a recurring job. Schedule is either
// a plain "HH:MM" daily time or a standard five-field cron expression.
// RetryDelay is a flat delay between retry attempts (not exponential).
type JobConfig struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Schedule   string        `json:"schedule"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
	Active     bool          `json:"active"`
}

// JobStats are the live counters of a recurring job. AverageDuration is
// smoothed with factor 0.5: new = (old + latest) / 2.
type JobStats struct {
	TotalRuns       int64         `json:"total_runs"`
	SuccessfulRuns  int64         `json:"successful_runs"`
	FailedRuns      int64         `json:"failed_runs"`
	RetryCount      int           `json:"retry_count"`
	LastRunTime     *time.Time    `json:"last_run_time,omitempty"`
	NextRunTime     *time.Time    `json:"next_run_time,omitempty"`
	AverageDuration time.Duration `json:"average_duration"`
	LastError       string        `json:"last_error,omitempty"`
}

// JobInfo is the externally visible snapshot of a recurring job.
type JobInfo struct {
	Config JobConfig `json:"config"`
	Stats  JobStats  `json:"stats"`
}

// JobRun records a single execution of a recurring job. Attempt is 0 for a
// regularly scheduled run and counts up across retry runs of the same
// scheduled occurrence.
type JobRun struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	Attempt   int        `json:"attempt"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
}
