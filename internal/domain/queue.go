package domain

import "time"

// QueueConfig holds the immutable configuration of a task queue. Fields are
// set at creation and only replaced wholesale via UpdateConfig.
type QueueConfig struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	MaxSize        int           `json:"max_size"`
	MaxRetries     int           `json:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay"`
	Active         bool          `json:"active"`
}

// QueueStats are the live counters of a queue. CurrentItems always equals
// the number of tasks admitted but not yet finalized, whatever their
// in-flight status.
type QueueStats struct {
	CurrentItems int        `json:"current_items"`
	TotalItems   int64      `json:"total_items"`
	Processed    int64      `json:"processed"`
	Failed       int64      `json:"failed"`
	Retried      int64      `json:"retried"`
	LastError    string     `json:"last_error,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// QueueInfo is the externally visible snapshot of a queue.
type QueueInfo struct {
	Config QueueConfig `json:"config"`
	Stats  QueueStats  `json:"stats"`
}
