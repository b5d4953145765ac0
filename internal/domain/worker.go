package domain

import "time"

// WorkerConfig holds the immutable configuration of a registered worker.
// CPUBudget, MemoryBudget, and GPUBudget are absolute resource magnitudes;
// RatedCapacity is the worker's declared throughput used by the
// capacity-weighted selection strategy. Timeout bounds each assignment.
type WorkerConfig struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	CPUBudget          float64       `json:"cpu_budget"`
	MemoryBudget       float64       `json:"memory_budget"`
	GPUBudget          float64       `json:"gpu_budget"`
	RatedCapacity      float64       `json:"rated_capacity"`
	Capabilities       []string      `json:"capabilities,omitempty"`
	Timeout            time.Duration `json:"timeout"`
	Active             bool          `json:"active"`
}

// WorkerStats are the live counters of a worker. CurrentTasks always equals
// the count of open assignments on the worker and never exceeds
// MaxConcurrentTasks.
type WorkerStats struct {
	CurrentTasks int        `json:"current_tasks"`
	TotalTasks   int64      `json:"total_tasks"`
	Completed    int64      `json:"completed"`
	Failed       int64      `json:"failed"`
	Retries      int64      `json:"retries"`
	CPUUsed      float64    `json:"cpu_used"`
	MemoryUsed   float64    `json:"memory_used"`
	GPUUsed      float64    `json:"gpu_used"`
	LastTaskTime *time.Time `json:"last_task_time,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// WorkerInfo is the externally visible snapshot of a worker.
type WorkerInfo struct {
	Config WorkerConfig `json:"config"`
	Stats  WorkerStats  `json:"stats"`
}

// MeanUtilization is the average of the CPU, memory, and GPU budget
// fractions currently in use, in [0,1]. Budgets of zero contribute zero.
func (w *WorkerInfo) MeanUtilization() float64 {
	var cpu, mem, gpu float64
	if w.Config.CPUBudget > 0 {
		cpu = w.Stats.CPUUsed / w.Config.CPUBudget
	}
	if w.Config.MemoryBudget > 0 {
		mem = w.Stats.MemoryUsed / w.Config.MemoryBudget
	}
	if w.Config.GPUBudget > 0 {
		gpu = w.Stats.GPUUsed / w.Config.GPUBudget
	}
	return (cpu + mem + gpu) / 3
}
