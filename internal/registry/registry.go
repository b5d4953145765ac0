// Package registry tracks registered workers, their resource budgets, and
// their live load. ReserveSlot is the single admission point: its
// check-then-increment runs under the worker's own lock so two concurrent
// reservations can never both win the last slot.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/domain"
)

// Outcome describes how a released slot's attempt ended.
type Outcome int

const (
	// OutcomeCompleted counts toward the worker's completed tally.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed counts toward the worker's failed tally.
	OutcomeFailed
	// OutcomeRetried counts toward the worker's retry tally.
	OutcomeRetried
	// OutcomeCancelled releases the slot without touching failure counters.
	OutcomeCancelled
)

type workerState struct {
	mu     sync.Mutex
	config domain.WorkerConfig
	stats  domain.WorkerStats
}

// Registry owns the worker table. The registry-level lock guards the map;
// each worker's counters are guarded by the worker's own lock.
type Registry struct {
	mu      sync.RWMutex
	clock   clock.Clock
	logger  *slog.Logger
	workers map[string]*workerState
}

// New creates an empty Registry.
func New(clk clock.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clock:   clk,
		logger:  logger,
		workers: make(map[string]*workerState),
	}
}

func validateWorkerConfig(cfg domain.WorkerConfig) error {
	if cfg.ID == "" {
		return &domain.InvalidConfigError{Field: "id", Reason: "must not be empty"}
	}
	if cfg.MaxConcurrentTasks <= 0 {
		return &domain.InvalidConfigError{Field: "max_concurrent_tasks", Reason: "must be greater than 0"}
	}
	if cfg.CPUBudget <= 0 {
		return &domain.InvalidConfigError{Field: "cpu_budget", Reason: "must be greater than 0"}
	}
	if cfg.MemoryBudget <= 0 {
		return &domain.InvalidConfigError{Field: "memory_budget", Reason: "must be greater than 0"}
	}
	if cfg.GPUBudget < 0 {
		return &domain.InvalidConfigError{Field: "gpu_budget", Reason: "must not be negative"}
	}
	if cfg.Timeout <= 0 {
		return &domain.InvalidConfigError{Field: "timeout", Reason: "must be greater than 0"}
	}
	return nil
}

// Register adds a worker. Fails on duplicate IDs and zero capacity fields.
func (r *Registry) Register(cfg domain.WorkerConfig) error {
	if err := validateWorkerConfig(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[cfg.ID]; ok {
		return &domain.WorkerExistsError{WorkerID: cfg.ID}
	}
	r.workers[cfg.ID] = &workerState{config: cfg}
	r.logger.Info("worker registered",
		slog.String("worker_id", cfg.ID),
		slog.Int("max_concurrent_tasks", cfg.MaxConcurrentTasks),
	)
	return nil
}

// Deregister removes a worker. The scheduler is responsible for cancelling
// the worker's open assignments; the registry only forgets the entry.
func (r *Registry) Deregister(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[workerID]; !ok {
		return &domain.NotFoundError{Kind: "worker", ID: workerID}
	}
	delete(r.workers, workerID)
	r.logger.Info("worker deregistered", slog.String("worker_id", workerID))
	return nil
}

// SetActive enables or disables a worker. Inactive workers are skipped by
// Eligible; their in-flight assignments run to completion.
func (r *Registry) SetActive(workerID string, active bool) error {
	w, err := r.get(workerID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.config.Active = active
	w.mu.Unlock()
	r.logger.Info("worker active flag changed",
		slog.String("worker_id", workerID),
		slog.Bool("active", active),
	)
	return nil
}

// UpdateConfig replaces a worker's configuration wholesale. Live counters
// are untouched.
func (r *Registry) UpdateConfig(workerID string, cfg domain.WorkerConfig) error {
	if err := validateWorkerConfig(cfg); err != nil {
		return err
	}
	w, err := r.get(workerID)
	if err != nil {
		return err
	}
	cfg.ID = workerID
	w.mu.Lock()
	w.config = cfg
	w.mu.Unlock()
	r.logger.Info("worker config updated", slog.String("worker_id", workerID))
	return nil
}

// satisfies reports whether the worker can take on the requirements given
// its remaining budget and capability tags. Caller holds w.mu.
func satisfies(w *workerState, req domain.Requirements) bool {
	if w.stats.CPUUsed+req.MinCPU > w.config.CPUBudget {
		return false
	}
	if w.stats.MemoryUsed+req.MinMemory > w.config.MemoryBudget {
		return false
	}
	if w.stats.GPUUsed+req.MinGPU > w.config.GPUBudget {
		return false
	}
	for _, cap := range req.Capabilities {
		found := false
		for _, have := range w.config.Capabilities {
			if have == cap {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ReserveSlot atomically claims one concurrency slot and the task's
// resource share on the worker. Returns false without mutating anything
// when the worker is inactive, at max concurrency, or cannot satisfy the
// requirements.
func (r *Registry) ReserveSlot(workerID string, req domain.Requirements) (bool, error) {
	w, err := r.get(workerID)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.config.Active {
		return false, nil
	}
	if w.stats.CurrentTasks >= w.config.MaxConcurrentTasks {
		return false, nil
	}
	if !satisfies(w, req) {
		return false, nil
	}

	w.stats.CurrentTasks++
	w.stats.TotalTasks++
	w.stats.CPUUsed += req.MinCPU
	w.stats.MemoryUsed += req.MinMemory
	w.stats.GPUUsed += req.MinGPU
	now := r.clock.Now()
	w.stats.LastTaskTime = &now
	return true, nil
}

// ReleaseSlot returns a slot and its resource share, updating the outcome
// counters. Releasing on a worker that has since been deregistered is a
// no-op: completion reports may arrive after removal.
func (r *Registry) ReleaseSlot(workerID string, req domain.Requirements, outcome Outcome, taskErr string) {
	w, err := r.get(workerID)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stats.CurrentTasks > 0 {
		w.stats.CurrentTasks--
	}
	w.stats.CPUUsed -= req.MinCPU
	w.stats.MemoryUsed -= req.MinMemory
	w.stats.GPUUsed -= req.MinGPU

	switch outcome {
	case OutcomeCompleted:
		w.stats.Completed++
	case OutcomeFailed:
		w.stats.Failed++
		w.stats.LastError = taskErr
	case OutcomeRetried:
		w.stats.Retries++
		w.stats.LastError = taskErr
	case OutcomeCancelled:
		// Capacity loss, not a task failure: counters untouched.
	}
}

// Eligible returns snapshots of active workers that currently pass both the
// free-slot check and the requirement filter, sorted by ascending worker ID
// so selection strategies see a stable order.
func (r *Registry) Eligible(req domain.Requirements) []domain.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.WorkerInfo
	for _, w := range r.workers {
		w.mu.Lock()
		ok := w.config.Active &&
			w.stats.CurrentTasks < w.config.MaxConcurrentTasks &&
			satisfies(w, req)
		info := domain.WorkerInfo{Config: w.config, Stats: w.stats}
		w.mu.Unlock()
		if ok {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// Get returns a snapshot of one worker.
func (r *Registry) Get(workerID string) (domain.WorkerInfo, error) {
	w, err := r.get(workerID)
	if err != nil {
		return domain.WorkerInfo{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return domain.WorkerInfo{Config: w.config, Stats: w.stats}, nil
}

// List returns snapshots of all workers sorted by ID.
func (r *Registry) List() []domain.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		w.mu.Lock()
		out = append(out, domain.WorkerInfo{Config: w.config, Stats: w.stats})
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

func (r *Registry) get(workerID string) (*workerState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "worker", ID: workerID}
	}
	return w, nil
}
