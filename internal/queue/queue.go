// Package queue implements bounded, priority-ordered task queues. The
// Manager owns every queue's configuration, live counters, and task table;
// all mutations happen under its lock so the capacity and counting
// invariants hold under concurrent callers.
package queue

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/domain"
)

type queueState struct {
	config  domain.QueueConfig
	stats   domain.QueueStats
	pending taskHeap
	// entries holds every non-terminal task of the queue, pending or not.
	entries map[string]*entry
	nextSeq uint64
}

// Manager coordinates all task queues behind a single lock.
type Manager struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *slog.Logger
	queues map[string]*queueState
	// byTask maps a task ID to its owning queue for O(1) lookups.
	byTask map[string]string
}

// NewManager creates an empty queue Manager.
func NewManager(clk clock.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clock:  clk,
		logger: logger,
		queues: make(map[string]*queueState),
		byTask: make(map[string]string),
	}
}

func validateQueueConfig(cfg domain.QueueConfig) error {
	if cfg.ID == "" {
		return &domain.InvalidConfigError{Field: "id", Reason: "must not be empty"}
	}
	if cfg.MaxSize <= 0 {
		return &domain.InvalidConfigError{Field: "max_size", Reason: "must be greater than 0"}
	}
	if cfg.MaxRetries < 0 {
		return &domain.InvalidConfigError{Field: "max_retries", Reason: "must not be negative"}
	}
	if cfg.RetryBaseDelay <= 0 {
		return &domain.InvalidConfigError{Field: "retry_base_delay", Reason: "must be greater than 0"}
	}
	return nil
}

// Add registers a new queue.
func (m *Manager) Add(cfg domain.QueueConfig) error {
	if err := validateQueueConfig(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[cfg.ID]; ok {
		return &domain.QueueExistsError{QueueID: cfg.ID}
	}
	m.queues[cfg.ID] = &queueState{
		config:  cfg,
		entries: make(map[string]*entry),
	}
	m.logger.Info("queue added", slog.String("queue_id", cfg.ID), slog.Int("max_size", cfg.MaxSize))
	return nil
}

// Remove drops a queue and every task in it. All non-terminal tasks are
// marked CANCELLED and returned so the scheduler can tear down any open
// assignments referencing them.
func (m *Manager) Remove(queueID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queueID]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "queue", ID: queueID}
	}

	cancelled := make([]domain.Task, 0, len(q.entries))
	for id, e := range q.entries {
		e.task.Status = domain.StatusCancelled
		e.task.UpdatedAt = m.clock.Now()
		cancelled = append(cancelled, *e.task)
		delete(m.byTask, id)
	}
	delete(m.queues, queueID)

	m.logger.Info("queue removed",
		slog.String("queue_id", queueID),
		slog.Int("cancelled_tasks", len(cancelled)),
	)
	return cancelled, nil
}

// SetActive enables or disables a queue. A disabled queue rejects enqueues
// and dequeues but keeps its tasks.
func (m *Manager) SetActive(queueID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queueID]
	if !ok {
		return &domain.NotFoundError{Kind: "queue", ID: queueID}
	}
	q.config.Active = active
	m.logger.Info("queue active flag changed",
		slog.String("queue_id", queueID),
		slog.Bool("active", active),
	)
	return nil
}

// UpdateConfig replaces a queue's configuration wholesale. Live counters
// are untouched; the new max_size applies to subsequent enqueues only.
func (m *Manager) UpdateConfig(queueID string, cfg domain.QueueConfig) error {
	if err := validateQueueConfig(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queueID]
	if !ok {
		return &domain.NotFoundError{Kind: "queue", ID: queueID}
	}
	cfg.ID = queueID
	q.config = cfg
	m.logger.Info("queue config updated", slog.String("queue_id", queueID))
	return nil
}

// Get returns a snapshot of one queue.
func (m *Manager) Get(queueID string) (domain.QueueInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queueID]
	if !ok {
		return domain.QueueInfo{}, &domain.NotFoundError{Kind: "queue", ID: queueID}
	}
	return domain.QueueInfo{Config: q.config, Stats: q.stats}, nil
}

// List returns snapshots of all queues.
func (m *Manager) List() []domain.QueueInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.QueueInfo, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, domain.QueueInfo{Config: q.config, Stats: q.stats})
	}
	return out
}

// EnqueueOption configures an enqueued task.
type EnqueueOption func(*domain.Task)

// WithRequirements attaches worker requirements to the task.
func WithRequirements(req domain.Requirements) EnqueueOption {
	return func(t *domain.Task) { t.Requirements = req }
}

// WithDeadline sets an absolute completion deadline on the task. It caps
// the per-assignment deadline when it is tighter than the worker timeout.
func WithDeadline(deadline time.Time) EnqueueOption {
	return func(t *domain.Task) { t.Deadline = &deadline }
}

// Enqueue admits a new task. Fails when the queue is unknown, inactive, or
// already holds max_size tasks; counters are untouched on failure.
func (m *Manager) Enqueue(queueID string, payload []byte, priority int, opts ...EnqueueOption) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queueID]
	if !ok {
		return domain.Task{}, &domain.NotFoundError{Kind: "queue", ID: queueID}
	}
	if !q.config.Active {
		return domain.Task{}, &domain.InactiveError{Kind: "queue", ID: queueID}
	}
	if q.stats.CurrentItems >= q.config.MaxSize {
		return domain.Task{}, &domain.CapacityExceededError{Kind: "queue", ID: queueID, Limit: q.config.MaxSize}
	}

	now := m.clock.Now()
	task := &domain.Task{
		ID:        uuid.New().String(),
		QueueID:   queueID,
		Payload:   payload,
		Priority:  priority,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(task)
	}

	e := &entry{task: task, seq: q.nextSeq}
	q.nextSeq++
	q.entries[task.ID] = e
	heap.Push(&q.pending, e)
	m.byTask[task.ID] = queueID

	q.stats.CurrentItems++
	q.stats.TotalItems++
	q.stats.LastActivity = &now

	m.logger.Info("task enqueued",
		slog.String("task_id", task.ID),
		slog.String("queue_id", queueID),
		slog.Int("priority", priority),
	)
	return *task, nil
}

// Dequeue pops the pending task with the highest priority, earliest
// created_at among equals. The task transitions to ASSIGNED and stays
// counted in current_items; callers must hand it to a worker or put it
// back with Release. Returns ok=false when no task is pending.
func (m *Manager) Dequeue(queueID string) (domain.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queueID]
	if !ok {
		return domain.Task{}, false, &domain.NotFoundError{Kind: "queue", ID: queueID}
	}
	if !q.config.Active {
		return domain.Task{}, false, &domain.InactiveError{Kind: "queue", ID: queueID}
	}
	if q.pending.Len() == 0 {
		return domain.Task{}, false, nil
	}

	e := heap.Pop(&q.pending).(*entry)
	e.task.Status = domain.StatusAssigned
	e.task.UpdatedAt = m.clock.Now()
	return *e.task, true, nil
}

// Release returns a dequeued task to the pending pool unchanged: no retry
// increment, original admission sequence, counters untouched. Used when no
// worker was eligible, a worker was deregistered mid-flight, or a retry
// backoff delay has elapsed. Releasing a task already in the pool is a
// no-op.
func (m *Manager) Release(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, e, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	if e.idx >= 0 {
		return nil
	}
	e.task.Status = domain.StatusPending
	e.task.UpdatedAt = m.clock.Now()
	heap.Push(&q.pending, e)
	return nil
}

// Requeue marks a task that failed within its deadline for another
// attempt: the retry count and the queue's retried counter increment, but
// the task does not rejoin the pending pool until Release is called once
// the backoff delay has elapsed. Capacity is not re-checked (the task
// never left current_items). Returns the updated task so callers can
// compute the delay from its new retry count.
func (m *Manager) Requeue(taskID string, taskErr string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, e, err := m.lookup(taskID)
	if err != nil {
		return domain.Task{}, err
	}

	e.task.Status = domain.StatusPending
	e.task.RetryCount++
	e.task.LastError = taskErr
	e.task.UpdatedAt = m.clock.Now()

	q.stats.Retried++
	m.logger.Info("task marked for retry",
		slog.String("task_id", taskID),
		slog.Int("retry_count", e.task.RetryCount),
	)
	return *e.task, nil
}

// MarkRunning transitions an assigned task to RUNNING.
func (m *Manager) MarkRunning(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, e, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	e.task.Status = domain.StatusRunning
	e.task.UpdatedAt = m.clock.Now()
	return nil
}

// Finalize moves a task to a terminal status and settles the queue
// counters: current_items is decremented exactly once, processed/failed
// bumped per outcome, and the task leaves the table. The final task
// snapshot is returned for audit and event sinks.
func (m *Manager) Finalize(taskID string, status domain.Status, taskErr string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, e, err := m.lookup(taskID)
	if err != nil {
		return domain.Task{}, err
	}

	now := m.clock.Now()
	e.task.Status = status
	e.task.LastError = taskErr
	e.task.UpdatedAt = now

	// A task finalized while still pending must leave the heap too.
	if e.idx >= 0 {
		heap.Remove(&q.pending, e.idx)
	}

	q.stats.CurrentItems--
	switch status {
	case domain.StatusCompleted:
		q.stats.Processed++
	case domain.StatusFailed, domain.StatusTimedOut:
		q.stats.Failed++
		q.stats.LastError = taskErr
	}
	q.stats.LastActivity = &now

	delete(q.entries, taskID)
	delete(m.byTask, taskID)

	m.logger.Info("task finalized",
		slog.String("task_id", taskID),
		slog.String("status", string(status)),
	)
	return *e.task, nil
}

// Task returns a snapshot of a live (non-finalized) task.
func (m *Manager) Task(taskID string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, e, err := m.lookup(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	return *e.task, nil
}

// Tasks returns snapshots of all live tasks in a queue.
func (m *Manager) Tasks(queueID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queueID]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "queue", ID: queueID}
	}
	out := make([]domain.Task, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e.task)
	}
	return out, nil
}

// lookup resolves a task to its queue state and entry. Caller holds m.mu.
func (m *Manager) lookup(taskID string) (*queueState, *entry, error) {
	queueID, ok := m.byTask[taskID]
	if !ok {
		return nil, nil, &domain.NotFoundError{Kind: "task", ID: taskID}
	}
	q := m.queues[queueID]
	e, ok := q.entries[taskID]
	if !ok {
		return nil, nil, &domain.NotFoundError{Kind: "task", ID: taskID}
	}
	return q, e, nil
}
