// Package scheduler binds the queues to the worker registry: it drains
// pending tasks, picks a worker through the configured selection strategy,
// tracks the resulting assignments, and settles completion reports
// (including deadline expiry and retry backoff).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/internal/events"
	"github.com/taskgrid/taskgrid/internal/queue"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/strategy"
	"github.com/taskgrid/taskgrid/pkg/retry"
	"github.com/taskgrid/taskgrid/pkg/telemetry"
)

// EnqueueLimiter gates task admission per queue. A nil limiter admits
// everything.
type EnqueueLimiter interface {
	Allow(ctx context.Context, queueID string) (bool, error)
}

// StateMirror receives best-effort status updates for external lookups.
type StateMirror interface {
	SetStatus(ctx context.Context, taskID string, status domain.Status) error
}

// Auditor persists task and assignment records. Calls are best-effort.
type Auditor interface {
	RecordTask(ctx context.Context, task domain.Task) error
	RecordAssignment(ctx context.Context, a domain.Assignment) error
}

type assignmentState struct {
	a       domain.Assignment
	queueID string
	req     domain.Requirements
}

// Scheduler owns every open assignment and the timers that drive deadline
// expiry and retry backoff. Queue and worker state stay in their owning
// packages; the scheduler only calls across.
type Scheduler struct {
	queues  *queue.Manager
	workers *registry.Registry
	strat   strategy.Strategy
	clk     clock.Clock
	logger  *slog.Logger
	sink    events.Sink    // nil = no event stream
	limiter EnqueueLimiter // nil = no admission limit
	mirror  StateMirror    // nil = no external state mirror
	audit   Auditor        // nil = no audit trail

	pollInterval time.Duration

	mu          sync.Mutex
	assignments map[string]*assignmentState
	byTask      map[string]string              // task ID -> open assignment ID
	byWorker    map[string]map[string]struct{} // worker ID -> open assignment IDs
	deadlines   map[string]clock.Timer         // assignment ID -> expiry timer
	backoffs    map[string]clock.Timer         // task ID -> retry readmission timer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithSink(sink events.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

func WithLimiter(l EnqueueLimiter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

func WithMirror(m StateMirror) Option {
	return func(s *Scheduler) { s.mirror = m }
}

func WithAuditor(a Auditor) Option {
	return func(s *Scheduler) { s.audit = a }
}

// WithPollInterval sets how often Run sweeps the queues.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// New wires a Scheduler over the given queues, registry, and strategy.
func New(queues *queue.Manager, workers *registry.Registry, strat strategy.Strategy, clk clock.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		queues:       queues,
		workers:      workers,
		strat:        strat,
		clk:          clk,
		logger:       slog.Default(),
		pollInterval: 250 * time.Millisecond,
		assignments:  make(map[string]*assignmentState),
		byTask:       make(map[string]string),
		byWorker:     make(map[string]map[string]struct{}),
		deadlines:    make(map[string]clock.Timer),
		backoffs:     make(map[string]clock.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue admits a task through the rate limiter, mirrors its state, and
// emits the enqueued event. This is the admission path the API uses.
func (s *Scheduler) Enqueue(ctx context.Context, queueID string, payload []byte, priority int, req domain.Requirements, opts ...queue.EnqueueOption) (domain.Task, error) {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("queue.id", queueID))

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, queueID)
		if err != nil {
			// Admit on limiter failure rather than dropping tasks.
			s.logger.Error("rate limiter error", slog.String("error", err.Error()))
		} else if !allowed {
			span.SetStatus(codes.Error, "rate limit exceeded")
			telemetry.QueueRejectedTotal.WithLabelValues(queueID, "rate_limited").Inc()
			return domain.Task{}, &domain.CapacityExceededError{Kind: "queue", ID: queueID}
		}
	}

	opts = append([]queue.EnqueueOption{queue.WithRequirements(req)}, opts...)
	task, err := s.queues.Enqueue(queueID, payload, priority, opts...)
	if err != nil {
		span.RecordError(err)
		switch {
		case domain.IsCapacityExceeded(err):
			telemetry.QueueRejectedTotal.WithLabelValues(queueID, "full").Inc()
		case !domain.IsNotFound(err):
			telemetry.QueueRejectedTotal.WithLabelValues(queueID, "inactive").Inc()
		}
		return domain.Task{}, err
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	telemetry.QueueTasksEnqueued.WithLabelValues(queueID).Inc()
	s.observeDepth(queueID)
	s.mirrorStatus(ctx, task.ID, domain.StatusPending)
	s.auditTask(ctx, task)
	s.emit(ctx, events.Event{Type: events.TaskEnqueued, At: task.CreatedAt, Task: &task})
	return task, nil
}

// Tick attempts one dispatch from the given queue: dequeue the front task,
// pick a worker, and reserve a slot. Returns ok=false with a nil error when
// the queue is empty, and a NoEligibleWorkerError when a task exists but no
// worker can take it (the task is put back unchanged).
func (s *Scheduler) Tick(ctx context.Context, queueID string) (domain.Assignment, bool, error) {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.tick")
	defer span.End()
	span.SetAttributes(attribute.String("queue.id", queueID))

	task, ok, err := s.queues.Dequeue(queueID)
	if err != nil {
		span.RecordError(err)
		return domain.Assignment{}, false, err
	}
	if !ok {
		return domain.Assignment{}, false, nil
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	worker, reserved, err := s.reserve(task)
	if err != nil {
		return domain.Assignment{}, false, fmt.Errorf("reserve worker for task %s: %w", task.ID, err)
	}
	if !reserved {
		if relErr := s.queues.Release(task.ID); relErr != nil {
			s.logger.Error("failed to release task after failed reservation",
				slog.String("task_id", task.ID),
				slog.String("error", relErr.Error()),
			)
		}
		span.SetStatus(codes.Error, "no eligible worker")
		telemetry.SchedulerNoWorkerTotal.Inc()
		return domain.Assignment{}, false, &domain.NoEligibleWorkerError{TaskID: task.ID}
	}

	now := s.clk.Now()
	deadline := now.Add(worker.Config.Timeout)
	if task.Deadline != nil && task.Deadline.Before(deadline) {
		deadline = *task.Deadline
	}
	a := domain.Assignment{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		WorkerID:  worker.Config.ID,
		StartTime: now,
		Deadline:  deadline,
		Status:    domain.StatusRunning,
	}

	if err := s.queues.MarkRunning(task.ID); err != nil {
		// Queue vanished between dequeue and dispatch: give the slot back.
		s.workers.ReleaseSlot(worker.Config.ID, task.Requirements, registry.OutcomeCancelled, "")
		return domain.Assignment{}, false, err
	}

	s.mu.Lock()
	s.assignments[a.ID] = &assignmentState{a: a, queueID: task.QueueID, req: task.Requirements}
	s.byTask[task.ID] = a.ID
	if s.byWorker[a.WorkerID] == nil {
		s.byWorker[a.WorkerID] = make(map[string]struct{})
	}
	s.byWorker[a.WorkerID][a.ID] = struct{}{}
	s.deadlines[a.ID] = s.clk.AfterFunc(deadline.Sub(now), func() { s.expire(a.ID) })
	s.mu.Unlock()

	telemetry.SchedulerTasksAssigned.WithLabelValues(s.strat.Name()).Inc()
	telemetry.WorkerTasksInFlight.WithLabelValues(a.WorkerID).Inc()
	s.mirrorStatus(ctx, task.ID, domain.StatusRunning)
	s.auditAssignment(ctx, a)
	task.Status = domain.StatusRunning
	s.emit(ctx, events.Event{Type: events.TaskAssigned, At: now, Task: &task, Assignment: &a})

	s.logger.Info("task assigned",
		slog.String("task_id", task.ID),
		slog.String("worker_id", a.WorkerID),
		slog.String("assignment_id", a.ID),
		slog.String("strategy", s.strat.Name()),
	)
	return a, true, nil
}

// reserve runs the selection strategy over the eligible set and claims a
// slot on the winner. Losing a reservation race drops the candidate and
// re-picks from the remainder.
func (s *Scheduler) reserve(task domain.Task) (domain.WorkerInfo, bool, error) {
	eligible := s.workers.Eligible(task.Requirements)
	for len(eligible) > 0 {
		id, err := s.strat.Pick(eligible, task.Requirements)
		if err != nil {
			return domain.WorkerInfo{}, false, nil
		}
		ok, err := s.workers.ReserveSlot(id, task.Requirements)
		if err == nil && ok {
			for _, w := range eligible {
				if w.Config.ID == id {
					return w, true, nil
				}
			}
		}
		// Slot taken or worker gone since the snapshot: drop and re-pick.
		next := eligible[:0]
		for _, w := range eligible {
			if w.Config.ID != id {
				next = append(next, w)
			}
		}
		eligible = next
	}
	return domain.WorkerInfo{}, false, nil
}

// Complete settles a completion report for an open assignment. Reports for
// unknown assignments are a no-op: the worker may have been deregistered,
// the queue removed, or the deadline may already have expired the attempt.
func (s *Scheduler) Complete(ctx context.Context, assignmentID string, success bool, taskErr string) error {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("assignment.id", assignmentID),
		attribute.Bool("success", success),
	)

	st, ok := s.close(assignmentID)
	if !ok {
		s.logger.Debug("completion report for unknown assignment", slog.String("assignment_id", assignmentID))
		return nil
	}

	now := s.clk.Now()
	st.a.EndTime = &now
	telemetry.SchedulerAssignmentSeconds.Observe(now.Sub(st.a.StartTime).Seconds())
	telemetry.WorkerTasksInFlight.WithLabelValues(st.a.WorkerID).Dec()

	if success {
		st.a.Status = domain.StatusCompleted
		s.workers.ReleaseSlot(st.a.WorkerID, st.req, registry.OutcomeCompleted, "")
		return s.finalize(ctx, st, domain.StatusCompleted, "", events.TaskCompleted)
	}

	st.a.Status = domain.StatusFailed
	st.a.Error = taskErr

	cfg, err := s.queues.Get(st.queueID)
	if err != nil {
		// Queue removed while the report was in flight.
		s.workers.ReleaseSlot(st.a.WorkerID, st.req, registry.OutcomeCancelled, "")
		return nil
	}
	task, err := s.queues.Task(st.a.TaskID)
	if err != nil {
		s.workers.ReleaseSlot(st.a.WorkerID, st.req, registry.OutcomeCancelled, "")
		return nil
	}

	if task.RetryCount >= cfg.Config.MaxRetries {
		span.SetStatus(codes.Error, "retries exhausted")
		s.workers.ReleaseSlot(st.a.WorkerID, st.req, registry.OutcomeFailed, taskErr)
		return s.finalize(ctx, st, domain.StatusFailed, taskErr, events.TaskFailed)
	}

	updated, err := s.queues.Requeue(st.a.TaskID, taskErr)
	if err != nil {
		s.workers.ReleaseSlot(st.a.WorkerID, st.req, registry.OutcomeCancelled, "")
		return nil
	}
	s.workers.ReleaseSlot(st.a.WorkerID, st.req, registry.OutcomeRetried, taskErr)

	delay := retry.ExponentialDelay(cfg.Config.RetryBaseDelay, updated.RetryCount)
	taskID := st.a.TaskID
	s.mu.Lock()
	s.backoffs[taskID] = s.clk.AfterFunc(delay, func() { s.readmit(taskID) })
	s.mu.Unlock()

	telemetry.SchedulerRetriesTotal.Inc()
	s.mirrorStatus(ctx, taskID, domain.StatusPending)
	s.emit(ctx, events.Event{Type: events.TaskRetried, At: now, Task: &updated, Assignment: &st.a})
	s.logger.Info("task retry scheduled",
		slog.String("task_id", taskID),
		slog.Int("retry_count", updated.RetryCount),
		slog.Duration("delay", delay),
	)
	return nil
}

// expire fires when an assignment's deadline passes with no completion
// report. The attempt is terminal: a timed-out task is never retried.
func (s *Scheduler) expire(assignmentID string) {
	st, ok := s.close(assignmentID)
	if !ok {
		return
	}
	ctx := context.Background()

	now := s.clk.Now()
	st.a.EndTime = &now
	st.a.Status = domain.StatusTimedOut
	st.a.Error = "assignment deadline exceeded"
	telemetry.WorkerTasksInFlight.WithLabelValues(st.a.WorkerID).Dec()

	s.workers.ReleaseSlot(st.a.WorkerID, st.req, registry.OutcomeFailed, st.a.Error)
	s.logger.Warn("assignment deadline exceeded",
		slog.String("assignment_id", assignmentID),
		slog.String("task_id", st.a.TaskID),
		slog.String("worker_id", st.a.WorkerID),
	)
	if err := s.finalize(ctx, st, domain.StatusTimedOut, st.a.Error, events.TaskTimedOut); err != nil {
		s.logger.Error("failed to finalize timed-out task",
			slog.String("task_id", st.a.TaskID),
			slog.String("error", err.Error()),
		)
	}
}

// readmit returns a retried task to the pending pool once its backoff
// delay has elapsed.
func (s *Scheduler) readmit(taskID string) {
	s.mu.Lock()
	delete(s.backoffs, taskID)
	s.mu.Unlock()

	if err := s.queues.Release(taskID); err != nil {
		// Queue removed during the backoff window.
		s.logger.Debug("retry readmission skipped", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	s.logger.Info("task readmitted after backoff", slog.String("task_id", taskID))
}

// DeregisterWorker removes a worker and cancels its open assignments. The
// affected tasks return to their queues without consuming a retry attempt.
func (s *Scheduler) DeregisterWorker(ctx context.Context, workerID string) error {
	if err := s.workers.Deregister(workerID); err != nil {
		return err
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.byWorker[workerID]))
	for id := range s.byWorker[workerID] {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		st, ok := s.close(id)
		if !ok {
			continue
		}
		now := s.clk.Now()
		st.a.EndTime = &now
		st.a.Status = domain.StatusCancelled
		if err := s.queues.Release(st.a.TaskID); err != nil {
			s.logger.Error("failed to release task of deregistered worker",
				slog.String("task_id", st.a.TaskID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.mirrorStatus(ctx, st.a.TaskID, domain.StatusPending)
		s.auditAssignment(ctx, st.a)
		s.logger.Info("assignment cancelled, task returned to queue",
			slog.String("task_id", st.a.TaskID),
			slog.String("worker_id", workerID),
		)
	}
	telemetry.WorkerTasksInFlight.DeleteLabelValues(workerID)
	return nil
}

// RemoveQueue drops a queue, cancelling every task in it. Open assignments
// close as CANCELLED and their worker slots are released without touching
// the outcome counters; pending backoff timers are stopped.
func (s *Scheduler) RemoveQueue(ctx context.Context, queueID string) error {
	cancelled, err := s.queues.Remove(queueID)
	if err != nil {
		return err
	}

	for i := range cancelled {
		task := cancelled[i]

		s.mu.Lock()
		if t, ok := s.backoffs[task.ID]; ok {
			t.Stop()
			delete(s.backoffs, task.ID)
		}
		aID, open := s.byTask[task.ID]
		s.mu.Unlock()

		if open {
			if st, ok := s.close(aID); ok {
				now := s.clk.Now()
				st.a.EndTime = &now
				st.a.Status = domain.StatusCancelled
				s.workers.ReleaseSlot(st.a.WorkerID, st.req, registry.OutcomeCancelled, "")
				telemetry.WorkerTasksInFlight.WithLabelValues(st.a.WorkerID).Dec()
				s.auditAssignment(ctx, st.a)
			}
		}

		telemetry.SchedulerTasksFinalized.WithLabelValues(string(domain.StatusCancelled)).Inc()
		s.mirrorStatus(ctx, task.ID, domain.StatusCancelled)
		s.auditTask(ctx, task)
		s.emit(ctx, events.Event{Type: events.TaskCancelled, At: task.UpdatedAt, Task: &task})
	}
	telemetry.QueueDepth.DeleteLabelValues(queueID)
	return nil
}

// Run sweeps every active queue on the poll interval, dispatching until
// each is drained or no worker is eligible. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler loop started", slog.Duration("poll_interval", s.pollInterval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	for _, q := range s.queues.List() {
		if !q.Config.Active {
			continue
		}
		for {
			_, ok, err := s.Tick(ctx, q.Config.ID)
			if err != nil || !ok {
				break
			}
		}
		s.observeDepth(q.Config.ID)
	}
}

// Assignment returns a snapshot of one open assignment.
func (s *Scheduler) Assignment(assignmentID string) (domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.assignments[assignmentID]
	if !ok {
		return domain.Assignment{}, &domain.NotFoundError{Kind: "assignment", ID: assignmentID}
	}
	return st.a, nil
}

// AssignmentForTask returns the open assignment of a task, if any.
func (s *Scheduler) AssignmentForTask(taskID string) (domain.Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aID, ok := s.byTask[taskID]
	if !ok {
		return domain.Assignment{}, false
	}
	return s.assignments[aID].a, true
}

// OpenAssignments returns snapshots of all open assignments ordered by
// start time.
func (s *Scheduler) OpenAssignments() []domain.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Assignment, 0, len(s.assignments))
	for _, st := range s.assignments {
		out = append(out, st.a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// close atomically removes an assignment from the tracking maps and stops
// its deadline timer. The second return is false when the assignment was
// already settled by a concurrent path.
func (s *Scheduler) close(assignmentID string) (*assignmentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.assignments[assignmentID]
	if !ok {
		return nil, false
	}
	delete(s.assignments, assignmentID)
	delete(s.byTask, st.a.TaskID)
	if set := s.byWorker[st.a.WorkerID]; set != nil {
		delete(set, assignmentID)
		if len(set) == 0 {
			delete(s.byWorker, st.a.WorkerID)
		}
	}
	if t, ok := s.deadlines[assignmentID]; ok {
		t.Stop()
		delete(s.deadlines, assignmentID)
	}
	return st, true
}

// finalize settles a terminal outcome against the queue and fans the final
// snapshot out to the mirror, audit trail, and event sink.
func (s *Scheduler) finalize(ctx context.Context, st *assignmentState, status domain.Status, taskErr string, evType events.Type) error {
	task, err := s.queues.Finalize(st.a.TaskID, status, taskErr)
	if err != nil {
		return fmt.Errorf("finalize task %s: %w", st.a.TaskID, err)
	}
	telemetry.SchedulerTasksFinalized.WithLabelValues(string(status)).Inc()
	s.observeDepth(st.queueID)
	s.mirrorStatus(ctx, task.ID, status)
	s.auditTask(ctx, task)
	s.auditAssignment(ctx, st.a)
	s.emit(ctx, events.Event{Type: evType, At: task.UpdatedAt, Task: &task, Assignment: &st.a})
	return nil
}

func (s *Scheduler) observeDepth(queueID string) {
	info, err := s.queues.Get(queueID)
	if err != nil {
		return
	}
	telemetry.QueueDepth.WithLabelValues(queueID).Set(float64(info.Stats.CurrentItems))
}

// emit publishes a lifecycle event. Sink failures are logged and dropped;
// the event stream never blocks a state transition.
func (s *Scheduler) emit(ctx context.Context, ev events.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Emit(ctx, ev); err != nil {
		s.logger.Error("failed to emit event",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) mirrorStatus(ctx context.Context, taskID string, status domain.Status) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.SetStatus(ctx, taskID, status); err != nil {
		s.logger.Error("failed to mirror task status",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) auditTask(ctx context.Context, task domain.Task) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordTask(ctx, task); err != nil {
		s.logger.Error("failed to record task audit row",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) auditAssignment(ctx context.Context, a domain.Assignment) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordAssignment(ctx, a); err != nil {
		s.logger.Error("failed to record assignment audit row",
			slog.String("assignment_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}
