// Package jobs implements the recurring job scheduler: daily "HH:MM" (or
// cron) schedules, timer-driven firing, and flat-delay retries of failed
// runs. The Manager exclusively owns job and run lifecycles.
package jobs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/internal/events"
	"github.com/taskgrid/taskgrid/pkg/telemetry"
)

// historyLimit bounds the per-job run history kept in memory.
const historyLimit = 50

// Runner is invoked when a job fires. Implementations do the actual work
// (typically by enqueueing a task or publishing a message) and must report
// back through CompleteRun.
type Runner interface {
	RunJob(ctx context.Context, job domain.JobConfig, run domain.JobRun)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job domain.JobConfig, run domain.JobRun)

func (f RunnerFunc) RunJob(ctx context.Context, job domain.JobConfig, run domain.JobRun) {
	f(ctx, job, run)
}

// RunAuditor persists job run records. Calls are best-effort.
type RunAuditor interface {
	RecordJobRun(ctx context.Context, run domain.JobRun) error
}

type jobState struct {
	config  domain.JobConfig
	stats   domain.JobStats
	sched   schedule
	timer   clock.Timer // next regular or retry firing, nil when disarmed
	openRun string      // run ID of the in-flight run, "" when idle
	history []domain.JobRun
}

// Manager owns every recurring job, its run records, and the timers that
// fire them.
type Manager struct {
	clk    clock.Clock
	logger *slog.Logger
	sink   events.Sink // nil = no event stream
	audit  RunAuditor  // nil = no audit trail
	runner Runner      // nil = runs wait for an external CompleteRun

	mu    sync.Mutex
	jobs  map[string]*jobState
	byRun map[string]string // open run ID -> job ID
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithSink(sink events.Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

func WithAuditor(a RunAuditor) Option {
	return func(m *Manager) { m.audit = a }
}

func WithRunner(r Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// NewManager creates an empty job Manager.
func NewManager(clk clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		clk:    clk,
		logger: slog.Default(),
		jobs:   make(map[string]*jobState),
		byRun:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func validateJobConfig(cfg domain.JobConfig) (schedule, error) {
	if cfg.ID == "" {
		return nil, &domain.InvalidConfigError{Field: "id", Reason: "must not be empty"}
	}
	if cfg.MaxRetries < 0 {
		return nil, &domain.InvalidConfigError{Field: "max_retries", Reason: "must not be negative"}
	}
	if cfg.RetryDelay <= 0 {
		return nil, &domain.InvalidConfigError{Field: "retry_delay", Reason: "must be greater than 0"}
	}
	return parseSchedule(cfg.Schedule)
}

// Add registers a recurring job. An active job is armed immediately: its
// next_run_time is computed from the schedule and a timer set.
func (m *Manager) Add(cfg domain.JobConfig) error {
	sched, err := validateJobConfig(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[cfg.ID]; ok {
		return &domain.JobExistsError{JobID: cfg.ID}
	}
	j := &jobState{config: cfg, sched: sched}
	m.jobs[cfg.ID] = j
	if cfg.Active {
		m.armLocked(j, sched.next(m.clk.Now()))
	}
	m.logger.Info("job added",
		slog.String("job_id", cfg.ID),
		slog.String("schedule", cfg.Schedule),
		slog.Bool("active", cfg.Active),
	)
	return nil
}

// Remove drops a job. A pending timer is stopped and an in-flight run is
// closed as CANCELLED.
func (m *Manager) Remove(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return &domain.NotFoundError{Kind: "job", ID: jobID}
	}
	m.disarmLocked(j)
	if j.openRun != "" {
		delete(m.byRun, j.openRun)
	}
	delete(m.jobs, jobID)
	m.logger.Info("job removed", slog.String("job_id", jobID))
	return nil
}

// SetActive enables or disables a job. Disabling stops the pending timer;
// enabling recomputes next_run_time from the schedule and re-arms.
func (m *Manager) SetActive(jobID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return &domain.NotFoundError{Kind: "job", ID: jobID}
	}
	j.config.Active = active
	if active {
		m.armLocked(j, j.sched.next(m.clk.Now()))
	} else {
		m.disarmLocked(j)
	}
	m.logger.Info("job active flag changed",
		slog.String("job_id", jobID),
		slog.Bool("active", active),
	)
	return nil
}

// UpdateConfig replaces a job's configuration wholesale. Counters survive;
// the timer is re-armed against the new schedule.
func (m *Manager) UpdateConfig(jobID string, cfg domain.JobConfig) error {
	sched, err := validateJobConfig(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return &domain.NotFoundError{Kind: "job", ID: jobID}
	}
	cfg.ID = jobID
	j.config = cfg
	j.sched = sched
	if cfg.Active {
		m.armLocked(j, sched.next(m.clk.Now()))
	} else {
		m.disarmLocked(j)
	}
	m.logger.Info("job config updated", slog.String("job_id", jobID))
	return nil
}

// Schedule recomputes and returns the job's next regular run time.
func (m *Manager) Schedule(jobID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return time.Time{}, &domain.NotFoundError{Kind: "job", ID: jobID}
	}
	next := j.sched.next(m.clk.Now())
	if j.config.Active {
		m.armLocked(j, next)
	} else {
		j.stats.NextRunTime = &next
	}
	return next, nil
}

// Run starts a run of the job immediately, outside its regular cadence.
// Fails when the job is disabled or already has a run in flight.
func (m *Manager) Run(ctx context.Context, jobID string) (domain.JobRun, error) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return domain.JobRun{}, &domain.NotFoundError{Kind: "job", ID: jobID}
	}
	if !j.config.Active {
		m.mu.Unlock()
		return domain.JobRun{}, &domain.InactiveError{Kind: "job", ID: jobID}
	}
	if j.openRun != "" {
		m.mu.Unlock()
		return domain.JobRun{}, &domain.CapacityExceededError{Kind: "job", ID: jobID, Limit: 1}
	}
	run, cfg := m.startLocked(j, 0)
	m.mu.Unlock()

	m.dispatch(ctx, cfg, run)
	return run, nil
}

// CompleteRun settles a run report. On failure the job retries after its
// flat retry_delay until max_retries is exhausted, after which no further
// attempt happens before the next regular occurrence.
func (m *Manager) CompleteRun(ctx context.Context, runID string, success bool, runErr string) error {
	m.mu.Lock()

	jobID, ok := m.byRun[runID]
	if !ok {
		m.mu.Unlock()
		return &domain.NotFoundError{Kind: "run", ID: runID}
	}
	j := m.jobs[jobID]
	delete(m.byRun, runID)
	j.openRun = ""

	now := m.clk.Now()
	run := j.history[len(j.history)-1]
	run.EndTime = &now
	duration := now.Sub(run.StartTime)

	if j.stats.AverageDuration == 0 {
		j.stats.AverageDuration = duration
	} else {
		j.stats.AverageDuration = (j.stats.AverageDuration + duration) / 2
	}

	var retryIn time.Duration
	if success {
		run.Status = domain.StatusCompleted
		j.stats.SuccessfulRuns++
		j.stats.RetryCount = 0
	} else {
		run.Status = domain.StatusFailed
		run.Error = runErr
		j.stats.FailedRuns++
		j.stats.LastError = runErr
		if j.stats.RetryCount < j.config.MaxRetries {
			j.stats.RetryCount++
			retryIn = j.config.RetryDelay
		}
	}
	j.history[len(j.history)-1] = run

	// Arm the next attempt: a flat-delay retry when one is owed, else the
	// next regular occurrence.
	if j.config.Active {
		if retryIn > 0 {
			attempt := j.stats.RetryCount
			m.armRetryLocked(j, now.Add(retryIn), attempt)
		} else {
			m.armLocked(j, j.sched.next(now))
		}
	}
	cfg := j.config
	m.mu.Unlock()

	telemetry.JobRunsTotal.WithLabelValues(string(run.Status)).Inc()
	telemetry.JobRunSeconds.Observe(duration.Seconds())
	if retryIn > 0 {
		telemetry.JobRetriesTotal.Inc()
		m.logger.Info("job run retry scheduled",
			slog.String("job_id", cfg.ID),
			slog.String("run_id", runID),
			slog.Duration("delay", retryIn),
		)
	}
	m.auditRun(ctx, run)
	m.emit(ctx, events.Event{Type: events.JobRunEnded, At: now, Run: &run})
	m.logger.Info("job run finished",
		slog.String("job_id", cfg.ID),
		slog.String("run_id", runID),
		slog.String("status", string(run.Status)),
	)
	return nil
}

// Get returns a snapshot of one job.
func (m *Manager) Get(jobID string) (domain.JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return domain.JobInfo{}, &domain.NotFoundError{Kind: "job", ID: jobID}
	}
	return domain.JobInfo{Config: j.config, Stats: j.stats}, nil
}

// List returns snapshots of all jobs sorted by ID.
func (m *Manager) List() []domain.JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.JobInfo, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, domain.JobInfo{Config: j.config, Stats: j.stats})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Config.ID < out[k].Config.ID })
	return out
}

// Runs returns the job's recent run history, newest last.
func (m *Manager) Runs(jobID string) ([]domain.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "job", ID: jobID}
	}
	return append([]domain.JobRun(nil), j.history...), nil
}

// armLocked sets the timer for the next regular occurrence. Caller holds
// m.mu.
func (m *Manager) armLocked(j *jobState, at time.Time) {
	m.disarmLocked(j)
	next := at
	j.stats.NextRunTime = &next
	jobID := j.config.ID
	j.timer = m.clk.AfterFunc(at.Sub(m.clk.Now()), func() { m.fire(jobID, 0) })
}

// armRetryLocked sets the timer for a retry attempt without touching
// next_run_time's regular cadence semantics. Caller holds m.mu.
func (m *Manager) armRetryLocked(j *jobState, at time.Time, attempt int) {
	m.disarmLocked(j)
	next := at
	j.stats.NextRunTime = &next
	jobID := j.config.ID
	j.timer = m.clk.AfterFunc(at.Sub(m.clk.Now()), func() { m.fire(jobID, attempt) })
}

func (m *Manager) disarmLocked(j *jobState) {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
}

// fire runs when a job timer elapses.
func (m *Manager) fire(jobID string, attempt int) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok || !j.config.Active {
		m.mu.Unlock()
		return
	}
	j.timer = nil
	if j.openRun != "" {
		// The previous run is still in flight: skip this occurrence and
		// re-arm for the next one.
		m.logger.Warn("job occurrence skipped, previous run still open",
			slog.String("job_id", jobID),
		)
		m.armLocked(j, j.sched.next(m.clk.Now()))
		m.mu.Unlock()
		return
	}
	if attempt == 0 {
		// A regular occurrence starts a fresh retry budget.
		j.stats.RetryCount = 0
	}
	run, cfg := m.startLocked(j, attempt)
	m.mu.Unlock()

	m.dispatch(context.Background(), cfg, run)
}

// startLocked creates an open run record. Caller holds m.mu.
func (m *Manager) startLocked(j *jobState, attempt int) (domain.JobRun, domain.JobConfig) {
	now := m.clk.Now()
	run := domain.JobRun{
		ID:        uuid.New().String(),
		JobID:     j.config.ID,
		Attempt:   attempt,
		StartTime: now,
		Status:    domain.StatusRunning,
	}
	j.openRun = run.ID
	m.byRun[run.ID] = j.config.ID
	j.stats.TotalRuns++
	j.stats.LastRunTime = &now
	j.history = append(j.history, run)
	if len(j.history) > historyLimit {
		j.history = j.history[len(j.history)-historyLimit:]
	}
	return run, j.config
}

// dispatch hands a started run to the Runner and announces it.
func (m *Manager) dispatch(ctx context.Context, cfg domain.JobConfig, run domain.JobRun) {
	m.auditRun(ctx, run)
	m.emit(ctx, events.Event{Type: events.JobRunStarted, At: run.StartTime, Run: &run})
	m.logger.Info("job run started",
		slog.String("job_id", cfg.ID),
		slog.String("run_id", run.ID),
		slog.Int("attempt", run.Attempt),
	)
	if m.runner != nil {
		m.runner.RunJob(ctx, cfg, run)
	}
}

func (m *Manager) emit(ctx context.Context, ev events.Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Emit(ctx, ev); err != nil {
		m.logger.Error("failed to emit event",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) auditRun(ctx context.Context, run domain.JobRun) {
	if m.audit == nil {
		return
	}
	if err := m.audit.RecordJobRun(ctx, run); err != nil {
		m.logger.Error("failed to record job run audit row",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
}
