//go:build integration

// Package integration contains end-to-end tests that require real
// infrastructure (Kafka, Redis, PostgreSQL) provided by testcontainers-go.
//
// Run with: go test -tags=integration -v ./tests/integration/
package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/internal/jobs"
	"github.com/taskgrid/taskgrid/internal/kafka"
	"github.com/taskgrid/taskgrid/internal/postgres"
	"github.com/taskgrid/taskgrid/internal/queue"
	redisstore "github.com/taskgrid/taskgrid/internal/redis"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/scheduler"
	"github.com/taskgrid/taskgrid/internal/strategy"
	"github.com/taskgrid/taskgrid/services/controller/reporter"
)

// TestE2E_TaskLifecycle drives the full task pipeline against real
// infrastructure: enqueue with the Redis mirror and Postgres audit wired,
// assign to a worker, settle via a Kafka completion report, and verify the
// mirror and audit trail both converge on COMPLETED.
func TestE2E_TaskLifecycle(t *testing.T) {
	ctx := context.Background()

	// ── Infrastructure ───────────────────────────────────────────────────────
	redisClient := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		redisClient.FlushDB(ctx) //nolint:errcheck
		redisClient.Close()      //nolint:errcheck
	})
	store := redisstore.NewStateStore(redisClient)

	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE job_runs, assignments, tasks CASCADE") //nolint:errcheck
		pool.Close()
	})
	repo := postgres.NewRepository(pool)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck
	sink := kafka.NewSink(producer, slog.Default())

	taskReportsTopic := uniqueTopic("e2e-task-reports")
	jobReportsTopic := uniqueTopic("e2e-job-reports")
	createTopic(t, taskReportsTopic)
	createTopic(t, jobReportsTopic)

	// ── Core engine ──────────────────────────────────────────────────────────
	clk := clock.New()
	queues := queue.NewManager(clk, slog.Default())
	workers := registry.New(clk, slog.Default())
	sched := scheduler.New(queues, workers, strategy.NewRoundRobin(), clk,
		scheduler.WithLogger(slog.Default()),
		scheduler.WithSink(sink),
		scheduler.WithMirror(store),
		scheduler.WithAuditor(repo),
	)
	jobsMgr := jobs.NewManager(clk,
		jobs.WithLogger(slog.Default()),
		jobs.WithSink(sink),
		jobs.WithAuditor(repo),
	)

	require.NoError(t, queues.Add(domain.QueueConfig{
		ID:             "e2e-emails",
		Name:           "e2e emails",
		MaxSize:        10,
		MaxRetries:     2,
		RetryBaseDelay: 100 * time.Millisecond,
		Active:         true,
	}))
	require.NoError(t, workers.Register(domain.WorkerConfig{
		ID:                 "e2e-worker-1",
		Name:               "e2e worker",
		MaxConcurrentTasks: 2,
		CPUBudget:          4,
		MemoryBudget:       8,
		RatedCapacity:      10,
		Timeout:            time.Minute,
		Active:             true,
	}))

	// ── Reporter bridging Kafka reports back into the core ───────────────────
	taskReports := kafka.NewConsumer(testKafkaBrokers, taskReportsTopic, "e2e-reporter", slog.Default())
	t.Cleanup(func() { taskReports.Close() }) //nolint:errcheck
	jobReports := kafka.NewConsumer(testKafkaBrokers, jobReportsTopic, "e2e-reporter", slog.Default())
	t.Cleanup(func() { jobReports.Close() }) //nolint:errcheck

	rep := reporter.New(taskReports, jobReports, sched, jobsMgr, slog.Default())
	repCtx, repCancel := context.WithCancel(ctx)
	defer repCancel()
	go rep.Run(repCtx) //nolint:errcheck

	// ── Step 1: enqueue and assign ───────────────────────────────────────────
	task, err := sched.Enqueue(ctx, "e2e-emails",
		[]byte(`{"to":"e2e@test.com","subject":"E2E Test"}`), 7, domain.Requirements{})
	require.NoError(t, err)

	status, err := store.GetStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status, "mirror should show PENDING after enqueue")

	a, ok, err := sched.Tick(ctx, "e2e-emails")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.ID, a.TaskID)
	assert.Equal(t, "e2e-worker-1", a.WorkerID)

	// ── Step 2: worker reports success over Kafka ────────────────────────────
	report, err := json.Marshal(reporter.TaskReport{AssignmentID: a.ID, Success: true})
	require.NoError(t, err)
	require.NoError(t, producer.Publish(ctx, taskReportsTopic, task.ID, report))

	require.Eventually(t, func() bool {
		return len(sched.OpenAssignments()) == 0
	}, 30*time.Second, 100*time.Millisecond, "report should settle the assignment")

	// ── Step 3: mirror and audit trail converge ──────────────────────────────
	require.Eventually(t, func() bool {
		s, err := store.GetStatus(ctx, task.ID)
		return err == nil && s == domain.StatusCompleted
	}, 10*time.Second, 100*time.Millisecond, "Redis should show COMPLETED")

	require.Eventually(t, func() bool {
		got, err := repo.GetTask(ctx, task.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, 10*time.Second, 100*time.Millisecond, "Postgres should show COMPLETED")

	attempts, err := repo.ListAssignments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.StatusCompleted, attempts[0].Status)
	assert.NotNil(t, attempts[0].EndTime)

	// ── Step 4: a manually triggered job run settles the same way ────────────
	require.NoError(t, jobsMgr.Add(domain.JobConfig{
		ID:         "e2e-report",
		Name:       "e2e report",
		Schedule:   "03:00",
		MaxRetries: 1,
		RetryDelay: time.Second,
		Active:     true,
	}))

	run, err := jobsMgr.Run(ctx, "e2e-report")
	require.NoError(t, err)

	jobReport, err := json.Marshal(reporter.JobReport{RunID: run.ID, Success: true})
	require.NoError(t, err)
	require.NoError(t, producer.Publish(ctx, jobReportsTopic, run.ID, jobReport))

	require.Eventually(t, func() bool {
		info, err := jobsMgr.Get("e2e-report")
		return err == nil && info.Stats.SuccessfulRuns == 1
	}, 30*time.Second, 100*time.Millisecond, "job report should settle the run")

	runs, err := repo.ListJobRuns(ctx, "e2e-report", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.StatusCompleted, runs[0].Status)
}
