// Package postgres persists the audit trail: every task, assignment, and
// job run snapshot the core produces. It is a write-mostly history store,
// not a durable queue; the scheduler never reads it on the hot path.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskgrid/taskgrid/internal/domain"
)

// AuditRepository records lifecycle snapshots and serves history queries.
type AuditRepository interface {
	RecordTask(ctx context.Context, task domain.Task) error
	RecordAssignment(ctx context.Context, a domain.Assignment) error
	RecordJobRun(ctx context.Context, run domain.JobRun) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasksByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Task, error)
	ListAssignments(ctx context.Context, taskID string) ([]domain.Assignment, error)
	ListJobRuns(ctx context.Context, jobID string, limit int) ([]domain.JobRun, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the AuditRepository interface.
func NewRepository(pool *pgxpool.Pool) AuditRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// RecordTask upserts the latest snapshot of a task. The same task is
// recorded on every transition; the last write reflects its current (or
// terminal) state including retry count and last error.
func (r *repository) RecordTask(ctx context.Context, task domain.Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, queue_id, payload, priority, status, retry_count, created_at, updated_at, deadline, last_error)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			updated_at = EXCLUDED.updated_at,
			last_error = EXCLUDED.last_error
	`,
		task.ID, task.QueueID, task.Payload, task.Priority,
		string(task.Status), task.RetryCount,
		task.CreatedAt, task.UpdatedAt, task.Deadline, task.LastError,
	)
	if err != nil {
		return fmt.Errorf("record task %s: %w", task.ID, err)
	}
	return nil
}

// RecordAssignment upserts one attempt of a task on a worker.
func (r *repository) RecordAssignment(ctx context.Context, a domain.Assignment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO assignments
			(id, task_id, worker_id, start_time, end_time, deadline, status, error)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			error = EXCLUDED.error
	`,
		a.ID, a.TaskID, a.WorkerID, a.StartTime, a.EndTime,
		a.Deadline, string(a.Status), a.Error,
	)
	if err != nil {
		return fmt.Errorf("record assignment %s: %w", a.ID, err)
	}
	return nil
}

// RecordJobRun upserts one execution of a recurring job.
func (r *repository) RecordJobRun(ctx context.Context, run domain.JobRun) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_runs
			(id, job_id, attempt, start_time, end_time, status, error)
		VALUES
			($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			error = EXCLUDED.error
	`,
		run.ID, run.JobID, run.Attempt, run.StartTime, run.EndTime,
		string(run.Status), run.Error,
	)
	if err != nil {
		return fmt.Errorf("record job run %s: %w", run.ID, err)
	}
	return nil
}

func (r *repository) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, queue_id, payload, priority, status, retry_count,
		       created_at, updated_at, deadline, last_error
		FROM tasks
		WHERE id = $1
	`, id)
	return scanTask(row)
}

func (r *repository) ListTasksByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, queue_id, payload, priority, status, retry_count,
		       created_at, updated_at, deadline, last_error
		FROM tasks
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *repository) ListAssignments(ctx context.Context, taskID string) ([]domain.Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, worker_id, start_time, end_time, deadline, status, error
		FROM assignments
		WHERE task_id = $1
		ORDER BY start_time ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		var statusStr string
		if err := rows.Scan(
			&a.ID, &a.TaskID, &a.WorkerID, &a.StartTime, &a.EndTime,
			&a.Deadline, &statusStr, &a.Error,
		); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.Status = domain.Status(statusStr)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) ListJobRuns(ctx context.Context, jobID string, limit int) ([]domain.JobRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, attempt, start_time, end_time, status, error
		FROM job_runs
		WHERE job_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []domain.JobRun
	for rows.Next() {
		var run domain.JobRun
		var statusStr string
		if err := rows.Scan(
			&run.ID, &run.JobID, &run.Attempt, &run.StartTime, &run.EndTime,
			&statusStr, &run.Error,
		); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		run.Status = domain.Status(statusStr)
		out = append(out, run)
	}
	return out, rows.Err()
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (domain.Task, error) {
	var task domain.Task
	var statusStr string
	err := row.Scan(
		&task.ID, &task.QueueID, &task.Payload, &task.Priority, &statusStr,
		&task.RetryCount, &task.CreatedAt, &task.UpdatedAt, &task.Deadline,
		&task.LastError,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, &domain.NotFoundError{Kind: "task", ID: ""}
		}
		return domain.Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(statusStr)
	return task, nil
}
