// Package reporter consumes completion reports from Kafka and settles them
// against the core: task reports close assignments, job reports close runs.
package reporter

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskgrid/taskgrid/internal/kafka"
)

// Default report topics.
const (
	TopicTaskReports = "tasks.reports"
	TopicJobReports  = "jobs.reports"
)

// TaskReport is the JSON body a worker publishes to tasks.reports when an
// assignment finishes.
type TaskReport struct {
	AssignmentID string `json:"assignment_id"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// JobReport is the JSON body published to jobs.reports when a job run
// finishes.
type JobReport struct {
	RunID   string `json:"run_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TaskCompleter settles task assignment reports.
type TaskCompleter interface {
	Complete(ctx context.Context, assignmentID string, success bool, taskErr string) error
}

// RunCompleter settles job run reports.
type RunCompleter interface {
	CompleteRun(ctx context.Context, runID string, success bool, runErr string) error
}

// Reporter bridges the report topics to the core's completion paths.
type Reporter struct {
	taskReports kafka.Consumer
	jobReports  kafka.Consumer
	tasks       TaskCompleter
	runs        RunCompleter
	logger      *slog.Logger
}

func New(
	taskReports kafka.Consumer,
	jobReports kafka.Consumer,
	tasks TaskCompleter,
	runs RunCompleter,
	logger *slog.Logger,
) *Reporter {
	return &Reporter{
		taskReports: taskReports,
		jobReports:  jobReports,
		tasks:       tasks,
		runs:        runs,
		logger:      logger,
	}
}

// Run consumes both report topics until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- r.taskReports.Subscribe(ctx, r.handleTaskReport) }()
	go func() { errCh <- r.jobReports.Subscribe(ctx, r.handleJobReport) }()

	// Either consumer failing (or ctx cancellation) stops the reporter.
	err := <-errCh
	return err
}

// handleTaskReport settles one assignment report. Malformed messages are
// committed and dropped: re-delivery cannot fix them.
func (r *Reporter) handleTaskReport(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("reporter").Start(ctx, "reporter.task_report")
	defer span.End()

	var report TaskReport
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		r.logger.Error("malformed task report, dropping",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, "malformed report")
		return nil
	}
	if report.AssignmentID == "" {
		r.logger.Error("task report missing assignment_id, dropping", slog.Int64("offset", msg.Offset))
		return nil
	}
	span.SetAttributes(
		attribute.String("assignment.id", report.AssignmentID),
		attribute.Bool("success", report.Success),
	)

	if err := r.tasks.Complete(ctx, report.AssignmentID, report.Success, report.Error); err != nil {
		// Transient core error: skip the commit so the report is re-delivered.
		span.RecordError(err)
		return err
	}
	return nil
}

// handleJobReport settles one job run report. An unknown run is committed
// and dropped: the job or run was removed while the report was in flight.
func (r *Reporter) handleJobReport(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("reporter").Start(ctx, "reporter.job_report")
	defer span.End()

	var report JobReport
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		r.logger.Error("malformed job report, dropping",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, "malformed report")
		return nil
	}
	if report.RunID == "" {
		r.logger.Error("job report missing run_id, dropping", slog.Int64("offset", msg.Offset))
		return nil
	}
	span.SetAttributes(
		attribute.String("run.id", report.RunID),
		attribute.Bool("success", report.Success),
	)

	if err := r.runs.CompleteRun(ctx, report.RunID, report.Success, report.Error); err != nil {
		r.logger.Warn("job report for unknown run, dropping",
			slog.String("run_id", report.RunID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return nil
}
