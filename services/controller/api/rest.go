// Package api is the REST admin surface of the controller: queue, worker,
// and job lifecycles, task admission, and completion reports for callers
// that do not go through Kafka.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/taskgrid/taskgrid/internal/domain"
	"github.com/taskgrid/taskgrid/internal/jobs"
	"github.com/taskgrid/taskgrid/internal/postgres"
	"github.com/taskgrid/taskgrid/internal/queue"
	"github.com/taskgrid/taskgrid/internal/registry"
	redisstore "github.com/taskgrid/taskgrid/internal/redis"
	"github.com/taskgrid/taskgrid/internal/scheduler"
)

// REST handles HTTP requests for the controller.
type REST struct {
	sched   *scheduler.Scheduler
	queues  *queue.Manager
	workers *registry.Registry
	jobs    *jobs.Manager
	store   redisstore.StateStore    // nil = no mirror fallback
	repo    postgres.AuditRepository // nil = no audit fallback
	logger  *slog.Logger
}

// NewREST creates the handler over the core engine pieces. store and repo
// are optional read fallbacks for tasks that already left the in-memory
// core.
func NewREST(
	sched *scheduler.Scheduler,
	queues *queue.Manager,
	workers *registry.Registry,
	jobsMgr *jobs.Manager,
	store redisstore.StateStore,
	repo postgres.AuditRepository,
	logger *slog.Logger,
) *REST {
	return &REST{
		sched:   sched,
		queues:  queues,
		workers: workers,
		jobs:    jobsMgr,
		store:   store,
		repo:    repo,
		logger:  logger,
	}
}

// Routes mounts all API routes.
func (h *REST) Routes(r chi.Router) {
	r.Route("/queues", func(r chi.Router) {
		r.Post("/", h.AddQueue)
		r.Get("/", h.ListQueues)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetQueue)
			r.Put("/", h.UpdateQueue)
			r.Delete("/", h.RemoveQueue)
			r.Post("/active", h.SetQueueActive)
			r.Get("/tasks", h.ListQueueTasks)
			r.Post("/tasks", h.EnqueueTask)
		})
	})
	r.Get("/tasks/{id}", h.GetTask)
	r.Get("/assignments", h.ListAssignments)
	r.Post("/assignments/{id}/complete", h.CompleteAssignment)
	r.Route("/workers", func(r chi.Router) {
		r.Post("/", h.RegisterWorker)
		r.Get("/", h.ListWorkers)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetWorker)
			r.Put("/", h.UpdateWorker)
			r.Delete("/", h.DeregisterWorker)
			r.Post("/active", h.SetWorkerActive)
		})
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.AddJob)
		r.Get("/", h.ListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetJob)
			r.Put("/", h.UpdateJob)
			r.Delete("/", h.RemoveJob)
			r.Post("/active", h.SetJobActive)
			r.Get("/runs", h.ListJobRuns)
			r.Post("/run", h.RunJob)
		})
	})
	r.Post("/runs/{id}/complete", h.CompleteRun)
}

// ─── Queues ──────────────────────────────────────────────────────────────────

// QueueRequest is the JSON body for queue creation and updates. Durations
// are millisecond integers.
type QueueRequest struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	MaxSize        int    `json:"max_size"`
	MaxRetries     int    `json:"max_retries"`
	RetryBaseDelay int64  `json:"retry_base_delay_ms"`
	Active         bool   `json:"active"`
}

func (q QueueRequest) config() domain.QueueConfig {
	return domain.QueueConfig{
		ID:             q.ID,
		Name:           q.Name,
		MaxSize:        q.MaxSize,
		MaxRetries:     q.MaxRetries,
		RetryBaseDelay: time.Duration(q.RetryBaseDelay) * time.Millisecond,
		Active:         q.Active,
	}
}

func (h *REST) AddQueue(w http.ResponseWriter, r *http.Request) {
	var req QueueRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.queues.Add(req.config()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (h *REST) ListQueues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.queues.List())
}

func (h *REST) GetQueue(w http.ResponseWriter, r *http.Request) {
	info, err := h.queues.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *REST) UpdateQueue(w http.ResponseWriter, r *http.Request) {
	var req QueueRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.queues.UpdateConfig(chi.URLParam(r, "id"), req.config()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *REST) RemoveQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.RemoveQueue(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (h *REST) SetQueueActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.queues.SetActive(chi.URLParam(r, "id"), req.Active); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *REST) ListQueueTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.queues.Tasks(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ─── Tasks ───────────────────────────────────────────────────────────────────

// EnqueueRequest is the JSON body for POST /queues/{id}/tasks.
type EnqueueRequest struct {
	Payload      json.RawMessage     `json:"payload"`
	Priority     int                 `json:"priority"`
	Requirements domain.Requirements `json:"requirements"`
	Deadline     *time.Time          `json:"deadline,omitempty"`
}

func (h *REST) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.enqueue_task")
	defer span.End()

	queueID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("queue.id", queueID))

	var req EnqueueRequest
	if !decode(w, r, &req) {
		return
	}

	var opts []queue.EnqueueOption
	if req.Deadline != nil {
		opts = append(opts, queue.WithDeadline(req.Deadline.UTC()))
	}
	task, err := h.sched.Enqueue(ctx, queueID, req.Payload, req.Priority, req.Requirements, opts...)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))
	writeJSON(w, http.StatusAccepted, task)
}

func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")

	// Fast path: the live in-memory core.
	if task, err := h.queues.Task(taskID); err == nil {
		writeJSON(w, http.StatusOK, task)
		return
	}

	// The task may already be finalized: try the Redis mirror, then the
	// audit trail.
	if h.store != nil {
		if task, err := h.store.GetTaskMeta(ctx, taskID); err == nil {
			if status, serr := h.store.GetStatus(ctx, taskID); serr == nil {
				task.Status = status
			}
			writeJSON(w, http.StatusOK, task)
			return
		}
	}
	if h.repo != nil {
		task, err := h.repo.GetTask(ctx, taskID)
		if err == nil {
			writeJSON(w, http.StatusOK, task)
			return
		}
		if !domain.IsNotFound(err) {
			h.logger.Error("audit lookup failed",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to retrieve task")
			return
		}
	}
	writeError(w, http.StatusNotFound, "task not found")
}

func (h *REST) ListAssignments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.OpenAssignments())
}

// CompleteRequest is the JSON body for completion reports.
type CompleteRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (h *REST) CompleteAssignment(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.sched.Complete(r.Context(), chi.URLParam(r, "id"), req.Success, req.Error); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Workers ─────────────────────────────────────────────────────────────────

// WorkerRequest is the JSON body for worker registration and updates.
type WorkerRequest struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	CPUBudget          float64  `json:"cpu_budget"`
	MemoryBudget       float64  `json:"memory_budget"`
	GPUBudget          float64  `json:"gpu_budget"`
	RatedCapacity      float64  `json:"rated_capacity"`
	Capabilities       []string `json:"capabilities,omitempty"`
	TimeoutMs          int64    `json:"timeout_ms"`
	Active             bool     `json:"active"`
}

func (wr WorkerRequest) config() domain.WorkerConfig {
	return domain.WorkerConfig{
		ID:                 wr.ID,
		Name:               wr.Name,
		MaxConcurrentTasks: wr.MaxConcurrentTasks,
		CPUBudget:          wr.CPUBudget,
		MemoryBudget:       wr.MemoryBudget,
		GPUBudget:          wr.GPUBudget,
		RatedCapacity:      wr.RatedCapacity,
		Capabilities:       wr.Capabilities,
		Timeout:            time.Duration(wr.TimeoutMs) * time.Millisecond,
		Active:             wr.Active,
	}
}

func (h *REST) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req WorkerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.workers.Register(req.config()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (h *REST) ListWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.workers.List())
}

func (h *REST) GetWorker(w http.ResponseWriter, r *http.Request) {
	info, err := h.workers.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *REST) UpdateWorker(w http.ResponseWriter, r *http.Request) {
	var req WorkerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.workers.UpdateConfig(chi.URLParam(r, "id"), req.config()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *REST) DeregisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.DeregisterWorker(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *REST) SetWorkerActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.workers.SetActive(chi.URLParam(r, "id"), req.Active); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Jobs ────────────────────────────────────────────────────────────────────

// JobRequest is the JSON body for job creation and updates.
type JobRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Schedule   string `json:"schedule"`
	MaxRetries int    `json:"max_retries"`
	RetryDelay int64  `json:"retry_delay_ms"`
	Active     bool   `json:"active"`
}

func (j JobRequest) config() domain.JobConfig {
	return domain.JobConfig{
		ID:         j.ID,
		Name:       j.Name,
		Schedule:   j.Schedule,
		MaxRetries: j.MaxRetries,
		RetryDelay: time.Duration(j.RetryDelay) * time.Millisecond,
		Active:     j.Active,
	}
}

func (h *REST) AddJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.jobs.Add(req.config()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (h *REST) ListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.List())
}

func (h *REST) GetJob(w http.ResponseWriter, r *http.Request) {
	info, err := h.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *REST) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.jobs.UpdateConfig(chi.URLParam(r, "id"), req.config()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *REST) RemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Remove(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *REST) SetJobActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.jobs.SetActive(chi.URLParam(r, "id"), req.Active); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *REST) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.jobs.Runs(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *REST) RunJob(w http.ResponseWriter, r *http.Request) {
	run, err := h.jobs.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (h *REST) CompleteRun(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.jobs.CompleteRun(r.Context(), chi.URLParam(r, "id"), req.Success, req.Error); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *REST) Readyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeDomainError maps the core's error taxonomy to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		invalidCfg   *domain.InvalidConfigError
		invalidSched *domain.InvalidScheduleError
		inactive     *domain.InactiveError
		queueExists  *domain.QueueExistsError
		workerExists *domain.WorkerExistsError
		jobExists    *domain.JobExistsError
	)
	switch {
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &inactive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &queueExists), errors.As(err, &workerExists), errors.As(err, &jobExists):
		writeError(w, http.StatusConflict, err.Error())
	case domain.IsCapacityExceeded(err):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &invalidCfg), errors.As(err, &invalidSched):
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsNoEligibleWorker(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
