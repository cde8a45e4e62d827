package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nutcas3/chronos-monorepo/internal/domain"
	"github.com/nutcas3/chronos-monorepo/internal/kafka"
	"github.com/nutcas3/chronos-monorepo/internal/postgres"
	redisstore "github.com/nutcas3/chronos-monorepo/internal/redis"
	"github.com/nutcas3/chronos-monorepo/pkg/telemetry"
)

// REST handles HTTP requests for the API service. All writes go through the
// durable store; the producer only carries task-ready signals, and Redis is a
// read accelerator plus the submission rate limiter.
type REST struct {
	store    postgres.Store
	producer kafka.Producer
	cache    redisstore.StateCache
	limiter  redisstore.RateLimiter
	logger   *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(store postgres.Store, producer kafka.Producer, cache redisstore.StateCache, limiter redisstore.RateLimiter, logger *slog.Logger) *REST {
	return &REST{store: store, producer: producer, cache: cache, limiter: limiter, logger: logger}
}

// TaskSpec describes one task inside a workflow creation or submission body.
type TaskSpec struct {
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	MaxRetries     *int            `json:"max_retries,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
}

// CreateWorkflowRequest is the JSON body for POST /api/v1/workflows.
type CreateWorkflowRequest struct {
	Name  string     `json:"name"`
	Tasks []TaskSpec `json:"tasks,omitempty"`
}

// CreateWorkflowResponse is the 201 response body.
type CreateWorkflowResponse struct {
	WorkflowID string    `json:"workflow_id"`
	State      string    `json:"state"`
	TaskIDs    []string  `json:"task_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

const defaultMaxRetries = 3

func (spec TaskSpec) validate() string {
	if strings.TrimSpace(spec.Name) == "" {
		return "field 'name' is required"
	}
	if strings.TrimSpace(spec.Type) == "" {
		return "field 'type' is required"
	}
	if spec.MaxRetries != nil && *spec.MaxRetries < 0 {
		return "field 'max_retries' must be >= 0"
	}
	if spec.TimeoutSeconds < 0 {
		return "field 'timeout_seconds' must be >= 0"
	}
	return ""
}

func (spec TaskSpec) toTask(workflowID string) *domain.Task {
	retries := defaultMaxRetries
	if spec.MaxRetries != nil {
		retries = *spec.MaxRetries
	}
	return &domain.Task{
		WorkflowID:     workflowID,
		Name:           spec.Name,
		Type:           spec.Type,
		MaxRetries:     retries,
		TimeoutSeconds: spec.TimeoutSeconds,
		Parameters:     spec.Parameters,
	}
}

// CreateWorkflow handles POST /api/v1/workflows. Tasks are persisted in
// Queued but no signals are published until the workflow is started.
func (h *REST) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.create_workflow")
	defer span.End()

	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "field 'name' is required")
		return
	}
	for i, spec := range req.Tasks {
		if msg := spec.validate(); msg != "" {
			writeError(w, http.StatusBadRequest, "tasks["+strconv.Itoa(i)+"]: "+msg)
			return
		}
	}

	wf := &domain.Workflow{Name: req.Name}
	if err := h.store.CreateWorkflow(ctx, wf); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create workflow failed")
		h.logger.Error("failed to create workflow", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create workflow")
		return
	}
	span.SetAttributes(attribute.String("workflow.id", wf.ID))

	taskIDs := make([]string, 0, len(req.Tasks))
	for _, spec := range req.Tasks {
		task := spec.toTask(wf.ID)
		if err := h.store.CreateTask(ctx, task); err != nil {
			h.logger.Error("failed to create task",
				slog.String("workflow_id", wf.ID),
				slog.String("task_name", spec.Name),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to create task")
			return
		}
		taskIDs = append(taskIDs, task.ID)
		telemetry.APITasksSubmitted.WithLabelValues(task.Type).Inc()
	}

	telemetry.APIWorkflowsCreated.Inc()
	h.logger.Info("workflow created",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
		slog.Int("tasks", len(taskIDs)),
	)

	writeJSON(w, http.StatusCreated, CreateWorkflowResponse{
		WorkflowID: wf.ID,
		State:      string(wf.State),
		TaskIDs:    taskIDs,
		CreatedAt:  wf.CreatedAt,
	})
}

// AddTaskResponse is the 202 response body for POST /workflows/{id}/tasks.
type AddTaskResponse struct {
	TaskID    string    `json:"task_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// AddTask handles POST /api/v1/workflows/{id}/tasks. Submissions are rate
// limited per workflow so a runaway client cannot flood one workflow's queue.
func (h *REST) AddTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.add_task")
	defer span.End()

	workflowID := chi.URLParam(r, "id")
	allowed, err := h.limiter.Allow(ctx, workflowID)
	if err != nil {
		// Redis down must not block submissions; the limiter is best-effort.
		h.logger.Warn("rate limiter unavailable, allowing request", slog.String("error", err.Error()))
	} else if !allowed {
		telemetry.APIRateLimitedTotal.Inc()
		writeError(w, http.StatusTooManyRequests, "task submission rate limit exceeded for workflow")
		return
	}

	if _, err := h.store.GetWorkflow(ctx, workflowID); err != nil {
		var notFound *domain.WorkflowNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		h.logger.Error("failed to load workflow", slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}

	var spec TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := spec.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	task := spec.toTask(workflowID)
	if err := h.store.CreateTask(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create task failed")
		h.logger.Error("failed to create task", slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))
	telemetry.APITasksSubmitted.WithLabelValues(task.Type).Inc()

	writeJSON(w, http.StatusAccepted, AddTaskResponse{
		TaskID:    task.ID,
		State:     string(task.State),
		CreatedAt: task.CreatedAt,
	})
}

// StartWorkflowResponse is the response body for POST /workflows/{id}/start.
type StartWorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
	Signalled  int    `json:"signalled"`
}

// StartWorkflow handles POST /api/v1/workflows/{id}/start: publishes a
// task-ready signal for every Queued task of the workflow. Safe to repeat —
// an already-claimed task absorbs the duplicate signal as a stale claim.
func (h *REST) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.start_workflow")
	defer span.End()

	workflowID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("workflow.id", workflowID))

	if _, err := h.store.GetWorkflow(ctx, workflowID); err != nil {
		var notFound *domain.WorkflowNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}

	tasks, err := h.store.ListTasksByWorkflow(ctx, workflowID)
	if err != nil {
		h.logger.Error("failed to list tasks", slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	signalled := 0
	for _, task := range tasks {
		if task.State != domain.StateQueued {
			continue
		}
		if err := h.producer.Publish(ctx, kafka.TopicTasks, kafka.Signal{
			TaskID:     task.ID,
			WorkflowID: workflowID,
		}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "kafka publish failed")
			h.logger.Error("failed to publish signal",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to enqueue tasks")
			return
		}
		signalled++
	}

	h.logger.Info("workflow started",
		slog.String("workflow_id", workflowID),
		slog.Int("signalled", signalled),
	)
	writeJSON(w, http.StatusAccepted, StartWorkflowResponse{
		WorkflowID: workflowID,
		Signalled:  signalled,
	})
}

// WorkflowResponse is the GET /workflows/{id} response body.
type WorkflowResponse struct {
	Workflow *domain.Workflow `json:"workflow"`
	Tasks    []*domain.Task   `json:"tasks"`
}

// GetWorkflow handles GET /api/v1/workflows/{id}.
func (h *REST) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := chi.URLParam(r, "id")

	wf, err := h.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		var notFound *domain.WorkflowNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		h.logger.Error("failed to load workflow", slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load workflow")
		return
	}

	tasks, err := h.store.ListTasksByWorkflow(ctx, workflowID)
	if err != nil {
		h.logger.Error("failed to list tasks", slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	writeJSON(w, http.StatusOK, WorkflowResponse{Workflow: wf, Tasks: tasks})
}

// GetTask handles GET /api/v1/tasks/{id}. The durable row is authoritative;
// the cache only freshens the state field when it happens to be ahead of a
// replica read.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")

	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("failed to load task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	if !task.Terminal() {
		if state, err := h.cache.GetState(ctx, taskID); err == nil && state.Valid() {
			task.State = state
		}
	}

	writeJSON(w, http.StatusOK, task)
}

// ListEvents handles GET /api/v1/tasks/{id}/events — the task's full audit
// trail in commit order.
func (h *REST) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")

	if _, err := h.store.GetTask(ctx, taskID); err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	events, err := h.store.ListEvents(ctx, taskID)
	if err != nil {
		h.logger.Error("failed to list events", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "events": events})
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel. Cancellation is
// cooperative: a Queued task cancels immediately, a Running one keeps
// executing but its outcome is discarded when it tries to commit.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.cancel_task")
	defer span.End()

	taskID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("task.id", taskID))

	task, err := h.store.Transition(ctx, domain.Transition{
		TaskID: taskID,
		From:   domain.StateQueued,
		To:     domain.StateCancelled,
	})
	if domain.IsStale(err) {
		task, err = h.store.Transition(ctx, domain.Transition{
			TaskID: taskID,
			From:   domain.StateRunning,
			To:     domain.StateCancelled,
		})
	}
	if err != nil {
		if domain.IsStale(err) {
			writeError(w, http.StatusConflict, "task is not in a cancellable state")
			return
		}
		span.RecordError(err)
		h.logger.Error("failed to cancel task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	if err := h.cache.SetState(ctx, task.ID, task.State); err != nil {
		h.logger.Debug("state cache write failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
	if err := h.store.SyncWorkflow(ctx, task.WorkflowID); err != nil {
		h.logger.Warn("workflow aggregation failed", slog.String("workflow_id", task.WorkflowID), slog.String("error", err.Error()))
	}

	h.logger.Info("task cancelled", slog.String("task_id", taskID))
	writeJSON(w, http.StatusOK, task)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks the durable store.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.store.GetTask(ctx, "00000000-0000-0000-0000-000000000000"); err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
