package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/api/shared"
	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/platform/logger"
	"github.com/storyloom/storyloom-api/internal/store"
	"github.com/storyloom/storyloom-api/internal/task"
)

// TaskService is the lifecycle surface the task endpoints use. Implemented by
// task.LifecycleService.
type TaskService interface {
	CreateTask(ctx context.Context, params task.CreateTaskParams) (*domain.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	QueryTasks(ctx context.Context, filter store.TaskFilter) ([]domain.Task, error)
	DismissFailedTasks(ctx context.Context, ids []uuid.UUID, userID uuid.UUID) ([]domain.Task, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error)
}

// TaskSubmitter hands created tasks to the worker pool. Implemented by
// task.Runner.
type TaskSubmitter interface {
	Submit(ctx context.Context, task *domain.Task) error
}

// TaskHandler serves the task endpoints.
type TaskHandler struct {
	service   TaskService
	submitter TaskSubmitter
	events    store.EventStore
	logger    *slog.Logger
}

// taskEventsLimit caps how many events GET /api/tasks/{id} attaches.
const taskEventsLimit = 1000

// NewTaskHandler creates a new TaskHandler with the given dependencies.
func NewTaskHandler(
	service TaskService,
	submitter TaskSubmitter,
	events store.EventStore,
	logger *slog.Logger,
) *TaskHandler {
	if service == nil {
		panic("service cannot be nil")
	}
	if submitter == nil {
		panic("submitter cannot be nil")
	}
	if events == nil {
		panic("events cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &TaskHandler{
		service:   service,
		submitter: submitter,
		events:    events,
		logger:    logger.With(slog.String("component", "task_handler")),
	}
}

// CreateTask handles POST /api/tasks. The task is persisted and handed to the
// worker pool; when the pool's queue is full the task stays queued and the
// client gets 503 to retry later.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, ok := getUserIDFromContext(r)
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "User ID not found or invalid")
		return
	}

	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	created, err := h.service.CreateTask(r.Context(), task.CreateTaskParams{
		UserID:      userID,
		ProjectID:   req.ProjectID,
		EpisodeID:   req.EpisodeID,
		Type:        req.Type,
		Payload:     req.Payload,
		TargetType:  req.TargetType,
		TargetID:    req.TargetID,
		BillingInfo: req.BillingInfo,
	})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	if err := h.submitter.Submit(r.Context(), created); err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			log.Warn("task queue full, task left queued",
				slog.String("task_id", created.ID.String()))
			shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable,
				"Server is busy, try again later", err)
			return
		}
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, NewTaskResponse(created))
}

// ListTasks handles GET /api/tasks, scoped to the caller's own tasks and
// optionally narrowed by projectId, status and type query parameters.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "User ID not found or invalid")
		return
	}

	filter := store.TaskFilter{
		UserID:    userID,
		ProjectID: r.URL.Query().Get("projectId"),
		Limit:     200,
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []domain.TaskStatus{domain.TaskStatus(status)}
	}
	if taskType := r.URL.Query().Get("type"); taskType != "" {
		filter.Types = []string{taskType}
	}

	tasks, err := h.service.QueryTasks(r.Context(), filter)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, TaskListResponse{Tasks: newTaskResponses(tasks)})
}

// GetTask handles GET /api/tasks/{id}. With includeEvents=true the response
// carries the task's recorded events. Tasks belonging to other users read as
// not found.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := requireUserAndTaskID(w, r)
	if !ok {
		return
	}

	found, err := h.service.GetTask(r.Context(), taskID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if found.UserID != userID {
		HandleAPIError(w, r, store.ErrTaskNotFound, "")
		return
	}

	resp := TaskDetailResponse{Task: NewTaskResponse(found)}
	if r.URL.Query().Get("includeEvents") == "true" {
		events, err := h.events.ListTaskEvents(r.Context(), taskID.String(), taskEventsLimit)
		if err != nil {
			HandleAPIError(w, r, err, "")
			return
		}
		resp.Events = events
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// CancelTask handles POST /api/tasks/{id}/cancel. Cancelling an already
// terminal task reports cancelled=false rather than an error.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := requireUserAndTaskID(w, r)
	if !ok {
		return
	}

	found, err := h.service.GetTask(r.Context(), taskID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if found.UserID != userID {
		HandleAPIError(w, r, store.ErrTaskNotFound, "")
		return
	}

	var req CancelTaskRequest
	if r.ContentLength > 0 {
		if err := shared.DecodeJSON(r, &req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
			return
		}
		if err := shared.ValidateRequest(req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
			return
		}
	}

	cancelled, err := h.service.Cancel(r.Context(), taskID, req.Reason)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, CancelTaskResponse{Cancelled: cancelled})
}

// DismissTasks handles POST /api/tasks/dismiss, the bulk dismissal of failed
// tasks. Only the caller's own failed tasks are affected; everything else in
// the list is silently skipped.
func (h *TaskHandler) DismissTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserIDFromContext(r)
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "User ID not found or invalid")
		return
	}

	var req DismissTasksRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	dismissed, err := h.service.DismissFailedTasks(r.Context(), req.TaskIDs, userID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, DismissTasksResponse{
		Dismissed: newTaskResponses(dismissed),
	})
}
