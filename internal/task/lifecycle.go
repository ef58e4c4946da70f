package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/events"
	"github.com/storyloom/storyloom-api/internal/platform/metrics"
	"github.com/storyloom/storyloom-api/internal/store"
)

// Error codes written by the lifecycle itself. Handler-provided codes pass
// through untouched.
const (
	ErrorCodeCancelled       = "TASK_CANCELLED"
	ErrorCodeWatchdogTimeout = "WATCHDOG_TIMEOUT"
	ErrorCodeHandlerFailed   = "HANDLER_ERROR"
	ErrorCodeUnknownType     = "UNKNOWN_TASK_TYPE"
)

// Denial classifications for the transitions-denied metric.
const (
	denialStatusMismatch = "status_mismatch"
	denialTaskMissing    = "task_missing"
)

// Publisher is the event-side dependency of the lifecycle.
type Publisher interface {
	PublishLifecycle(ctx context.Context, event *domain.Event) error
}

// BillingRollback is the external billing collaborator, invoked with the
// task's stored billing info when the task fails or is cancelled while
// active. Implementations decide what the info means.
type BillingRollback interface {
	Rollback(ctx context.Context, task *domain.Task, reason string) error
}

// CreateTaskParams carries the submitter-provided fields of a new task.
type CreateTaskParams struct {
	UserID      uuid.UUID
	ProjectID   string
	EpisodeID   string
	Type        string
	Payload     json.RawMessage
	TargetType  string
	TargetID    string
	BillingInfo json.RawMessage
}

// LifecycleService is the sole mutator of task status. Each transition is a
// single conditional write; a false result means the transition was denied
// and nothing changed. Denials are logged and counted, never returned as
// errors.
type LifecycleService struct {
	tasks     store.TaskStore
	publisher Publisher
	billing   BillingRollback
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// NewLifecycleService creates the lifecycle guard. billing may be nil when no
// billing collaborator is configured.
func NewLifecycleService(
	tasks store.TaskStore,
	publisher Publisher,
	billing BillingRollback,
	collector *metrics.Collector,
	logger *slog.Logger,
) *LifecycleService {
	if tasks == nil {
		panic("tasks cannot be nil")
	}
	if publisher == nil {
		panic("publisher cannot be nil")
	}
	if collector == nil {
		panic("collector cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &LifecycleService{
		tasks:     tasks,
		publisher: publisher,
		billing:   billing,
		metrics:   collector,
		logger:    logger.With(slog.String("component", "task_lifecycle")),
	}
}

// CreateTask persists a new queued task and announces it.
func (s *LifecycleService) CreateTask(ctx context.Context, params CreateTaskParams) (*domain.Task, error) {
	task, err := domain.NewTask(params.UserID, params.ProjectID, params.Type, params.Payload)
	if err != nil {
		return nil, err
	}
	task.EpisodeID = params.EpisodeID
	task.TargetType = params.TargetType
	task.TargetID = params.TargetID
	task.BillingInfo = params.BillingInfo

	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.publishLifecycle(ctx, task, domain.LifecyclePayload{
		LifecycleType: domain.LifecycleCreated,
		Progress:      progressOf(0),
	})

	return task, nil
}

// GetTask retrieves a task by ID.
func (s *LifecycleService) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.tasks.GetTask(ctx, id)
}

// QueryTasks returns tasks matching the filter.
func (s *LifecycleService) QueryTasks(ctx context.Context, filter store.TaskFilter) ([]domain.Task, error) {
	return s.tasks.QueryTasks(ctx, filter)
}

// MarkEnqueued records a successful broker hand-off.
func (s *LifecycleService) MarkEnqueued(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := s.tasks.MarkTaskEnqueued(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		s.recordDenial(ctx, "mark_enqueued", id, false)
	}
	return ok, nil
}

// MarkEnqueueFailed records a failed broker hand-off.
func (s *LifecycleService) MarkEnqueueFailed(ctx context.Context, id uuid.UUID, enqueueErr string) (bool, error) {
	ok, err := s.tasks.MarkTaskEnqueueFailed(ctx, id, enqueueErr)
	if err != nil {
		return false, err
	}
	if !ok {
		s.recordDenial(ctx, "mark_enqueue_failed", id, false)
	}
	return ok, nil
}

// MarkProcessing moves a task into processing and announces it. Re-entry by a
// duplicate worker is legal and re-announced.
func (s *LifecycleService) MarkProcessing(ctx context.Context, id uuid.UUID, externalID string) (bool, error) {
	ok, err := s.tasks.TryMarkTaskProcessing(ctx, id, externalID)
	if err != nil {
		return false, err
	}
	if !ok {
		s.recordDenial(ctx, "mark_processing", id, true)
		return false, nil
	}

	if task, err := s.tasks.GetTask(ctx, id); err == nil {
		s.publishLifecycle(ctx, task, domain.LifecyclePayload{
			LifecycleType: domain.LifecycleProcessing,
			Progress:      progressOf(task.Progress),
		})
	}
	return true, nil
}

// SetExternalID stores the downstream execution ID, exactly once.
func (s *LifecycleService) SetExternalID(ctx context.Context, id uuid.UUID, externalID string) (bool, error) {
	ok, err := s.tasks.TrySetTaskExternalID(ctx, id, externalID)
	if err != nil {
		return false, err
	}
	if !ok {
		s.recordDenial(ctx, "set_external_id", id, false)
	}
	return ok, nil
}

// Heartbeat refreshes the task's liveness timestamp. Denials are expected
// when a heartbeat races a completion and are not logged as warnings.
func (s *LifecycleService) Heartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.tasks.TouchTaskHeartbeat(ctx, id)
}

// UpdateProgress sets the task's progress and optionally replaces its
// payload, announcing the new state.
func (s *LifecycleService) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, payload json.RawMessage) (bool, error) {
	ok, err := s.tasks.TryUpdateTaskProgress(ctx, id, progress, payload)
	if err != nil {
		return false, err
	}
	if !ok {
		s.recordDenial(ctx, "update_progress", id, false)
		return false, nil
	}

	if task, err := s.tasks.GetTask(ctx, id); err == nil {
		s.publishLifecycle(ctx, task, domain.LifecyclePayload{
			LifecycleType: domain.LifecycleProcessing,
			Progress:      progressOf(progress),
		})
	}
	return true, nil
}

// Complete moves a processing task to completed with its result and
// announces it.
func (s *LifecycleService) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) (bool, error) {
	ok, err := s.tasks.TryMarkTaskCompleted(ctx, id, result)
	if err != nil {
		return false, err
	}
	if !ok {
		s.recordDenial(ctx, "mark_completed", id, true)
		return false, nil
	}

	if task, err := s.tasks.GetTask(ctx, id); err == nil {
		s.publishLifecycle(ctx, task, domain.LifecyclePayload{
			LifecycleType: domain.LifecycleCompleted,
			Progress:      progressOf(100),
		})
	}
	return true, nil
}

// Fail moves a queued or processing task to failed, rolls back billing when
// the task carries billing info, and announces the failure. A billing
// rollback error propagates to the caller; the transition itself has already
// happened.
func (s *LifecycleService) Fail(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) (bool, error) {
	ok, err := s.tasks.TryMarkTaskFailed(ctx, id, errorCode, errorMessage)
	if err != nil {
		return false, err
	}
	if !ok {
		s.recordDenial(ctx, "mark_failed", id, true)
		return false, nil
	}

	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return true, nil
	}

	s.publishLifecycle(ctx, task, domain.LifecyclePayload{
		LifecycleType: domain.LifecycleFailed,
		ErrorCode:     task.ErrorCode,
		Message:       task.ErrorMessage,
	})

	if err := s.rollbackBilling(ctx, task, errorCode); err != nil {
		return true, err
	}
	return true, nil
}

// Cancel fails an active task with the cancellation code. Returns false when
// the task was already terminal.
func (s *LifecycleService) Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	return s.Fail(ctx, id, ErrorCodeCancelled, reason)
}

// DismissFailedTasks moves the user's failed tasks to dismissed, announces
// each dismissal, and returns the dismissed rows.
func (s *LifecycleService) DismissFailedTasks(ctx context.Context, ids []uuid.UUID, userID uuid.UUID) ([]domain.Task, error) {
	dismissed, err := s.tasks.DismissFailedTasks(ctx, ids, userID)
	if err != nil {
		return nil, err
	}

	for i := range dismissed {
		s.publishLifecycle(ctx, &dismissed[i], domain.LifecyclePayload{
			LifecycleType: domain.LifecycleDismissed,
		})
	}
	return dismissed, nil
}

// SweepStaleTasks fails every processing task whose liveness timestamp is
// older than olderThan. It returns the tasks this sweep actually timed out;
// tasks that finish while the sweep runs are skipped by the guard.
func (s *LifecycleService) SweepStaleTasks(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Task, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := s.tasks.ListStaleProcessingTasks(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}

	var swept []domain.Task
	for _, task := range stale {
		message := fmt.Sprintf("no liveness signal for %s", olderThan)
		ok, err := s.Fail(ctx, task.ID, ErrorCodeWatchdogTimeout, message)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to time out stale task",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			swept = append(swept, task)
		}
	}

	if len(swept) > 0 {
		s.logger.InfoContext(ctx, "timed out stale tasks", slog.Int("count", len(swept)))
	}
	return swept, nil
}

// ResetProcessingTasksToQueued recovers tasks whose worker died with the
// process. Run once at startup, before any worker starts.
func (s *LifecycleService) ResetProcessingTasksToQueued(ctx context.Context) (int64, error) {
	n, err := s.tasks.ResetProcessingTasksToQueued(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "reset interrupted tasks to queued", slog.Int64("count", n))
	}
	return n, nil
}

// rollbackBilling invokes the billing collaborator for tasks that reserved
// billing up front.
func (s *LifecycleService) rollbackBilling(ctx context.Context, task *domain.Task, reason string) error {
	if s.billing == nil || len(task.BillingInfo) == 0 {
		return nil
	}

	if err := s.billing.Rollback(ctx, task, reason); err != nil {
		s.logger.ErrorContext(ctx, "billing rollback failed",
			slog.String("task_id", task.ID.String()),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		return fmt.Errorf("billing rollback failed: %w", err)
	}
	return nil
}

// publishLifecycle announces a transition. Publishing is best-effort here:
// the transition is already durable, and the log append inside the publisher
// is what consumers replay.
func (s *LifecycleService) publishLifecycle(ctx context.Context, task *domain.Task, payload domain.LifecyclePayload) {
	event := events.NewLifecycleEvent(task, payload)
	if err := s.publisher.PublishLifecycle(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish lifecycle event",
			slog.String("task_id", task.ID.String()),
			slog.String("lifecycle_type", string(payload.LifecycleType)),
			slog.String("error", err.Error()))
	}
}

// recordDenial classifies and records a denied transition. The follow-up
// status read is advisory: the row may have changed again already, so the
// logged status is diagnostic, not authoritative.
func (s *LifecycleService) recordDenial(ctx context.Context, operation string, id uuid.UUID, warn bool) {
	reason := denialStatusMismatch
	current := ""
	status, err := s.tasks.GetTaskStatus(ctx, id)
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		reason = denialTaskMissing
	case err == nil:
		current = string(status)
	}

	s.metrics.RecordTransitionDenied(operation, reason)

	level := slog.LevelDebug
	if warn {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "task transition denied",
		slog.String("operation", operation),
		slog.String("task_id", id.String()),
		slog.String("reason", reason),
		slog.String("current_status", current))
}

func progressOf(p int) *int {
	return &p
}
