package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/storyloom/storyloom-api/internal/domain"
)

// TaskFilter narrows a task query. Zero values mean "no filter" for the
// corresponding field.
type TaskFilter struct {
	ProjectID  string
	UserID     uuid.UUID
	TargetType string
	TargetID   string
	Statuses   []domain.TaskStatus
	Types      []string
	Limit      int
}

// TaskStore defines persistence for tasks.
//
// All the guard operations (MarkTask*/TryMark*/TrySet*/Touch*) are single
// conditional writes: the row is updated only if its current status is in the
// operation's allowed source set, and the boolean result reports whether a
// row was affected. A false result means the transition was denied and the
// row is guaranteed unchanged; it is never an error. Callers that need to
// know why a transition was denied issue a separate GetTaskStatus read, which
// is advisory only (the state may have changed in between).
type TaskStore interface {
	// CreateTask persists a new task row. The task must be in QUEUED status.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by ID. Returns ErrTaskNotFound if no row exists.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// GetTaskStatus retrieves only the current status of a task, used to
	// classify a denied transition. Returns ErrTaskNotFound if no row exists.
	GetTaskStatus(ctx context.Context, id uuid.UUID) (domain.TaskStatus, error)

	// MarkTaskEnqueued records a successful broker hand-off on a QUEUED task,
	// setting enqueued_at and clearing last_enqueue_error.
	MarkTaskEnqueued(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkTaskEnqueueFailed records a failed broker hand-off on a QUEUED
	// task, incrementing enqueue_attempts and storing the truncated error.
	MarkTaskEnqueueFailed(ctx context.Context, id uuid.UUID, enqueueErr string) (bool, error)

	// TryMarkTaskProcessing moves a QUEUED or PROCESSING task to PROCESSING,
	// setting started_at and heartbeat_at, storing externalID (may be empty)
	// and incrementing the attempt counter. The PROCESSING self-loop makes
	// re-entry by duplicate workers idempotent.
	TryMarkTaskProcessing(ctx context.Context, id uuid.UUID, externalID string) (bool, error)

	// TrySetTaskExternalID sets the external execution ID exactly once on a
	// PROCESSING task whose external ID is still empty. A blank or
	// whitespace-only externalID is rejected without touching storage.
	TrySetTaskExternalID(ctx context.Context, id uuid.UUID, externalID string) (bool, error)

	// TouchTaskHeartbeat refreshes heartbeat_at on a PROCESSING task.
	TouchTaskHeartbeat(ctx context.Context, id uuid.UUID) (bool, error)

	// TryUpdateTaskProgress sets progress on a PROCESSING task and replaces
	// the payload when a non-nil payload is given.
	TryUpdateTaskProgress(ctx context.Context, id uuid.UUID, progress int, payload json.RawMessage) (bool, error)

	// TryMarkTaskCompleted moves a PROCESSING task to COMPLETED with
	// progress 100, stores the result, sets finished_at and clears
	// heartbeat_at.
	TryMarkTaskCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage) (bool, error)

	// TryMarkTaskFailed moves a QUEUED or PROCESSING task to FAILED with the
	// truncated error code/message, sets finished_at and clears heartbeat_at.
	TryMarkTaskFailed(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) (bool, error)

	// DismissFailedTasks moves the given user's FAILED tasks to DISMISSED and
	// returns the full rows of every task actually dismissed, each at most
	// once regardless of duplicate input IDs.
	DismissFailedTasks(ctx context.Context, ids []uuid.UUID, userID uuid.UUID) ([]domain.Task, error)

	// ResetProcessingTasksToQueued bulk-moves every PROCESSING task back to
	// QUEUED, clearing started_at and heartbeat_at, and returns how many rows
	// were moved. Run once at process start to recover tasks whose worker
	// crashed mid-flight.
	ResetProcessingTasksToQueued(ctx context.Context) (int64, error)

	// ListActiveTasks returns QUEUED/PROCESSING tasks in the given scope,
	// most recently updated first, used to synthesize connection snapshots.
	ListActiveTasks(ctx context.Context, scope domain.EventScope, limit int) ([]domain.Task, error)

	// ListStaleProcessingTasks returns PROCESSING tasks whose liveness
	// timestamp (heartbeat_at, falling back to started_at, falling back to
	// updated_at) is older than the cutoff, oldest first.
	ListStaleProcessingTasks(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error)

	// QueryTasks returns tasks matching the filter, newest first.
	QueryTasks(ctx context.Context, filter TaskFilter) ([]domain.Task, error)

	// WithTx returns a new TaskStore instance that uses the provided
	// transaction. The transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) TaskStore
}
