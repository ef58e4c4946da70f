package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/store"
)

// Column width limits for task error fields. Inputs are truncated, never
// rejected, so a terminal transition cannot fail because of a long provider
// error string.
const (
	maxErrorCodeLen        = 80
	maxErrorMessageLen     = 2000
	maxLastEnqueueErrorLen = 500
)

// taskColumns is the canonical SELECT column list; scanTask must match it.
const taskColumns = `id, type, status, progress, payload, result, error_code,
	error_message, external_id, attempt, user_id, project_id, episode_id,
	target_type, target_id, billing_info, enqueued_at, enqueue_attempts,
	last_enqueue_error, started_at, finished_at, heartbeat_at, created_at,
	updated_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the
// TaskStore interface. It accepts a database connection or transaction that
// should be initialized and managed by the caller. If logger is nil, a
// default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// WithTx implements store.TaskStore.WithTx
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{
		db:     tx,
		logger: s.logger,
	}
}

// CreateTask implements store.TaskStore.CreateTask
func (s *PostgresTaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	if task.Status != domain.TaskStatusQueued {
		return fmt.Errorf("%w: new task must be queued, got %q", store.ErrInvalidEntity, task.Status)
	}

	query := `
		INSERT INTO tasks (id, type, status, progress, payload, user_id,
			project_id, episode_id, target_type, target_id, billing_info,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Type,
		task.Status,
		task.Progress,
		[]byte(task.Payload),
		task.UserID,
		task.ProjectID,
		task.EpisodeID,
		task.TargetType,
		task.TargetID,
		[]byte(task.BillingInfo),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create task",
			slog.String("task_id", task.ID.String()),
			slog.String("task_type", task.Type),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to create task: %w", MapError(err))
	}

	return nil
}

// GetTask implements store.TaskStore.GetTask
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", MapError(err))
	}

	return task, nil
}

// GetTaskStatus implements store.TaskStore.GetTaskStatus
func (s *PostgresTaskStore) GetTaskStatus(ctx context.Context, id uuid.UUID) (domain.TaskStatus, error) {
	var status domain.TaskStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if IsNotFoundError(err) {
			return "", store.ErrTaskNotFound
		}
		return "", fmt.Errorf("failed to get task status: %w", MapError(err))
	}

	return status, nil
}

// MarkTaskEnqueued implements store.TaskStore.MarkTaskEnqueued
func (s *PostgresTaskStore) MarkTaskEnqueued(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE tasks
		SET enqueued_at = $1, last_enqueue_error = '', updated_at = $1
		WHERE id = $2 AND status = $3
	`

	return s.guardedUpdate(ctx, "mark_enqueued", query,
		time.Now().UTC(), id, domain.TaskStatusQueued)
}

// MarkTaskEnqueueFailed implements store.TaskStore.MarkTaskEnqueueFailed
func (s *PostgresTaskStore) MarkTaskEnqueueFailed(ctx context.Context, id uuid.UUID, enqueueErr string) (bool, error) {
	query := `
		UPDATE tasks
		SET enqueue_attempts = enqueue_attempts + 1,
			last_enqueue_error = $1,
			updated_at = $2
		WHERE id = $3 AND status = $4
	`

	return s.guardedUpdate(ctx, "mark_enqueue_failed", query,
		truncate(enqueueErr, maxLastEnqueueErrorLen),
		time.Now().UTC(), id, domain.TaskStatusQueued)
}

// TryMarkTaskProcessing implements store.TaskStore.TryMarkTaskProcessing
func (s *PostgresTaskStore) TryMarkTaskProcessing(ctx context.Context, id uuid.UUID, externalID string) (bool, error) {
	// NULLIF keeps the stored external ID when the caller passes an empty
	// one; re-entry by a duplicate worker must not erase it.
	query := `
		UPDATE tasks
		SET status = $1,
			started_at = $2,
			heartbeat_at = $2,
			external_id = COALESCE(NULLIF($3, ''), external_id),
			attempt = attempt + 1,
			updated_at = $2
		WHERE id = $4 AND status IN ($5, $6)
	`

	return s.guardedUpdate(ctx, "mark_processing", query,
		domain.TaskStatusProcessing,
		time.Now().UTC(),
		externalID,
		id,
		domain.TaskStatusQueued, domain.TaskStatusProcessing)
}

// TrySetTaskExternalID implements store.TaskStore.TrySetTaskExternalID
func (s *PostgresTaskStore) TrySetTaskExternalID(ctx context.Context, id uuid.UUID, externalID string) (bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return false, nil
	}

	query := `
		UPDATE tasks
		SET external_id = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND external_id = ''
	`

	return s.guardedUpdate(ctx, "set_external_id", query,
		externalID, time.Now().UTC(), id, domain.TaskStatusProcessing)
}

// TouchTaskHeartbeat implements store.TaskStore.TouchTaskHeartbeat
func (s *PostgresTaskStore) TouchTaskHeartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE tasks
		SET heartbeat_at = $1, updated_at = $1
		WHERE id = $2 AND status = $3
	`

	return s.guardedUpdate(ctx, "touch_heartbeat", query,
		time.Now().UTC(), id, domain.TaskStatusProcessing)
}

// TryUpdateTaskProgress implements store.TaskStore.TryUpdateTaskProgress
func (s *PostgresTaskStore) TryUpdateTaskProgress(ctx context.Context, id uuid.UUID, progress int, payload json.RawMessage) (bool, error) {
	if payload == nil {
		query := `
			UPDATE tasks
			SET progress = $1, updated_at = $2
			WHERE id = $3 AND status = $4
		`
		return s.guardedUpdate(ctx, "update_progress", query,
			progress, time.Now().UTC(), id, domain.TaskStatusProcessing)
	}

	query := `
		UPDATE tasks
		SET progress = $1, payload = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`

	return s.guardedUpdate(ctx, "update_progress", query,
		progress, []byte(payload), time.Now().UTC(), id, domain.TaskStatusProcessing)
}

// TryMarkTaskCompleted implements store.TaskStore.TryMarkTaskCompleted
func (s *PostgresTaskStore) TryMarkTaskCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1,
			progress = 100,
			result = $2,
			finished_at = $3,
			heartbeat_at = NULL,
			updated_at = $3
		WHERE id = $4 AND status = $5
	`

	return s.guardedUpdate(ctx, "mark_completed", query,
		domain.TaskStatusCompleted,
		[]byte(result),
		time.Now().UTC(),
		id,
		domain.TaskStatusProcessing)
}

// TryMarkTaskFailed implements store.TaskStore.TryMarkTaskFailed
func (s *PostgresTaskStore) TryMarkTaskFailed(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1,
			error_code = $2,
			error_message = $3,
			finished_at = $4,
			heartbeat_at = NULL,
			updated_at = $4
		WHERE id = $5 AND status IN ($6, $7)
	`

	return s.guardedUpdate(ctx, "mark_failed", query,
		domain.TaskStatusFailed,
		truncate(errorCode, maxErrorCodeLen),
		truncate(errorMessage, maxErrorMessageLen),
		time.Now().UTC(),
		id,
		domain.TaskStatusQueued, domain.TaskStatusProcessing)
}

// DismissFailedTasks implements store.TaskStore.DismissFailedTasks
func (s *PostgresTaskStore) DismissFailedTasks(ctx context.Context, ids []uuid.UUID, userID uuid.UUID) ([]domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	args := []interface{}{domain.TaskStatusDismissed, now, userID, domain.TaskStatusFailed}
	placeholders := make([]string, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	// A row is updated at most once no matter how often its ID repeats in
	// the input, so the returned set is already deduplicated.
	query := fmt.Sprintf(`
		UPDATE tasks
		SET status = $1, updated_at = $2
		WHERE user_id = $3 AND status = $4 AND id IN (%s)
		RETURNING %s
	`, strings.Join(placeholders, ", "), taskColumns)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to dismiss failed tasks",
			slog.String("user_id", userID.String()),
			slog.Int("task_count", len(ids)),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to dismiss failed tasks: %w", MapError(err))
	}

	return collectTasks(rows)
}

// ResetProcessingTasksToQueued implements store.TaskStore.ResetProcessingTasksToQueued
func (s *PostgresTaskStore) ResetProcessingTasksToQueued(ctx context.Context) (int64, error) {
	query := `
		UPDATE tasks
		SET status = $1, started_at = NULL, heartbeat_at = NULL, updated_at = $2
		WHERE status = $3
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStatusQueued, time.Now().UTC(), domain.TaskStatusProcessing)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to reset processing tasks",
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to reset processing tasks: %w", MapError(err))
	}

	return rowsAffected(result)
}

// ListActiveTasks implements store.TaskStore.ListActiveTasks
func (s *PostgresTaskStore) ListActiveTasks(ctx context.Context, scope domain.EventScope, limit int) ([]domain.Task, error) {
	args := []interface{}{domain.TaskStatusQueued, domain.TaskStatusProcessing, scope.ProjectID}
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE status IN ($1, $2) AND project_id = $3`

	if scope.UserID != "" {
		args = append(args, scope.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if scope.EpisodeID != "" {
		args = append(args, scope.EpisodeID)
		query += fmt.Sprintf(" AND episode_id = $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tasks: %w", MapError(err))
	}

	return collectTasks(rows)
}

// ListStaleProcessingTasks implements store.TaskStore.ListStaleProcessingTasks
func (s *PostgresTaskStore) ListStaleProcessingTasks(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
	// COALESCE picks the best available liveness signal: a worker that never
	// heartbeats is judged by when it started, and one that never started by
	// when the row last changed.
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = $1 AND COALESCE(heartbeat_at, started_at, updated_at) < $2
		ORDER BY COALESCE(heartbeat_at, started_at, updated_at) ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, domain.TaskStatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale processing tasks: %w", MapError(err))
	}

	return collectTasks(rows)
}

// QueryTasks implements store.TaskStore.QueryTasks
func (s *PostgresTaskStore) QueryTasks(ctx context.Context, filter store.TaskFilter) ([]domain.Task, error) {
	var (
		conds []string
		args  []interface{}
	)

	addCond := func(cond string, value interface{}) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.ProjectID != "" {
		addCond("project_id = $%d", filter.ProjectID)
	}
	if filter.UserID != uuid.Nil {
		addCond("user_id = $%d", filter.UserID)
	}
	if filter.TargetType != "" {
		addCond("target_type = $%d", filter.TargetType)
	}
	if filter.TargetID != "" {
		addCond("target_id = $%d", filter.TargetID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			args = append(args, status)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, 0, len(filter.Types))
		for _, taskType := range filter.Types {
			args = append(args, taskType)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		conds = append(conds, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ", ")))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", MapError(err))
	}

	return collectTasks(rows)
}

// guardedUpdate executes a conditional status write and reports whether a row
// was affected. Zero rows is the denial outcome, not an error.
func (s *PostgresTaskStore) guardedUpdate(ctx context.Context, operation, query string, args ...interface{}) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.ErrorContext(ctx, "guarded task update failed",
			slog.String("operation", operation),
			slog.String("error", err.Error()))
		return false, fmt.Errorf("failed to execute %s: %w", operation, MapError(err))
	}

	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// truncate trims s to at most limit bytes.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTask reads one row in taskColumns order into a domain.Task.
func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task        domain.Task
		payload     []byte
		result      []byte
		billingInfo []byte
		enqueuedAt  sql.NullTime
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
		heartbeatAt sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.Type,
		&task.Status,
		&task.Progress,
		&payload,
		&result,
		&task.ErrorCode,
		&task.ErrorMessage,
		&task.ExternalID,
		&task.Attempt,
		&task.UserID,
		&task.ProjectID,
		&task.EpisodeID,
		&task.TargetType,
		&task.TargetID,
		&billingInfo,
		&enqueuedAt,
		&task.EnqueueAttempts,
		&task.LastEnqueueError,
		&startedAt,
		&finishedAt,
		&heartbeatAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		task.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	if len(billingInfo) > 0 {
		task.BillingInfo = json.RawMessage(billingInfo)
	}
	if enqueuedAt.Valid {
		t := enqueuedAt.Time
		task.EnqueuedAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}
	if heartbeatAt.Valid {
		t := heartbeatAt.Time
		task.HeartbeatAt = &t
	}

	return &task, nil
}

// collectTasks drains rows into a slice, closing rows in all paths.
func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer func() { _ = rows.Close() }()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", MapError(err))
		}
		tasks = append(tasks, *task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", MapError(err))
	}

	return tasks, nil
}
