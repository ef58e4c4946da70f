package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/store"
)

// eventColumns is the canonical SELECT column list for task_events rows.
const eventColumns = `id, type, task_id, project_id, user_id, episode_id, ts,
	task_type, target_type, target_id, payload`

// PostgresEventStore implements the store.EventStore interface
// using a PostgreSQL database as the storage backend. The task_events table
// is append-only; its auto-incrementing primary key is the per-project
// ordering cursor that SSE clients resume from.
type PostgresEventStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresEventStore creates a new PostgreSQL implementation of the
// EventStore interface. If logger is nil, a default logger will be used.
func NewPostgresEventStore(db store.DBTX, logger *slog.Logger) *PostgresEventStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresEventStore{
		db:     db,
		logger: logger.With(slog.String("component", "event_store")),
	}
}

// Ensure PostgresEventStore implements store.EventStore interface
var _ store.EventStore = (*PostgresEventStore)(nil)

// WithTx implements store.EventStore.WithTx
func (s *PostgresEventStore) WithTx(tx *sql.Tx) store.EventStore {
	return &PostgresEventStore{
		db:     tx,
		logger: s.logger,
	}
}

// AppendEvent implements store.EventStore.AppendEvent
func (s *PostgresEventStore) AppendEvent(ctx context.Context, event *domain.Event) (int64, error) {
	payload, err := marshalEventPayload(event)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	ts := time.Now().UTC()

	query := `
		INSERT INTO task_events (type, task_id, project_id, user_id,
			episode_id, ts, task_type, target_type, target_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		event.Type,
		event.TaskID,
		event.ProjectID,
		event.UserID,
		event.EpisodeID,
		ts,
		event.TaskType,
		event.TargetType,
		event.TargetID,
		payload,
	).Scan(&id)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to append event",
			slog.String("event_type", string(event.Type)),
			slog.String("task_id", event.TaskID),
			slog.String("project_id", event.ProjectID),
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to append event: %w", MapError(err))
	}

	// The broadcast payload must match the log row exactly, so the stored
	// ID and timestamp win over whatever the caller set.
	event.ID = strconv.FormatInt(id, 10)
	event.TS = ts

	return id, nil
}

// ListEventsAfter implements store.EventStore.ListEventsAfter
func (s *PostgresEventStore) ListEventsAfter(
	ctx context.Context,
	projectID string,
	afterID int64,
	limit int,
	filter store.EventFilter,
) ([]domain.Event, error) {
	args := []interface{}{projectID, afterID}
	query := `SELECT ` + eventColumns + `
		FROM task_events
		WHERE project_id = $1 AND id > $2`

	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.EpisodeID != "" {
		args = append(args, filter.EpisodeID)
		query += fmt.Sprintf(" AND episode_id = $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var events []domain.Event
	for rows.Next() {
		event, err := s.scanEvent(ctx, rows)
		if err != nil {
			return nil, err
		}
		if event != nil {
			events = append(events, *event)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", MapError(err))
	}

	return events, nil
}

// ListTaskEvents implements store.EventStore.ListTaskEvents
func (s *PostgresEventStore) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM task_events
		WHERE task_id = $1
		ORDER BY id ASC LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list task events: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var events []domain.Event
	for rows.Next() {
		event, err := s.scanEvent(ctx, rows)
		if err != nil {
			return nil, err
		}
		if event != nil {
			events = append(events, *event)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", MapError(err))
	}

	return events, nil
}

// scanEvent reads one task_events row. A row whose payload no longer decodes
// is logged and skipped rather than poisoning the whole replay.
func (s *PostgresEventStore) scanEvent(ctx context.Context, rows *sql.Rows) (*domain.Event, error) {
	var (
		id      int64
		event   domain.Event
		payload []byte
	)

	err := rows.Scan(
		&id,
		&event.Type,
		&event.TaskID,
		&event.ProjectID,
		&event.UserID,
		&event.EpisodeID,
		&event.TS,
		&event.TaskType,
		&event.TargetType,
		&event.TargetID,
		&payload,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", MapError(err))
	}

	event.ID = strconv.FormatInt(id, 10)

	if err := unmarshalEventPayload(&event, payload); err != nil {
		s.logger.WarnContext(ctx, "skipping event with undecodable payload",
			slog.Int64("event_id", id),
			slog.String("event_type", string(event.Type)),
			slog.String("error", err.Error()))
		return nil, nil
	}

	return &event, nil
}

// marshalEventPayload serializes the payload variant matching the event type.
func marshalEventPayload(event *domain.Event) ([]byte, error) {
	switch event.Type {
	case domain.EventTypeLifecycle:
		if event.Lifecycle == nil {
			return nil, domain.ErrEventPayloadMissing
		}
		return json.Marshal(event.Lifecycle)
	case domain.EventTypeStream:
		if event.Stream == nil {
			return nil, domain.ErrEventPayloadMissing
		}
		return json.Marshal(event.Stream)
	default:
		return nil, fmt.Errorf("unknown event type %q", event.Type)
	}
}

// unmarshalEventPayload decodes the payload variant selected by the event type.
func unmarshalEventPayload(event *domain.Event, payload []byte) error {
	if len(payload) == 0 {
		return domain.ErrEventPayloadMissing
	}

	switch event.Type {
	case domain.EventTypeLifecycle:
		var p domain.LifecyclePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		event.Lifecycle = &p
	case domain.EventTypeStream:
		var p domain.StreamPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		event.Stream = &p
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}

	return nil
}
