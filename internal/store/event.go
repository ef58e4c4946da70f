package store

import (
	"context"
	"database/sql"

	"github.com/storyloom/storyloom-api/internal/domain"
)

// EventFilter narrows event replay to a single consumer's scope. Empty
// fields mean "no filter".
type EventFilter struct {
	UserID    string
	EpisodeID string
}

// EventStore defines persistence for the append-only per-project event log.
// Events are immutable once written; ordering within a project is defined by
// the monotonically increasing row ID the store assigns on append.
type EventStore interface {
	// AppendEvent inserts the event and returns the assigned log ID. The
	// event's ID and TS fields are overwritten with the stored values so the
	// broadcast payload and the log entry are the same serialized record.
	AppendEvent(ctx context.Context, event *domain.Event) (int64, error)

	// ListEventsAfter returns up to limit events with ID > afterID for the
	// project, in ascending ID order, further narrowed by the filter. This is
	// the replay primitive behind reconnect-with-cursor.
	ListEventsAfter(
		ctx context.Context,
		projectID string,
		afterID int64,
		limit int,
		filter EventFilter,
	) ([]domain.Event, error)

	// ListTaskEvents returns up to limit lifecycle and stream events recorded
	// for one task, in ascending ID order.
	ListTaskEvents(ctx context.Context, taskID string, limit int) ([]domain.Event, error)

	// WithTx returns a new EventStore instance that uses the provided
	// transaction.
	WithTx(tx *sql.Tx) EventStore
}
