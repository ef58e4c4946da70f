package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/storyloom/storyloom-api/internal/domain"
)

// testSchema mirrors the production migrations closely enough for the stores'
// portable SQL to behave identically on SQLite.
const testSchema = `
CREATE TABLE tasks (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	payload TEXT,
	result TEXT,
	error_code TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	attempt INTEGER NOT NULL DEFAULT 0,
	user_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	episode_id TEXT NOT NULL DEFAULT '',
	target_type TEXT NOT NULL DEFAULT '',
	target_id TEXT NOT NULL DEFAULT '',
	billing_info TEXT,
	enqueued_at TIMESTAMP,
	enqueue_attempts INTEGER NOT NULL DEFAULT 0,
	last_enqueue_error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP,
	finished_at TIMESTAMP,
	heartbeat_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE task_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	episode_id TEXT NOT NULL DEFAULT '',
	ts TIMESTAMP NOT NULL,
	task_type TEXT NOT NULL DEFAULT '',
	target_type TEXT NOT NULL DEFAULT '',
	target_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL
);
`

// newTestDB opens an in-memory SQLite database with the task schema applied.
// The single-connection pool keeps the in-memory database alive for the
// duration of the test.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err, "failed to open in-memory database")
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err, "failed to apply test schema")

	return db
}

// createTestTask inserts a fresh queued task and returns it.
func createTestTask(t *testing.T, s *PostgresTaskStore, userID uuid.UUID, projectID string) *domain.Task {
	t.Helper()

	task, err := domain.NewTask(userID, projectID, "episode_generation", []byte(`{"prompt":"draft"}`))
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(context.Background(), task))

	return task
}

// forceStatus pushes a task into the given status through the guard chain so
// tests never write status outside the store API.
func forceStatus(t *testing.T, s *PostgresTaskStore, id uuid.UUID, status domain.TaskStatus) {
	t.Helper()

	ctx := context.Background()
	switch status {
	case domain.TaskStatusQueued:
		// Tasks start queued.
	case domain.TaskStatusProcessing:
		ok, err := s.TryMarkTaskProcessing(ctx, id, "")
		require.NoError(t, err)
		require.True(t, ok)
	case domain.TaskStatusCompleted:
		forceStatus(t, s, id, domain.TaskStatusProcessing)
		ok, err := s.TryMarkTaskCompleted(ctx, id, []byte(`{}`))
		require.NoError(t, err)
		require.True(t, ok)
	case domain.TaskStatusFailed:
		ok, err := s.TryMarkTaskFailed(ctx, id, "provider_error", "boom")
		require.NoError(t, err)
		require.True(t, ok)
	case domain.TaskStatusDismissed:
		t.Fatalf("dismissed is reached via DismissFailedTasks")
	}
}

// getTask fetches a task, failing the test on error.
func getTask(t *testing.T, s *PostgresTaskStore, id uuid.UUID) *domain.Task {
	t.Helper()

	task, err := s.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

// pastTime returns a UTC timestamp the given duration in the past.
func pastTime(d time.Duration) time.Time {
	return time.Now().UTC().Add(-d)
}
