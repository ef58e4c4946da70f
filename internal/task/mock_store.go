package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/store"
)

// mockTaskStore is an in-memory store.TaskStore with the same guard
// semantics as the real one, used by the tests in this package.
type mockTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
}

func newMockTaskStore() *mockTaskStore {
	return &mockTaskStore{tasks: make(map[uuid.UUID]*domain.Task)}
}

var _ store.TaskStore = (*mockTaskStore)(nil)

func (m *mockTaskStore) CreateTask(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return store.ErrDuplicate
	}
	clone := *task
	m.tasks[task.ID] = &clone
	return nil
}

func (m *mockTaskStore) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	clone := *task
	return &clone, nil
}

func (m *mockTaskStore) GetTaskStatus(_ context.Context, id uuid.UUID) (domain.TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return "", store.ErrTaskNotFound
	}
	return task.Status, nil
}

// update runs fn on the task when its status is in sources, reporting whether
// the write happened.
func (m *mockTaskStore) update(id uuid.UUID, sources []domain.TaskStatus, fn func(*domain.Task)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return false
	}
	allowed := false
	for _, source := range sources {
		if task.Status == source {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	fn(task)
	task.UpdatedAt = time.Now().UTC()
	return true
}

func (m *mockTaskStore) MarkTaskEnqueued(_ context.Context, id uuid.UUID) (bool, error) {
	return m.update(id, []domain.TaskStatus{domain.TaskStatusQueued}, func(t *domain.Task) {
		now := time.Now().UTC()
		t.EnqueuedAt = &now
		t.LastEnqueueError = ""
	}), nil
}

func (m *mockTaskStore) MarkTaskEnqueueFailed(_ context.Context, id uuid.UUID, enqueueErr string) (bool, error) {
	return m.update(id, []domain.TaskStatus{domain.TaskStatusQueued}, func(t *domain.Task) {
		t.EnqueueAttempts++
		t.LastEnqueueError = enqueueErr
	}), nil
}

func (m *mockTaskStore) TryMarkTaskProcessing(_ context.Context, id uuid.UUID, externalID string) (bool, error) {
	return m.update(id, []domain.TaskStatus{domain.TaskStatusQueued, domain.TaskStatusProcessing}, func(t *domain.Task) {
		now := time.Now().UTC()
		t.Status = domain.TaskStatusProcessing
		t.StartedAt = &now
		t.HeartbeatAt = &now
		t.Attempt++
		if externalID != "" {
			t.ExternalID = externalID
		}
	}), nil
}

func (m *mockTaskStore) TrySetTaskExternalID(_ context.Context, id uuid.UUID, externalID string) (bool, error) {
	if strings.TrimSpace(externalID) == "" {
		return false, nil
	}
	wrote := false
	ok := m.update(id, []domain.TaskStatus{domain.TaskStatusProcessing}, func(t *domain.Task) {
		if t.ExternalID == "" {
			t.ExternalID = externalID
			wrote = true
		}
	})
	return ok && wrote, nil
}

func (m *mockTaskStore) TouchTaskHeartbeat(_ context.Context, id uuid.UUID) (bool, error) {
	return m.update(id, []domain.TaskStatus{domain.TaskStatusProcessing}, func(t *domain.Task) {
		now := time.Now().UTC()
		t.HeartbeatAt = &now
	}), nil
}

func (m *mockTaskStore) TryUpdateTaskProgress(_ context.Context, id uuid.UUID, progress int, payload json.RawMessage) (bool, error) {
	return m.update(id, []domain.TaskStatus{domain.TaskStatusProcessing}, func(t *domain.Task) {
		t.Progress = progress
		if payload != nil {
			t.Payload = payload
		}
	}), nil
}

func (m *mockTaskStore) TryMarkTaskCompleted(_ context.Context, id uuid.UUID, result json.RawMessage) (bool, error) {
	return m.update(id, []domain.TaskStatus{domain.TaskStatusProcessing}, func(t *domain.Task) {
		now := time.Now().UTC()
		t.Status = domain.TaskStatusCompleted
		t.Progress = 100
		t.Result = result
		t.FinishedAt = &now
		t.HeartbeatAt = nil
	}), nil
}

func (m *mockTaskStore) TryMarkTaskFailed(_ context.Context, id uuid.UUID, errorCode, errorMessage string) (bool, error) {
	return m.update(id, []domain.TaskStatus{domain.TaskStatusQueued, domain.TaskStatusProcessing}, func(t *domain.Task) {
		now := time.Now().UTC()
		t.Status = domain.TaskStatusFailed
		t.ErrorCode = errorCode
		t.ErrorMessage = errorMessage
		t.FinishedAt = &now
		t.HeartbeatAt = nil
	}), nil
}

func (m *mockTaskStore) DismissFailedTasks(_ context.Context, ids []uuid.UUID, userID uuid.UUID) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dismissed []domain.Task
	seen := make(map[uuid.UUID]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		task, ok := m.tasks[id]
		if !ok || task.UserID != userID || task.Status != domain.TaskStatusFailed {
			continue
		}
		task.Status = domain.TaskStatusDismissed
		task.UpdatedAt = time.Now().UTC()
		dismissed = append(dismissed, *task)
	}
	return dismissed, nil
}

func (m *mockTaskStore) ResetProcessingTasksToQueued(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, task := range m.tasks {
		if task.Status == domain.TaskStatusProcessing {
			task.Status = domain.TaskStatusQueued
			task.StartedAt = nil
			task.HeartbeatAt = nil
			n++
		}
	}
	return n, nil
}

func (m *mockTaskStore) ListActiveTasks(_ context.Context, scope domain.EventScope, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, task := range m.tasks {
		if !task.Status.IsActive() || task.ProjectID != scope.ProjectID {
			continue
		}
		if scope.UserID != "" && task.UserID.String() != scope.UserID {
			continue
		}
		if scope.EpisodeID != "" && task.EpisodeID != scope.EpisodeID {
			continue
		}
		out = append(out, *task)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockTaskStore) ListStaleProcessingTasks(_ context.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, task := range m.tasks {
		if task.Status != domain.TaskStatusProcessing {
			continue
		}
		liveness := task.UpdatedAt
		if task.StartedAt != nil {
			liveness = *task.StartedAt
		}
		if task.HeartbeatAt != nil {
			liveness = *task.HeartbeatAt
		}
		if liveness.Before(cutoff) {
			out = append(out, *task)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *mockTaskStore) QueryTasks(_ context.Context, filter store.TaskFilter) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, task := range m.tasks {
		if filter.ProjectID != "" && task.ProjectID != filter.ProjectID {
			continue
		}
		if filter.UserID != uuid.Nil && task.UserID != filter.UserID {
			continue
		}
		if filter.TargetType != "" && task.TargetType != filter.TargetType {
			continue
		}
		if filter.TargetID != "" && task.TargetID != filter.TargetID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, task.Status) {
			continue
		}
		if len(filter.Types) > 0 && !containsString(filter.Types, task.Type) {
			continue
		}
		out = append(out, *task)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *mockTaskStore) WithTx(*sql.Tx) store.TaskStore { return m }

// setHeartbeat backdates a task's liveness timestamp, for sweep tests.
func (m *mockTaskStore) setHeartbeat(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[id]; ok {
		task.HeartbeatAt = &at
	}
}

func containsStatus(statuses []domain.TaskStatus, status domain.TaskStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
