package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/platform/metrics"
)

// mockPublisher records lifecycle events in publish order.
type mockPublisher struct {
	mu     sync.Mutex
	events []*domain.Event
	err    error
}

func (p *mockPublisher) PublishLifecycle(_ context.Context, event *domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *mockPublisher) published() []*domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*domain.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *mockPublisher) lastLifecycleType(t *testing.T) domain.LifecycleEventType {
	t.Helper()
	events := p.published()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.NotNil(t, last.Lifecycle)
	return last.Lifecycle.LifecycleType
}

// mockBilling records rollback calls.
type mockBilling struct {
	mu      sync.Mutex
	calls   []string // reason per call
	lastTask *domain.Task
	err     error
}

func (b *mockBilling) Rollback(_ context.Context, task *domain.Task, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, reason)
	b.lastTask = task
	return b.err
}

func (b *mockBilling) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type lifecycleFixture struct {
	store     *mockTaskStore
	publisher *mockPublisher
	billing   *mockBilling
	registry  *prometheus.Registry
	service   *LifecycleService
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	registry := prometheus.NewRegistry()
	f := &lifecycleFixture{
		store:     newMockTaskStore(),
		publisher: &mockPublisher{},
		billing:   &mockBilling{},
		registry:  registry,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.service = NewLifecycleService(f.store, f.publisher, f.billing, metrics.NewCollector(registry), logger)
	return f
}

func (f *lifecycleFixture) createTask(t *testing.T, params CreateTaskParams) *domain.Task {
	t.Helper()
	if params.UserID == uuid.Nil {
		params.UserID = uuid.New()
	}
	if params.ProjectID == "" {
		params.ProjectID = "project-1"
	}
	if params.Type == "" {
		params.Type = "script_generation"
	}
	task, err := f.service.CreateTask(context.Background(), params)
	require.NoError(t, err)
	return task
}

// deniedCount sums task_transitions_denied_total for the given labels.
func (f *lifecycleFixture) deniedCount(t *testing.T, operation, reason string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "task_transitions_denied_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := make(map[string]string)
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["operation"] == operation && labels["reason"] == reason {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestLifecycleService_CreateTask(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	task := f.createTask(t, CreateTaskParams{
		EpisodeID:  "ep-1",
		TargetType: "episode",
		TargetID:   "ep-1",
		Payload:    json.RawMessage(`{"prompt":"hello"}`),
	})

	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Equal(t, "ep-1", task.EpisodeID)

	stored, err := f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, stored.Status)

	events := f.publisher.published()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Lifecycle)
	assert.Equal(t, domain.LifecycleCreated, events[0].Lifecycle.LifecycleType)
	require.NotNil(t, events[0].Lifecycle.Progress)
	assert.Equal(t, 0, *events[0].Lifecycle.Progress)
	assert.Equal(t, task.ID.String(), events[0].TaskID)
	assert.Equal(t, "project-1", events[0].ProjectID)
}

func TestLifecycleService_CreateTask_Invalid(t *testing.T) {
	f := newLifecycleFixture(t)

	_, err := f.service.CreateTask(context.Background(), CreateTaskParams{
		UserID:    uuid.New(),
		ProjectID: "project-1",
		// Type missing
	})
	assert.ErrorIs(t, err, domain.ErrTaskTypeEmpty)
	assert.Empty(t, f.publisher.published())
}

func TestLifecycleService_MarkProcessing(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	task := f.createTask(t, CreateTaskParams{})

	ok, err := f.service.MarkProcessing(ctx, task.ID, "ext-1")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusProcessing, stored.Status)
	assert.Equal(t, "ext-1", stored.ExternalID)
	assert.Equal(t, 1, stored.Attempt)

	assert.Equal(t, domain.LifecycleProcessing, f.publisher.lastLifecycleType(t))

	// Re-entry by a duplicate worker is allowed and re-announced.
	ok, err = f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err = f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempt)
	assert.Equal(t, "ext-1", stored.ExternalID)
}

func TestLifecycleService_MarkProcessing_DeniedOnTerminal(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	task := f.createTask(t, CreateTaskParams{})

	ok, err := f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.service.Complete(ctx, task.ID, nil)
	require.NoError(t, err)
	require.True(t, ok)

	published := len(f.publisher.published())

	ok, err = f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)
	assert.False(t, ok)

	// Denied: no event, status unchanged, metric classified as a mismatch.
	assert.Len(t, f.publisher.published(), published)
	stored, err := f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.Equal(t, 1.0, f.deniedCount(t, "mark_processing", "status_mismatch"))
}

func TestLifecycleService_MarkProcessing_DeniedOnMissing(t *testing.T) {
	f := newLifecycleFixture(t)

	ok, err := f.service.MarkProcessing(context.Background(), uuid.New(), "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1.0, f.deniedCount(t, "mark_processing", "task_missing"))
}

func TestLifecycleService_UpdateProgress(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	task := f.createTask(t, CreateTaskParams{})

	// Progress updates require the processing state.
	ok, err := f.service.UpdateProgress(ctx, task.ID, 50, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)

	ok, err = f.service.UpdateProgress(ctx, task.ID, 50, json.RawMessage(`{"stage":"draft"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.Progress)
	assert.JSONEq(t, `{"stage":"draft"}`, string(stored.Payload))

	events := f.publisher.published()
	last := events[len(events)-1]
	require.NotNil(t, last.Lifecycle)
	assert.Equal(t, domain.LifecycleProcessing, last.Lifecycle.LifecycleType)
	require.NotNil(t, last.Lifecycle.Progress)
	assert.Equal(t, 50, *last.Lifecycle.Progress)
}

func TestLifecycleService_Complete(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	task := f.createTask(t, CreateTaskParams{})
	_, err := f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)

	ok, err := f.service.Complete(ctx, task.ID, json.RawMessage(`{"url":"s3://out"}`))
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Nil(t, stored.HeartbeatAt)
	require.NotNil(t, stored.FinishedAt)

	assert.Equal(t, domain.LifecycleCompleted, f.publisher.lastLifecycleType(t))
	assert.Equal(t, 0, f.billing.callCount())
}

func TestLifecycleService_Fail_RollsBackBilling(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	task := f.createTask(t, CreateTaskParams{
		BillingInfo: json.RawMessage(`{"credits":10}`),
	})
	_, err := f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)

	ok, err := f.service.Fail(ctx, task.ID, "HANDLER_ERROR", "model exploded")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, "HANDLER_ERROR", stored.ErrorCode)
	assert.Equal(t, "model exploded", stored.ErrorMessage)

	events := f.publisher.published()
	last := events[len(events)-1]
	require.NotNil(t, last.Lifecycle)
	assert.Equal(t, domain.LifecycleFailed, last.Lifecycle.LifecycleType)
	assert.Equal(t, "HANDLER_ERROR", last.Lifecycle.ErrorCode)
	assert.Equal(t, "model exploded", last.Lifecycle.Message)

	require.Equal(t, 1, f.billing.callCount())
	assert.Equal(t, "HANDLER_ERROR", f.billing.calls[0])
}

func TestLifecycleService_Fail_NoBillingInfoSkipsRollback(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	task := f.createTask(t, CreateTaskParams{})

	ok, err := f.service.Fail(ctx, task.ID, "X", "queued tasks can fail too")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, f.billing.callCount())
}

func TestLifecycleService_Fail_BillingErrorPropagatesAfterTransition(t *testing.T) {
	f := newLifecycleFixture(t)
	f.billing.err = errors.New("billing service down")
	ctx := context.Background()
	task := f.createTask(t, CreateTaskParams{
		BillingInfo: json.RawMessage(`{"credits":10}`),
	})
	_, err := f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)

	ok, err := f.service.Fail(ctx, task.ID, "HANDLER_ERROR", "boom")
	assert.True(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing rollback failed")

	// The transition itself stands; only the rollback failed.
	stored, getErr := f.service.GetTask(ctx, task.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, domain.LifecycleFailed, f.publisher.lastLifecycleType(t))
}

func TestLifecycleService_Cancel(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	task := f.createTask(t, CreateTaskParams{})
	_, err := f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)

	ok, err := f.service.Cancel(ctx, task.ID, "")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, ErrorCodeCancelled, stored.ErrorCode)
	assert.Equal(t, "cancelled by user", stored.ErrorMessage)

	// Cancelling a terminal task is a denied transition, not an error.
	ok, err = f.service.Cancel(ctx, task.ID, "again")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1.0, f.deniedCount(t, "mark_failed", "status_mismatch"))
}

func TestLifecycleService_DismissFailedTasks(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	failed := f.createTask(t, CreateTaskParams{UserID: userID})
	_, err := f.service.Fail(ctx, failed.ID, "X", "bad")
	require.NoError(t, err)
	active := f.createTask(t, CreateTaskParams{UserID: userID})

	before := len(f.publisher.published())

	dismissed, err := f.service.DismissFailedTasks(ctx, []uuid.UUID{failed.ID, active.ID}, userID)
	require.NoError(t, err)
	require.Len(t, dismissed, 1)
	assert.Equal(t, failed.ID, dismissed[0].ID)
	assert.Equal(t, domain.TaskStatusDismissed, dismissed[0].Status)

	events := f.publisher.published()
	require.Len(t, events, before+1)
	require.NotNil(t, events[len(events)-1].Lifecycle)
	assert.Equal(t, domain.LifecycleDismissed, events[len(events)-1].Lifecycle.LifecycleType)
}

func TestLifecycleService_SweepStaleTasks(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	stale := f.createTask(t, CreateTaskParams{})
	_, err := f.service.MarkProcessing(ctx, stale.ID, "")
	require.NoError(t, err)
	f.store.setHeartbeat(stale.ID, time.Now().UTC().Add(-time.Hour))

	fresh := f.createTask(t, CreateTaskParams{})
	_, err = f.service.MarkProcessing(ctx, fresh.ID, "")
	require.NoError(t, err)

	swept, err := f.service.SweepStaleTasks(ctx, 10*time.Minute, 100)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, stale.ID, swept[0].ID)

	staleStored, err := f.service.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, staleStored.Status)
	assert.Equal(t, ErrorCodeWatchdogTimeout, staleStored.ErrorCode)
	assert.Contains(t, staleStored.ErrorMessage, "no liveness signal")

	freshStored, err := f.service.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusProcessing, freshStored.Status)
}

func TestLifecycleService_Heartbeat(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	task := f.createTask(t, CreateTaskParams{})

	// Heartbeats on non-processing tasks are quietly denied.
	ok, err := f.service.Heartbeat(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)

	ok, err = f.service.Heartbeat(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLifecycleService_SetExternalID(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()
	task := f.createTask(t, CreateTaskParams{})
	_, err := f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)

	ok, err := f.service.SetExternalID(ctx, task.ID, "run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Set-once: a second write is denied.
	ok, err = f.service.SetExternalID(ctx, task.ID, "run-2")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", stored.ExternalID)
}

func TestLifecycleService_PublishFailureDoesNotBlockTransition(t *testing.T) {
	f := newLifecycleFixture(t)
	f.publisher.err = errors.New("broker down")
	ctx := context.Background()

	task := f.createTask(t, CreateTaskParams{})
	ok, err := f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := f.service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusProcessing, stored.Status)
}
