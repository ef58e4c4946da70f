package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/platform/metrics"
)

type runnerFixture struct {
	store     *mockTaskStore
	publisher *mockPublisher
	service   *LifecycleService
	runner    *Runner
}

func newRunnerFixture(t *testing.T, config RunnerConfig) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		store:     newMockTaskStore(),
		publisher: &mockPublisher{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.service = NewLifecycleService(f.store, f.publisher, nil, metrics.NewCollector(prometheus.NewRegistry()), logger)
	f.runner = NewRunner(f.service, config, logger)
	return f
}

func (f *runnerFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.runner.Start())
	t.Cleanup(f.runner.Stop)
}

func (f *runnerFixture) createAndSubmit(t *testing.T, taskType string) *domain.Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.service.CreateTask(ctx, CreateTaskParams{
		UserID:    uuid.New(),
		ProjectID: "project-1",
		Type:      taskType,
	})
	require.NoError(t, err)
	require.NoError(t, f.runner.Submit(ctx, task))
	return task
}

func (f *runnerFixture) waitForStatus(t *testing.T, task *domain.Task, want domain.TaskStatus) *domain.Task {
	t.Helper()
	var stored *domain.Task
	require.Eventually(t, func() bool {
		var err error
		stored, err = f.service.GetTask(context.Background(), task.ID)
		return err == nil && stored.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return stored
}

func TestRunner_ProcessesTaskToCompletion(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{WorkerCount: 2, QueueSize: 10})
	f.runner.Register("echo", HandlerFunc(func(_ context.Context, task *domain.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"echoed":true}`), nil
	}))
	f.start(t)

	task := f.createAndSubmit(t, "echo")
	stored := f.waitForStatus(t, task, domain.TaskStatusCompleted)

	assert.Equal(t, 100, stored.Progress)
	assert.JSONEq(t, `{"echoed":true}`, string(stored.Result))
	require.NotNil(t, stored.EnqueuedAt)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.FinishedAt)
	assert.Equal(t, 1, stored.Attempt)

	// created -> processing -> completed, in order.
	var types []domain.LifecycleEventType
	for _, event := range f.publisher.published() {
		require.NotNil(t, event.Lifecycle)
		types = append(types, event.Lifecycle.LifecycleType)
	}
	assert.Equal(t, []domain.LifecycleEventType{
		domain.LifecycleCreated,
		domain.LifecycleProcessing,
		domain.LifecycleCompleted,
	}, types)
}

func TestRunner_HandlerErrorFailsTask(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{WorkerCount: 1, QueueSize: 10})
	f.runner.Register("broken", HandlerFunc(func(context.Context, *domain.Task) (json.RawMessage, error) {
		return nil, errors.New("upstream rejected the prompt")
	}))
	f.start(t)

	task := f.createAndSubmit(t, "broken")
	stored := f.waitForStatus(t, task, domain.TaskStatusFailed)

	assert.Equal(t, ErrorCodeHandlerFailed, stored.ErrorCode)
	assert.Equal(t, "upstream rejected the prompt", stored.ErrorMessage)
}

func TestRunner_UnknownTaskTypeFailsTask(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{WorkerCount: 1, QueueSize: 10})
	f.start(t)

	task := f.createAndSubmit(t, "nobody_handles_this")
	stored := f.waitForStatus(t, task, domain.TaskStatusFailed)

	assert.Equal(t, ErrorCodeUnknownType, stored.ErrorCode)
	assert.Contains(t, stored.ErrorMessage, "nobody_handles_this")
}

func TestRunner_QueueFull(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{WorkerCount: 1, QueueSize: 1})
	// Not started: nothing drains the queue.

	ctx := context.Background()
	first, err := f.service.CreateTask(ctx, CreateTaskParams{
		UserID: uuid.New(), ProjectID: "project-1", Type: "echo",
	})
	require.NoError(t, err)
	require.NoError(t, f.runner.Submit(ctx, first))

	second, err := f.service.CreateTask(ctx, CreateTaskParams{
		UserID: uuid.New(), ProjectID: "project-1", Type: "echo",
	})
	require.NoError(t, err)
	err = f.runner.Submit(ctx, second)
	assert.ErrorIs(t, err, ErrQueueFull)

	// The rejected task stays queued with the failure recorded on the row.
	stored, err := f.service.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.EnqueueAttempts)
	assert.Equal(t, ErrQueueFull.Error(), stored.LastEnqueueError)
	assert.Nil(t, stored.EnqueuedAt)

	accepted, err := f.service.GetTask(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, accepted.EnqueuedAt)
}

func TestRunner_RecoversInterruptedTasksOnStart(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{WorkerCount: 1, QueueSize: 10})
	f.runner.Register("echo", HandlerFunc(func(context.Context, *domain.Task) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))

	// Simulate a crash: one task was mid-processing, one was queued but
	// never picked up.
	ctx := context.Background()
	interrupted, err := f.service.CreateTask(ctx, CreateTaskParams{
		UserID: uuid.New(), ProjectID: "project-1", Type: "echo",
	})
	require.NoError(t, err)
	ok, err := f.service.MarkProcessing(ctx, interrupted.ID, "")
	require.NoError(t, err)
	require.True(t, ok)

	orphaned, err := f.service.CreateTask(ctx, CreateTaskParams{
		UserID: uuid.New(), ProjectID: "project-1", Type: "echo",
	})
	require.NoError(t, err)

	f.start(t)

	f.waitForStatus(t, interrupted, domain.TaskStatusCompleted)
	f.waitForStatus(t, orphaned, domain.TaskStatusCompleted)

	// The interrupted task went back through queued, so it was claimed twice.
	stored, err := f.service.GetTask(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempt)
}

func TestRunner_HeartbeatsWhileHandlerRuns(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{
		WorkerCount:       1,
		QueueSize:         10,
		HeartbeatInterval: 20 * time.Millisecond,
	})

	release := make(chan struct{})
	f.runner.Register("slow", HandlerFunc(func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))
	f.start(t)

	task := f.createAndSubmit(t, "slow")
	f.waitForStatus(t, task, domain.TaskStatusProcessing)

	var first time.Time
	require.Eventually(t, func() bool {
		stored, err := f.service.GetTask(context.Background(), task.ID)
		if err != nil || stored.HeartbeatAt == nil {
			return false
		}
		first = *stored.HeartbeatAt
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// The heartbeat keeps advancing while the handler is blocked.
	require.Eventually(t, func() bool {
		stored, err := f.service.GetTask(context.Background(), task.ID)
		return err == nil && stored.HeartbeatAt != nil && stored.HeartbeatAt.After(first)
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	stored := f.waitForStatus(t, task, domain.TaskStatusCompleted)
	assert.Nil(t, stored.HeartbeatAt)
}

func TestRunner_SweeperTimesOutStaleTasks(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{
		WorkerCount:   1,
		QueueSize:     10,
		SweepInterval: 20 * time.Millisecond,
		StaleTaskAge:  time.Minute,
	})
	f.start(t)

	// A processing task from outside the runner, with its liveness backdated.
	ctx := context.Background()
	task, err := f.service.CreateTask(ctx, CreateTaskParams{
		UserID: uuid.New(), ProjectID: "project-1", Type: "external",
	})
	require.NoError(t, err)
	ok, err := f.service.MarkProcessing(ctx, task.ID, "")
	require.NoError(t, err)
	require.True(t, ok)
	f.store.setHeartbeat(task.ID, time.Now().UTC().Add(-time.Hour))

	stored := f.waitForStatus(t, task, domain.TaskStatusFailed)
	assert.Equal(t, ErrorCodeWatchdogTimeout, stored.ErrorCode)
}

func TestRunner_StopWaitsForInFlightHandler(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{WorkerCount: 1, QueueSize: 10})

	started := make(chan struct{})
	finished := make(chan struct{})
	f.runner.Register("slow", HandlerFunc(func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		close(finished)
		return nil, ctx.Err()
	}))
	require.NoError(t, f.runner.Start())

	f.createAndSubmit(t, "slow")
	<-started

	f.runner.Stop()

	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the in-flight handler finished")
	}
}
