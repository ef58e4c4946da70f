package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/store"
)

// ErrQueueFull is returned by Submit when the in-memory queue has no room.
// The task row stays queued with the failure recorded, so a later restart or
// resubmission picks it up.
var ErrQueueFull = errors.New("task queue is full")

// Handler executes one task type. Handlers are external collaborators: the
// runner owns the status transitions around the call, the handler owns the
// work and the result payload. A handler may report intermediate progress
// through the LifecycleService it was built with.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *domain.Task) (json.RawMessage, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// RunnerConfig holds configuration for the task runner.
type RunnerConfig struct {
	// WorkerCount determines how many concurrent workers process tasks.
	WorkerCount int

	// QueueSize determines the buffer size for the in-memory task queue.
	QueueSize int

	// StaleTaskAge defines how long a processing task may go without a
	// liveness signal before the sweeper times it out.
	StaleTaskAge time.Duration

	// SweepInterval defines how often the sweeper runs.
	SweepInterval time.Duration

	// HeartbeatInterval defines how often the runner heartbeats on behalf
	// of a running handler.
	HeartbeatInterval time.Duration

	// SweepBatchSize caps how many stale tasks one sweep times out.
	SweepBatchSize int
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:       4,
		QueueSize:         200,
		StaleTaskAge:      10 * time.Minute,
		SweepInterval:     time.Minute,
		HeartbeatInterval: 30 * time.Second,
		SweepBatchSize:    100,
	}
}

// Runner manages background task processing: a bounded in-memory queue, a
// worker pool draining it through registered handlers, and a watchdog sweep
// for tasks whose worker went silent.
type Runner struct {
	lifecycle *LifecycleService
	config    RunnerConfig
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	queue      chan uuid.UUID
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewRunner creates a Runner. If logger is nil, a default logger will be
// used.
func NewRunner(lifecycle *LifecycleService, config RunnerConfig, logger *slog.Logger) *Runner {
	if lifecycle == nil {
		panic("lifecycle cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultRunnerConfig().WorkerCount
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultRunnerConfig().QueueSize
	}
	if config.StaleTaskAge <= 0 {
		config.StaleTaskAge = DefaultRunnerConfig().StaleTaskAge
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultRunnerConfig().SweepInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultRunnerConfig().HeartbeatInterval
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = DefaultRunnerConfig().SweepBatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		lifecycle:  lifecycle,
		config:     config,
		logger:     logger.With(slog.String("component", "task_runner")),
		handlers:   make(map[string]Handler),
		queue:      make(chan uuid.UUID, config.QueueSize),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Register binds a handler to a task type. Registering an already-bound type
// replaces the handler.
func (r *Runner) Register(taskType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = handler
}

func (r *Runner) handlerFor(taskType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[taskType]
}

// Submit hands a created task to the worker pool, recording the enqueue
// outcome on the task row either way.
func (r *Runner) Submit(ctx context.Context, task *domain.Task) error {
	select {
	case r.queue <- task.ID:
		if _, err := r.lifecycle.MarkEnqueued(ctx, task.ID); err != nil {
			r.logger.WarnContext(ctx, "failed to record enqueue",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
		}
		return nil
	default:
		if _, err := r.lifecycle.MarkEnqueueFailed(ctx, task.ID, ErrQueueFull.Error()); err != nil {
			r.logger.WarnContext(ctx, "failed to record enqueue failure",
				slog.String("task_id", task.ID.String()),
				slog.String("error", err.Error()))
		}
		return ErrQueueFull
	}
}

// Start recovers interrupted work and launches the worker pool and the
// sweeper. It must be called once, before any Submit.
func (r *Runner) Start() error {
	if err := r.recover(); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.wg.Add(1)
	go r.sweeper()

	return nil
}

// Stop cancels all workers and waits for in-flight handlers to return.
func (r *Runner) Stop() {
	r.cancelFunc()
	r.wg.Wait()
}

// recover resets tasks orphaned by a crash and requeues everything queued.
// In-memory execution state is gone, so any processing row is a lie.
func (r *Runner) recover() error {
	ctx := r.ctx

	reset, err := r.lifecycle.ResetProcessingTasksToQueued(ctx)
	if err != nil {
		return err
	}

	queued, err := r.lifecycle.QueryTasks(ctx, store.TaskFilter{
		Statuses: []domain.TaskStatus{domain.TaskStatusQueued},
		Limit:    r.config.QueueSize,
	})
	if err != nil {
		return err
	}

	requeued := 0
	for _, task := range queued {
		select {
		case r.queue <- task.ID:
			requeued++
		default:
			r.logger.Warn("queue full during recovery, leaving task queued",
				slog.String("task_id", task.ID.String()))
		}
	}

	r.logger.Info("task recovery complete",
		slog.Int64("reset_count", reset),
		slog.Int("requeued_count", requeued))
	return nil
}

// worker drains the queue until the runner stops.
func (r *Runner) worker(id int) {
	defer r.wg.Done()

	logger := r.logger.With(slog.Int("worker_id", id))
	logger.Debug("starting worker")

	for {
		select {
		case <-r.ctx.Done():
			logger.Debug("stopping worker")
			return
		case taskID := <-r.queue:
			r.processTask(taskID, logger)
		}
	}
}

// processTask drives one task through its lifecycle: claim it, run the
// handler with heartbeats, then record exactly one terminal outcome.
func (r *Runner) processTask(taskID uuid.UUID, logger *slog.Logger) {
	ctx := r.ctx
	logger = logger.With(slog.String("task_id", taskID.String()))

	ok, err := r.lifecycle.MarkProcessing(ctx, taskID, "")
	if err != nil {
		logger.Error("failed to claim task", slog.String("error", err.Error()))
		return
	}
	if !ok {
		// Already terminal or gone; the denial was recorded by the guard.
		return
	}

	task, err := r.lifecycle.GetTask(ctx, taskID)
	if err != nil {
		logger.Error("failed to load claimed task", slog.String("error", err.Error()))
		return
	}

	handler := r.handlerFor(task.Type)
	if handler == nil {
		logger.Error("no handler registered for task type", slog.String("task_type", task.Type))
		if _, err := r.lifecycle.Fail(ctx, taskID, ErrorCodeUnknownType,
			fmt.Sprintf("no handler registered for type %q", task.Type)); err != nil {
			logger.Error("failed to fail task", slog.String("error", err.Error()))
		}
		return
	}

	stopHeartbeat := r.startHeartbeat(taskID)
	result, handlerErr := handler.Handle(ctx, task)
	stopHeartbeat()

	if handlerErr != nil {
		logger.Error("task handler failed", slog.String("error", handlerErr.Error()))
		if _, err := r.lifecycle.Fail(ctx, taskID, ErrorCodeHandlerFailed, handlerErr.Error()); err != nil {
			logger.Error("failed to record task failure", slog.String("error", err.Error()))
		}
		return
	}

	if _, err := r.lifecycle.Complete(ctx, taskID, result); err != nil {
		logger.Error("failed to record task completion", slog.String("error", err.Error()))
	}
}

// startHeartbeat refreshes the task's liveness timestamp while its handler
// runs. The returned stop function must be called before recording the
// terminal outcome.
func (r *Runner) startHeartbeat(taskID uuid.UUID) func() {
	done := make(chan struct{})
	var once sync.Once

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.lifecycle.Heartbeat(r.ctx, taskID); err != nil {
					r.logger.Warn("heartbeat failed",
						slog.String("task_id", taskID.String()),
						slog.String("error", err.Error()))
				}
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// sweeper periodically times out processing tasks that stopped heartbeating.
func (r *Runner) sweeper() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.lifecycle.SweepStaleTasks(r.ctx, r.config.StaleTaskAge, r.config.SweepBatchSize); err != nil {
				r.logger.Error("stale task sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
