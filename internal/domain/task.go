package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Task-specific validation errors
var (
	// ErrTaskIDEmpty is returned when a task ID is empty or nil.
	ErrTaskIDEmpty = errors.New("task ID cannot be empty")

	// ErrTaskTypeEmpty is returned when a task's type is empty.
	ErrTaskTypeEmpty = errors.New("task type cannot be empty")

	// ErrTaskUserIDEmpty is returned when a task's user ID is empty or nil.
	ErrTaskUserIDEmpty = errors.New("task user ID cannot be empty")

	// ErrTaskProjectIDEmpty is returned when a task's project ID is empty.
	ErrTaskProjectIDEmpty = errors.New("task project ID cannot be empty")
)

// TaskStatus represents the current state of a task in its lifecycle.
type TaskStatus string

// Possible task status values. Transitions between them are enforced
// exclusively by the lifecycle guard; no other code path writes status.
const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusDismissed  TaskStatus = "dismissed"
)

// IsActive reports whether the status is a non-terminal, in-flight state.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusQueued || s == TaskStatusProcessing
}

// IsTerminal reports whether the status is a final state. Terminal tasks are
// never re-opened except by the crash-recovery sweep at process startup,
// which only touches PROCESSING rows.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusDismissed
}

// Task represents one submitted generation job. The payload, result, and
// billing info fields are opaque JSON owned by external collaborators; the
// core only moves the row through its lifecycle.
type Task struct {
	ID               uuid.UUID       `json:"id"`
	Type             string          `json:"type"`
	Status           TaskStatus      `json:"status"`
	Progress         int             `json:"progress"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ExternalID       string          `json:"external_id,omitempty"`
	Attempt          int             `json:"attempt"`
	UserID           uuid.UUID       `json:"user_id"`
	ProjectID        string          `json:"project_id"`
	EpisodeID        string          `json:"episode_id,omitempty"`
	TargetType       string          `json:"target_type,omitempty"`
	TargetID         string          `json:"target_id,omitempty"`
	BillingInfo      json.RawMessage `json:"billing_info,omitempty"`
	EnqueuedAt       *time.Time      `json:"enqueued_at,omitempty"`
	EnqueueAttempts  int             `json:"enqueue_attempts"`
	LastEnqueueError string          `json:"last_enqueue_error,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	HeartbeatAt      *time.Time      `json:"heartbeat_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewTask creates a new Task in the QUEUED state for the given identity and
// scope. It generates a new UUID for the task ID and sets the creation/update
// timestamps. Returns an error if validation fails.
func NewTask(
	userID uuid.UUID,
	projectID, taskType string,
	payload json.RawMessage,
) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:        uuid.New(),
		Type:      taskType,
		Status:    TaskStatusQueued,
		Progress:  0,
		Payload:   payload,
		UserID:    userID,
		ProjectID: projectID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks that the task data meets the domain's invariants.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrTaskIDEmpty
	}

	if t.Type == "" {
		return ErrTaskTypeEmpty
	}

	if t.UserID == uuid.Nil {
		return ErrTaskUserIDEmpty
	}

	if t.ProjectID == "" {
		return ErrTaskProjectIDEmpty
	}

	return nil
}
