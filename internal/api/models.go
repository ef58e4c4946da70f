package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
)

// CreateTaskRequest defines the payload for submitting a new task.
type CreateTaskRequest struct {
	Type        string          `json:"type"        validate:"required,min=1,max=100"`
	ProjectID   string          `json:"projectId"   validate:"required,min=1,max=100"`
	EpisodeID   string          `json:"episodeId"   validate:"max=100"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TargetType  string          `json:"targetType"  validate:"max=100"`
	TargetID    string          `json:"targetId"    validate:"max=100"`
	BillingInfo json.RawMessage `json:"billingInfo,omitempty"`
}

// DismissTasksRequest defines the payload for the bulk dismiss endpoint.
type DismissTasksRequest struct {
	TaskIDs []uuid.UUID `json:"taskIds" validate:"required,min=1,max=100"`
}

// CancelTaskRequest defines the optional payload for the cancel endpoint.
type CancelTaskRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// TaskResponse is the wire shape of a task, using the same camelCase keys as
// the event stream.
type TaskResponse struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ExternalID   string          `json:"externalId,omitempty"`
	Attempt      int             `json:"attempt"`
	ProjectID    string          `json:"projectId"`
	EpisodeID    string          `json:"episodeId,omitempty"`
	TargetType   string          `json:"targetType,omitempty"`
	TargetID     string          `json:"targetId,omitempty"`
	EnqueuedAt   *time.Time      `json:"enqueuedAt,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// NewTaskResponse maps a task row to its wire shape.
func NewTaskResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		Type:         t.Type,
		Status:       string(t.Status),
		Progress:     t.Progress,
		Payload:      t.Payload,
		Result:       t.Result,
		ErrorCode:    t.ErrorCode,
		ErrorMessage: t.ErrorMessage,
		ExternalID:   t.ExternalID,
		Attempt:      t.Attempt,
		ProjectID:    t.ProjectID,
		EpisodeID:    t.EpisodeID,
		TargetType:   t.TargetType,
		TargetID:     t.TargetID,
		EnqueuedAt:   t.EnqueuedAt,
		StartedAt:    t.StartedAt,
		FinishedAt:   t.FinishedAt,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// TaskListResponse wraps a list of tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// TaskDetailResponse is a single task, optionally with its recorded events.
type TaskDetailResponse struct {
	Task   TaskResponse   `json:"task"`
	Events []domain.Event `json:"events,omitempty"`
}

// DismissTasksResponse lists the tasks actually dismissed.
type DismissTasksResponse struct {
	Dismissed []TaskResponse `json:"dismissed"`
}

// CancelTaskResponse reports whether the cancellation took effect.
type CancelTaskResponse struct {
	Cancelled bool `json:"cancelled"`
}

func newTaskResponses(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, len(tasks))
	for i := range tasks {
		out[i] = NewTaskResponse(&tasks[i])
	}
	return out
}
