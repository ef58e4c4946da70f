package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// EventType discriminates the two payload variants an Event can carry.
type EventType string

const (
	// EventTypeLifecycle marks events describing a task status change.
	EventTypeLifecycle EventType = "lifecycle"

	// EventTypeStream marks events carrying an incremental output chunk
	// produced while a task is running.
	EventTypeStream EventType = "stream"
)

// LifecycleEventType identifies which lifecycle transition an event describes.
type LifecycleEventType string

const (
	LifecycleCreated    LifecycleEventType = "created"
	LifecycleProcessing LifecycleEventType = "processing"
	LifecycleCompleted  LifecycleEventType = "completed"
	LifecycleFailed     LifecycleEventType = "failed"
	LifecycleDismissed  LifecycleEventType = "dismissed"
)

// Stream lanes carried by stream events.
const (
	StreamLaneText      = "text"
	StreamLaneReasoning = "reasoning"
)

// ErrEventPayloadMissing is returned when an event is decoded without a
// payload matching its declared type.
var ErrEventPayloadMissing = errors.New("event payload missing for declared type")

// LifecyclePayload is the payload variant of lifecycle events.
type LifecyclePayload struct {
	LifecycleType  LifecycleEventType `json:"lifecycleType"`
	Stage          string             `json:"stage,omitempty"`
	StageLabel     string             `json:"stageLabel,omitempty"`
	StepID         string             `json:"stepId,omitempty"`
	Progress       *int               `json:"progress,omitempty"`
	FlowStageIndex int                `json:"flowStageIndex,omitempty"`
	FlowStageTotal int                `json:"flowStageTotal,omitempty"`
	Message        string             `json:"message,omitempty"`
	ErrorCode      string             `json:"errorCode,omitempty"`
}

// StreamPayload is the payload variant of stream events. RunID identifies one
// streaming run of the producing handler; Seq orders chunks within a lane.
type StreamPayload struct {
	RunID   string `json:"runId,omitempty"`
	StepID  string `json:"stepId,omitempty"`
	Lane    string `json:"lane,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// Event is one record of the per-project event log, and simultaneously the
// message broadcast on the project's pub/sub channel. Events are immutable
// once written; ordering within a project is defined by the numeric log ID.
//
// The ID is a string because not every event is backed by a log row: snapshot
// and ephemeral stream events carry synthetic non-numeric IDs and are never
// replayed.
type Event struct {
	ID         string
	Type       EventType
	TaskID     string
	ProjectID  string
	UserID     string
	EpisodeID  string
	TS         time.Time
	TaskType   string
	TargetType string
	TargetID   string

	// Exactly one of these is set, matching Type.
	Lifecycle *LifecyclePayload
	Stream    *StreamPayload
}

// eventWire is the serialized envelope shape shared by the event log and the
// broker broadcast.
type eventWire struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	TaskID     string          `json:"taskId"`
	ProjectID  string          `json:"projectId"`
	UserID     string          `json:"userId"`
	EpisodeID  string          `json:"episodeId,omitempty"`
	TS         time.Time       `json:"ts"`
	TaskType   string          `json:"taskType,omitempty"`
	TargetType string          `json:"targetType,omitempty"`
	TargetID   string          `json:"targetId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON serializes the event with its payload variant under a single
// "payload" key, discriminated by "type".
func (e Event) MarshalJSON() ([]byte, error) {
	wire := eventWire{
		ID:         e.ID,
		Type:       e.Type,
		TaskID:     e.TaskID,
		ProjectID:  e.ProjectID,
		UserID:     e.UserID,
		EpisodeID:  e.EpisodeID,
		TS:         e.TS,
		TaskType:   e.TaskType,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
	}

	var payload any
	switch e.Type {
	case EventTypeLifecycle:
		payload = e.Lifecycle
	case EventTypeStream:
		payload = e.Stream
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if payload == nil {
		return nil, ErrEventPayloadMissing
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Type, err)
	}
	wire.Payload = raw

	return json.Marshal(wire)
}

// UnmarshalJSON decodes the envelope and then the payload variant selected by
// the "type" discriminant.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*e = Event{
		ID:         wire.ID,
		Type:       wire.Type,
		TaskID:     wire.TaskID,
		ProjectID:  wire.ProjectID,
		UserID:     wire.UserID,
		EpisodeID:  wire.EpisodeID,
		TS:         wire.TS,
		TaskType:   wire.TaskType,
		TargetType: wire.TargetType,
		TargetID:   wire.TargetID,
	}

	if len(wire.Payload) == 0 {
		return ErrEventPayloadMissing
	}

	switch wire.Type {
	case EventTypeLifecycle:
		var p LifecyclePayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal lifecycle payload: %w", err)
		}
		e.Lifecycle = &p
	case EventTypeStream:
		var p StreamPayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal stream payload: %w", err)
		}
		e.Stream = &p
	default:
		return fmt.Errorf("unknown event type %q", wire.Type)
	}

	return nil
}

// NumericID returns the event's log ID when the ID string is purely numeric.
// Snapshot and ephemeral events return false: they have no position in the
// log and must not be used as a replay cursor.
func (e *Event) NumericID() (int64, bool) {
	if e.ID == "" {
		return 0, false
	}
	for _, r := range e.ID {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(e.ID, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// GlobalProjectID is the pseudo-project whose channel carries every event,
// backing cross-project views.
const GlobalProjectID = "global"

// EventScope identifies which events a single consumer is allowed to see.
// The pub/sub channel is shared per project, so this per-event filter is the
// multi-tenant isolation boundary.
type EventScope struct {
	ProjectID string
	UserID    string
	EpisodeID string
}

// Matches reports whether the event belongs to the scope. A scope on the
// global pseudo-project accepts any project; an empty EpisodeID on the scope
// means no episode filter.
func (s EventScope) Matches(e *Event) bool {
	if s.ProjectID != GlobalProjectID && e.ProjectID != s.ProjectID {
		return false
	}
	if e.UserID != s.UserID {
		return false
	}
	if s.EpisodeID != "" && e.EpisodeID != s.EpisodeID {
		return false
	}
	return true
}
