package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/store"
)

// channelPrefix namespaces the per-project broadcast channels in Redis.
const channelPrefix = "task-events:project:"

// ChannelForProject returns the Redis pub/sub channel carrying a project's
// events.
func ChannelForProject(projectID string) string {
	return channelPrefix + projectID
}

// GlobalChannel returns the channel carrying every event regardless of
// project.
func GlobalChannel() string {
	return ChannelForProject(domain.GlobalProjectID)
}

// Publisher appends task events to the durable log and broadcasts them on the
// owning project's channel. Append happens before broadcast, so a consumer
// that reads the log after seeing a live event always finds it there.
type Publisher struct {
	eventStore store.EventStore
	client     *redis.Client
	logger     *slog.Logger
}

// NewPublisher creates a Publisher. If logger is nil, a default logger will
// be used.
func NewPublisher(eventStore store.EventStore, client *redis.Client, logger *slog.Logger) *Publisher {
	if eventStore == nil {
		panic("eventStore cannot be nil")
	}
	if client == nil {
		panic("client cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		eventStore: eventStore,
		client:     client,
		logger:     logger.With(slog.String("component", "event_publisher")),
	}
}

// PublishLifecycle appends a lifecycle event to the log and broadcasts it.
// The event's ID and timestamp are assigned by the log so the broadcast and
// the stored row are the same record.
func (p *Publisher) PublishLifecycle(ctx context.Context, event *domain.Event) error {
	event.Type = domain.EventTypeLifecycle

	if _, err := p.eventStore.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to append lifecycle event: %w", err)
	}

	p.broadcast(ctx, event)
	return nil
}

// PublishStream broadcasts a stream chunk event. Stream events are ephemeral
// unless persist is set: an ephemeral event gets a synthetic non-numeric ID,
// is never written to the log, and is never replayed.
func (p *Publisher) PublishStream(ctx context.Context, event *domain.Event, persist bool) error {
	event.Type = domain.EventTypeStream

	if persist {
		if _, err := p.eventStore.AppendEvent(ctx, event); err != nil {
			return fmt.Errorf("failed to append stream event: %w", err)
		}
	} else {
		now := time.Now().UTC()
		event.ID = ephemeralEventID(now)
		event.TS = now
	}

	p.broadcast(ctx, event)
	return nil
}

// broadcast publishes the serialized event on its project channel and on the
// global channel. Live delivery is best-effort: persisted events remain
// recoverable through replay, so a broker hiccup is logged, not escalated.
func (p *Publisher) broadcast(ctx context.Context, event *domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to marshal event for broadcast",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("error", err.Error()))
		return
	}

	channels := []string{ChannelForProject(event.ProjectID)}
	if event.ProjectID != domain.GlobalProjectID {
		channels = append(channels, GlobalChannel())
	}

	for _, channel := range channels {
		if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
			p.logger.WarnContext(ctx, "failed to broadcast event",
				slog.String("event_id", event.ID),
				slog.String("channel", channel),
				slog.String("error", err.Error()))
		}
	}
}

// NewLifecycleEvent builds a lifecycle event envelope from a task's identity
// and scope. The caller fills in the payload; the Publisher assigns ID and
// timestamp on append.
func NewLifecycleEvent(task *domain.Task, payload domain.LifecyclePayload) *domain.Event {
	return &domain.Event{
		Type:       domain.EventTypeLifecycle,
		TaskID:     task.ID.String(),
		ProjectID:  task.ProjectID,
		UserID:     task.UserID.String(),
		EpisodeID:  task.EpisodeID,
		TaskType:   task.Type,
		TargetType: task.TargetType,
		TargetID:   task.TargetID,
		Lifecycle:  &payload,
	}
}

// NewStreamEvent builds a stream event envelope from a task's identity and
// scope.
func NewStreamEvent(task *domain.Task, payload domain.StreamPayload) *domain.Event {
	return &domain.Event{
		Type:       domain.EventTypeStream,
		TaskID:     task.ID.String(),
		ProjectID:  task.ProjectID,
		UserID:     task.UserID.String(),
		EpisodeID:  task.EpisodeID,
		TaskType:   task.Type,
		TargetType: task.TargetType,
		TargetID:   task.TargetID,
		Stream:     &payload,
	}
}

// SnapshotEvent synthesizes a lifecycle event describing an active task's
// current state, for clients connecting without a replay cursor. Snapshot IDs
// are non-numeric so they are never mistaken for a log position.
func SnapshotEvent(task *domain.Task, now time.Time) domain.Event {
	progress := task.Progress
	lifecycleType := domain.LifecycleCreated
	if task.Status == domain.TaskStatusProcessing {
		lifecycleType = domain.LifecycleProcessing
	}

	return domain.Event{
		ID:         fmt.Sprintf("snapshot:%s:%d", task.ID, now.UnixMilli()),
		Type:       domain.EventTypeLifecycle,
		TaskID:     task.ID.String(),
		ProjectID:  task.ProjectID,
		UserID:     task.UserID.String(),
		EpisodeID:  task.EpisodeID,
		TS:         now,
		TaskType:   task.Type,
		TargetType: task.TargetType,
		TargetID:   task.TargetID,
		Lifecycle: &domain.LifecyclePayload{
			LifecycleType: lifecycleType,
			Progress:      &progress,
		},
	}
}

// ephemeralEventID builds the synthetic ID carried by stream events that skip
// the log.
func ephemeralEventID(now time.Time) string {
	return "ephemeral:" + strconv.FormatInt(now.UnixMilli(), 36) + ":" + uuid.NewString()[:8]
}
