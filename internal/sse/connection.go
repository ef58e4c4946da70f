package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/events"
	"github.com/storyloom/storyloom-api/internal/platform/metrics"
	"github.com/storyloom/storyloom-api/internal/store"
)

// State names the phases of a connection's lifecycle.
type State string

const (
	StateConnecting State = "connecting"
	StateSyncing    State = "syncing"
	StateStreaming  State = "streaming"
	StateClosed     State = "closed"
)

// messageBufferSize bounds how many live broker messages a connection can
// hold while syncing or while the client is slow. Overflow is dropped; the
// client's reconnect-with-cursor is the recovery path.
const messageBufferSize = 1024

// Subscriber is the broker-side dependency of a connection.
type Subscriber interface {
	AddChannelListener(ctx context.Context, channel string, fn events.ListenerFunc) (func(), error)
}

// Config carries the tunable delivery parameters.
type Config struct {
	HeartbeatInterval time.Duration
	ReplayLimit       int
	SnapshotLimit     int
}

// Options wires one connection's dependencies.
type Options struct {
	Scope       domain.EventScope
	LastEventID int64
	Writer      *Writer
	TaskStore   store.TaskStore
	EventStore  store.EventStore
	Subscriber  Subscriber
	Metrics     *metrics.Collector
	Logger      *slog.Logger
	Config      Config

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Connection drives one client's event stream. All of its mutable state is
// touched only by the Run goroutine; the broker callback merely enqueues raw
// payloads onto the message channel.
type Connection struct {
	scope       domain.EventScope
	lastEventID int64
	writer      *Writer
	taskStore   store.TaskStore
	eventStore  store.EventStore
	subscriber  Subscriber
	metrics     *metrics.Collector
	logger      *slog.Logger
	config      Config
	now         func() time.Time

	state    State
	messages chan []byte
	seenIDs  map[string]struct{}
	dedup    *semanticDeduper
}

// NewConnection creates a connection in the connecting state.
func NewConnection(opts Options) *Connection {
	if opts.Writer == nil {
		panic("writer cannot be nil")
	}
	if opts.TaskStore == nil || opts.EventStore == nil || opts.Subscriber == nil {
		panic("stores and subscriber cannot be nil")
	}
	if opts.Metrics == nil {
		panic("metrics cannot be nil")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	config := opts.Config
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 15 * time.Second
	}
	if config.ReplayLimit <= 0 {
		config.ReplayLimit = 5000
	}
	if config.SnapshotLimit <= 0 {
		config.SnapshotLimit = 500
	}

	return &Connection{
		scope:       opts.Scope,
		lastEventID: opts.LastEventID,
		writer:      opts.Writer,
		taskStore:   opts.TaskStore,
		eventStore:  opts.EventStore,
		subscriber:  opts.Subscriber,
		metrics:     opts.Metrics,
		logger: logger.With(
			slog.String("component", "sse_connection"),
			slog.String("project_id", opts.Scope.ProjectID),
		),
		config:   config,
		now:      now,
		state:    StateConnecting,
		messages: make(chan []byte, messageBufferSize),
		seenIDs:  make(map[string]struct{}),
		dedup:    newSemanticDeduper(now),
	}
}

// State returns the connection's current phase. It is meaningful to other
// goroutines only after Run has returned.
func (c *Connection) State() State {
	return c.state
}

// Run drives the connection until the client disconnects, a write fails, or
// the initial sync errors. Client-side failures close the stream quietly;
// only sync-time storage errors are reported to the caller.
func (c *Connection) Run(ctx context.Context) error {
	start := c.now()
	c.metrics.RecordConnect()
	defer func() {
		c.state = StateClosed
		c.metrics.RecordDisconnect(c.now().Sub(start).Seconds())
	}()

	// Registered before sync so nothing broadcast in between is lost; those
	// messages wait in the buffer until the flush.
	remove, err := c.subscriber.AddChannelListener(
		ctx, events.ChannelForProject(c.scope.ProjectID), c.enqueueMessage)
	if err != nil {
		return fmt.Errorf("failed to register broker listener: %w", err)
	}
	defer remove()

	c.state = StateSyncing
	synced, err := c.sync(ctx)
	if err != nil {
		return err
	}
	if !synced || !c.flushBuffered() {
		return nil
	}
	c.state = StateStreaming

	heartbeat := time.NewTicker(c.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-c.messages:
			event, ok := c.parseMessage(payload)
			if !ok {
				continue
			}
			if _, err := c.deliver(event); err != nil {
				c.logger.DebugContext(ctx, "event write failed, closing stream",
					slog.String("error", err.Error()))
				return nil
			}
		case <-heartbeat.C:
			if err := c.writer.WriteHeartbeat(); err != nil {
				c.logger.DebugContext(ctx, "heartbeat write failed, closing stream",
					slog.String("error", err.Error()))
				return nil
			}
		}
	}
}

// sync delivers the history the client has not seen: a log replay when it
// reconnects with a cursor, otherwise a synthesized snapshot of the scope's
// active tasks. The bool result is false when a client write failed, which
// ends the connection without being an error.
func (c *Connection) sync(ctx context.Context) (bool, error) {
	if c.lastEventID > 0 {
		missed, err := c.eventStore.ListEventsAfter(
			ctx, c.scope.ProjectID, c.lastEventID, c.config.ReplayLimit,
			store.EventFilter{UserID: c.scope.UserID, EpisodeID: c.scope.EpisodeID})
		if err != nil {
			return false, fmt.Errorf("failed to replay events: %w", err)
		}

		delivered := 0
		for i := range missed {
			ok, err := c.deliver(&missed[i])
			if err != nil {
				return false, nil
			}
			if ok {
				delivered++
			}
		}
		c.metrics.RecordReplayEvents(delivered)
		return true, nil
	}

	tasks, err := c.taskStore.ListActiveTasks(ctx, c.scope, c.config.SnapshotLimit)
	if err != nil {
		return false, fmt.Errorf("failed to build snapshot: %w", err)
	}

	now := c.now()
	delivered := 0
	for i := range tasks {
		event := events.SnapshotEvent(&tasks[i], now)
		ok, err := c.deliver(&event)
		if err != nil {
			return false, nil
		}
		if ok {
			delivered++
		}
	}
	c.metrics.RecordSnapshotEvents(delivered)
	return true, nil
}

// flushBuffered drains the messages that arrived during sync and delivers
// them ordered by numeric log ID, falling back to arrival order for events
// with synthetic IDs. Returns false when a write failed.
func (c *Connection) flushBuffered() bool {
	type buffered struct {
		event   *domain.Event
		id      int64
		numeric bool
		arrival int
	}

	var pending []buffered
	for {
		select {
		case payload := <-c.messages:
			event, ok := c.parseMessage(payload)
			if !ok {
				continue
			}
			id, numeric := event.NumericID()
			pending = append(pending, buffered{
				event:   event,
				id:      id,
				numeric: numeric,
				arrival: len(pending),
			})
		default:
			sort.SliceStable(pending, func(i, j int) bool {
				if pending[i].numeric && pending[j].numeric {
					return pending[i].id < pending[j].id
				}
				return pending[i].arrival < pending[j].arrival
			})
			for _, item := range pending {
				if _, err := c.deliver(item.event); err != nil {
					return false
				}
			}
			return true
		}
	}
}

// parseMessage decodes a raw broker payload. Failures are counted and logged
// but never close the connection.
func (c *Connection) parseMessage(payload []byte) (*domain.Event, bool) {
	var event domain.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		c.metrics.RecordParseFailure()
		c.logger.Warn("failed to parse broker message",
			slog.String("error", err.Error()))
		return nil, false
	}
	return &event, true
}

// deliver applies the scope filter and both dedup layers, then frames the
// event. It reports whether the event was actually written.
func (c *Connection) deliver(event *domain.Event) (bool, error) {
	if !c.scope.Matches(event) {
		return false, nil
	}

	if event.ID != "" {
		if _, seen := c.seenIDs[event.ID]; seen {
			return false, nil
		}
		c.seenIDs[event.ID] = struct{}{}
	}

	if c.dedup.shouldDrop(event) {
		return false, nil
	}

	if err := c.writer.WriteEvent(event); err != nil {
		return false, err
	}
	return true, nil
}

// enqueueMessage is the broker callback. It must not block the dispatch
// goroutine, so a full buffer drops the message.
func (c *Connection) enqueueMessage(_ string, payload []byte) {
	select {
	case c.messages <- payload:
	default:
		c.logger.Warn("dropping broker message, connection buffer full")
	}
}
