package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/storyloom/storyloom-api/internal/api/shared"
	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/platform/logger"
	"github.com/storyloom/storyloom-api/internal/platform/metrics"
	"github.com/storyloom/storyloom-api/internal/sse"
	"github.com/storyloom/storyloom-api/internal/store"
)

// SSEHandler serves GET /api/events, the per-project live event stream.
type SSEHandler struct {
	taskStore  store.TaskStore
	eventStore store.EventStore
	subscriber sse.Subscriber
	metrics    *metrics.Collector
	config     sse.Config
	logger     *slog.Logger
}

// NewSSEHandler creates a new SSEHandler with the given dependencies.
func NewSSEHandler(
	taskStore store.TaskStore,
	eventStore store.EventStore,
	subscriber sse.Subscriber,
	collector *metrics.Collector,
	config sse.Config,
	logger *slog.Logger,
) *SSEHandler {
	if taskStore == nil || eventStore == nil || subscriber == nil {
		panic("stores and subscriber cannot be nil")
	}
	if collector == nil {
		panic("collector cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SSEHandler{
		taskStore:  taskStore,
		eventStore: eventStore,
		subscriber: subscriber,
		metrics:    collector,
		config:     config,
		logger:     logger.With(slog.String("component", "sse_handler")),
	}
}

// HandleEvents upgrades the request to an event stream scoped to the given
// project (and optionally one episode) and the caller's identity, then blocks
// until the client disconnects.
func (h *SSEHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, ok := getUserIDFromContext(r)
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "User ID not found or invalid")
		return
	}

	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "projectId is required")
		return
	}

	scope := domain.EventScope{
		ProjectID: projectID,
		UserID:    userID.String(),
		EpisodeID: r.URL.Query().Get("episodeId"),
	}
	lastEventID := parseLastEventID(r)

	writer, err := sse.NewWriter(w)
	if err != nil {
		if errors.Is(err, sse.ErrStreamingUnsupported) {
			shared.RespondWithError(w, r, http.StatusInternalServerError, "Streaming unsupported")
			return
		}
		HandleAPIError(w, r, err, "")
		return
	}

	conn := sse.NewConnection(sse.Options{
		Scope:       scope,
		LastEventID: lastEventID,
		Writer:      writer,
		TaskStore:   h.taskStore,
		EventStore:  h.eventStore,
		Subscriber:  h.subscriber,
		Metrics:     h.metrics,
		Logger:      log,
		Config:      h.config,
	})

	if err := conn.Run(r.Context()); err != nil {
		// Headers are already out; all we can do is log and drop.
		log.Warn("event stream ended with error",
			slog.String("project_id", projectID),
			slog.String("error", err.Error()))
	}
}

// parseLastEventID reads the reconnect cursor from the Last-Event-ID header,
// with a lastEventId query fallback for clients that cannot set headers. Only
// positive integers count; synthetic IDs the client may have seen are not
// cursors.
func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}
