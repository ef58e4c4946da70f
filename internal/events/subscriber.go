package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrSubscriberClosed is returned when a listener is added after Close.
var ErrSubscriberClosed = errors.New("shared subscriber is closed")

// ListenerFunc receives one raw broker message from a subscribed channel.
// Listeners are invoked sequentially from the dispatch goroutine and must not
// block for long.
type ListenerFunc func(channel string, payload []byte)

// SharedSubscriber multiplexes a single upstream Redis pub/sub connection
// across any number of in-process listeners. The upstream channel is
// subscribed when its first listener arrives and unsubscribed when its last
// listener leaves; adding or removing a listener never disturbs the others.
type SharedSubscriber struct {
	client *redis.Client
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string]map[int64]ListenerFunc
	nextID    int64
	pubsub    *redis.PubSub
	closed    bool

	wg sync.WaitGroup
}

// NewSharedSubscriber creates a SharedSubscriber over the given client. No
// upstream connection is opened until the first listener is added. If logger
// is nil, a default logger will be used.
func NewSharedSubscriber(client *redis.Client, logger *slog.Logger) *SharedSubscriber {
	if client == nil {
		panic("client cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &SharedSubscriber{
		client:    client,
		logger:    logger.With(slog.String("component", "shared_subscriber")),
		listeners: make(map[string]map[int64]ListenerFunc),
	}
}

// AddChannelListener registers fn for messages on the given channel and
// returns a function that removes it. The remove function is idempotent.
func (s *SharedSubscriber) AddChannelListener(ctx context.Context, channel string, fn ListenerFunc) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSubscriberClosed
	}

	if s.pubsub == nil {
		// A subscription with no channels: channels come and go as
		// listeners do, the connection stays.
		s.pubsub = s.client.Subscribe(ctx)
		s.wg.Add(1)
		go s.dispatch(s.pubsub.Channel())
	}

	set, ok := s.listeners[channel]
	if !ok {
		if err := s.pubsub.Subscribe(ctx, channel); err != nil {
			return nil, err
		}
		set = make(map[int64]ListenerFunc)
		s.listeners[channel] = set
		s.logger.DebugContext(ctx, "subscribed upstream channel",
			slog.String("channel", channel))
	}

	s.nextID++
	id := s.nextID
	set[id] = fn

	var once sync.Once
	remove := func() {
		once.Do(func() {
			s.removeListener(channel, id)
		})
	}

	return remove, nil
}

// removeListener drops one listener and unsubscribes the upstream channel
// when it was the last one.
func (s *SharedSubscriber) removeListener(channel string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.listeners[channel]
	if !ok {
		return
	}

	delete(set, id)
	if len(set) > 0 {
		return
	}

	delete(s.listeners, channel)
	if s.pubsub != nil && !s.closed {
		if err := s.pubsub.Unsubscribe(context.Background(), channel); err != nil {
			s.logger.Warn("failed to unsubscribe upstream channel",
				slog.String("channel", channel),
				slog.String("error", err.Error()))
		}
	}
	s.logger.Debug("unsubscribed upstream channel", slog.String("channel", channel))
}

// dispatch fans each upstream message out to the channel's current listeners.
// It exits when the pub/sub connection is closed.
func (s *SharedSubscriber) dispatch(messages <-chan *redis.Message) {
	defer s.wg.Done()

	for msg := range messages {
		s.mu.Lock()
		set := s.listeners[msg.Channel]
		fns := make([]ListenerFunc, 0, len(set))
		for _, fn := range set {
			fns = append(fns, fn)
		}
		s.mu.Unlock()

		// Called outside the lock so a slow listener cannot block
		// add/remove, and a listener may remove itself.
		for _, fn := range fns {
			fn(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Close tears down the upstream connection and waits for the dispatch
// goroutine to drain. Registered listeners stop receiving messages; their
// remove functions remain safe to call.
func (s *SharedSubscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pubsub := s.pubsub
	s.mu.Unlock()

	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	s.wg.Wait()
	return err
}
