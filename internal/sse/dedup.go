package sse

import (
	"strconv"
	"strings"
	"time"

	"github.com/storyloom/storyloom-api/internal/domain"
)

const (
	// semanticDedupWindow is how long a content key suppresses duplicates.
	semanticDedupWindow = 5 * time.Second

	// semanticDedupCap bounds the dedup cache per connection.
	semanticDedupCap = 8000
)

// semanticDeduper drops events that repeat the same logical state within a
// short window, regardless of their IDs. It tolerates retried or redundant
// producers publishing the same transition twice.
//
// It is not safe for concurrent use; each connection owns one.
type semanticDeduper struct {
	window time.Duration
	cap    int
	now    func() time.Time
	seen   map[string]time.Time
}

func newSemanticDeduper(now func() time.Time) *semanticDeduper {
	return &semanticDeduper{
		window: semanticDedupWindow,
		cap:    semanticDedupCap,
		now:    now,
		seen:   make(map[string]time.Time),
	}
}

// shouldDrop reports whether the event repeats a key seen within the window,
// and records the key otherwise.
func (d *semanticDeduper) shouldDrop(event *domain.Event) bool {
	key, ok := semanticKey(event)
	if !ok {
		return false
	}

	now := d.now()
	if last, seen := d.seen[key]; seen && now.Sub(last) < d.window {
		return true
	}

	d.seen[key] = now
	if len(d.seen) > d.cap {
		d.prune(now)
	}
	return false
}

// prune removes entries older than twice the window, then evicts arbitrarily
// if the cache is still over cap.
func (d *semanticDeduper) prune(now time.Time) {
	stale := 2 * d.window
	for key, last := range d.seen {
		if now.Sub(last) > stale {
			delete(d.seen, key)
		}
	}

	for key := range d.seen {
		if len(d.seen) <= d.cap {
			break
		}
		delete(d.seen, key)
	}
}

// semanticKey derives the content key identifying an event's logical state.
func semanticKey(event *domain.Event) (string, bool) {
	switch event.Type {
	case domain.EventTypeStream:
		p := event.Stream
		if p == nil {
			return "", false
		}
		return strings.Join([]string{
			"s", event.TaskID, p.RunID, p.StepID, p.Lane, p.Kind,
			strconv.FormatInt(p.Seq, 10),
		}, "|"), true
	case domain.EventTypeLifecycle:
		p := event.Lifecycle
		if p == nil {
			return "", false
		}
		progress := "-"
		if p.Progress != nil {
			progress = strconv.Itoa(*p.Progress)
		}
		return strings.Join([]string{
			"l", event.TaskID, string(p.LifecycleType), p.Stage, p.StepID,
			progress, strconv.Itoa(p.FlowStageIndex), strconv.Itoa(p.FlowStageTotal),
		}, "|"), true
	default:
		return "", false
	}
}
