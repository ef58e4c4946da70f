package sse

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/storyloom/storyloom-api/internal/domain"
)

func lifecycleTestEvent(taskID string, lt domain.LifecycleEventType, progress *int) *domain.Event {
	return &domain.Event{
		Type:      domain.EventTypeLifecycle,
		TaskID:    taskID,
		ProjectID: "project-1",
		UserID:    "user-1",
		Lifecycle: &domain.LifecyclePayload{LifecycleType: lt, Progress: progress},
	}
}

func streamTestEvent(taskID, runID string, seq int64) *domain.Event {
	return &domain.Event{
		Type:      domain.EventTypeStream,
		TaskID:    taskID,
		ProjectID: "project-1",
		UserID:    "user-1",
		Stream:    &domain.StreamPayload{RunID: runID, Lane: domain.StreamLaneText, Seq: seq},
	}
}

func TestSemanticDeduperDropsRepeatsWithinWindow(t *testing.T) {
	t.Parallel()

	current := time.Unix(1000, 0)
	d := newSemanticDeduper(func() time.Time { return current })

	event := streamTestEvent("task-1", "run-1", 7)
	assert.False(t, d.shouldDrop(event))
	assert.True(t, d.shouldDrop(event), "same key inside the window is a duplicate")

	// A different seq is a different logical chunk.
	assert.False(t, d.shouldDrop(streamTestEvent("task-1", "run-1", 8)))

	// Once the window has passed the key is live again.
	current = current.Add(semanticDedupWindow + time.Millisecond)
	assert.False(t, d.shouldDrop(event))
}

func TestSemanticDeduperLifecycleKeyFields(t *testing.T) {
	t.Parallel()

	current := time.Unix(1000, 0)
	d := newSemanticDeduper(func() time.Time { return current })

	p40 := 40
	p41 := 41
	assert.False(t, d.shouldDrop(lifecycleTestEvent("task-1", domain.LifecycleProcessing, &p40)))
	assert.True(t, d.shouldDrop(lifecycleTestEvent("task-1", domain.LifecycleProcessing, &p40)))

	// Progress participates in the key, so a new value is a new state.
	assert.False(t, d.shouldDrop(lifecycleTestEvent("task-1", domain.LifecycleProcessing, &p41)))

	// Nil progress is distinct from any numeric progress.
	assert.False(t, d.shouldDrop(lifecycleTestEvent("task-1", domain.LifecycleProcessing, nil)))
	assert.True(t, d.shouldDrop(lifecycleTestEvent("task-1", domain.LifecycleProcessing, nil)))
}

func TestSemanticDeduperPrune(t *testing.T) {
	t.Parallel()

	current := time.Unix(1000, 0)
	d := &semanticDeduper{
		window: semanticDedupWindow,
		cap:    4,
		now:    func() time.Time { return current },
		seen:   make(map[string]time.Time),
	}

	// Age some entries beyond twice the window so the prune removes them.
	for i := 0; i < 4; i++ {
		d.shouldDrop(streamTestEvent("task-old", "run-1", int64(i)))
	}
	current = current.Add(2*semanticDedupWindow + time.Second)

	// Exceeding the cap triggers the prune, which clears the stale keys.
	d.shouldDrop(streamTestEvent("task-new", "run-1", 100))
	assert.LessOrEqual(t, len(d.seen), d.cap)
	for key := range d.seen {
		assert.Contains(t, key, "task-new", "stale entries should have been pruned")
	}

	// With nothing stale, arbitrary eviction still enforces the cap.
	for i := 0; i < 10; i++ {
		d.shouldDrop(streamTestEvent("task-new", "run-2", int64(i)))
	}
	assert.LessOrEqual(t, len(d.seen), d.cap+1, "cache stays bounded near the cap")
}

func TestSemanticKeyIgnoresEventID(t *testing.T) {
	t.Parallel()

	a := streamTestEvent("task-1", "run-1", 3)
	a.ID = "101"
	b := streamTestEvent("task-1", "run-1", 3)
	b.ID = "ephemeral:zzz:" + strconv.Itoa(42)

	keyA, okA := semanticKey(a)
	keyB, okB := semanticKey(b)
	assert.True(t, okA)
	assert.True(t, okB)
	assert.Equal(t, keyA, keyB, "the key is content-derived, independent of id")
}
