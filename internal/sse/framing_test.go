package sse

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom-api/internal/domain"
)

func TestWriteEventNumericID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := newWriterRaw(&buf)

	event := lifecycleTestEvent("task-1", domain.LifecycleCompleted, nil)
	event.ID = "42"
	require.NoError(t, w.WriteEvent(event))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "id: 42\n"), "numeric ids get an id line: %q", out)
	assert.Contains(t, out, "data: {")
	assert.Contains(t, out, `"lifecycleType":"completed"`)
	assert.True(t, strings.HasSuffix(out, "\n\n"), "frames end with a blank line")
}

func TestWriteEventSyntheticIDOmitsIDLine(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"snapshot:task-1:123", "ephemeral:abc:def", ""} {
		var buf bytes.Buffer
		w := newWriterRaw(&buf)

		event := lifecycleTestEvent("task-1", domain.LifecycleProcessing, nil)
		event.ID = id
		require.NoError(t, w.WriteEvent(event))

		assert.NotContains(t, buf.String(), "id:",
			"synthetic id %q must not become a reconnect cursor", id)
	}
}

func TestWriteHeartbeat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := newWriterRaw(&buf)

	require.NoError(t, w.WriteHeartbeat())
	assert.Equal(t, ": heartbeat\n\n", buf.String())
}
