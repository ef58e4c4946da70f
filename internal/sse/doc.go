// Package sse implements the per-client delivery protocol for task events.
// Each connection is a small state machine (connecting, syncing, streaming,
// closed) driven by one goroutine: live broker messages are buffered while
// historical events are replayed or a snapshot is synthesized, the buffer is
// flushed in log order, and from then on events stream through a two-layer
// dedup before being framed onto the wire.
package sse
