// Package events connects the task lifecycle to its consumers: the Publisher
// appends events to the durable per-project log and broadcasts the identical
// serialized record on the project's Redis channel, and the SharedSubscriber
// multiplexes one upstream Redis connection across every in-process listener.
package events
