// Package task owns the task lifecycle. The LifecycleService is the only
// code path that mutates task status: every transition is a conditional
// storage write whose denial is a boolean outcome, and every successful
// transition publishes the matching lifecycle event. The Runner drives queued
// tasks through registered handlers with a bounded worker pool, heartbeats on
// their behalf, and sweeps stale work.
package task
