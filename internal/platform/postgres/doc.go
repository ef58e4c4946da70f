// Package postgres provides PostgreSQL implementations of the store
// interfaces. Every write that participates in the task lifecycle is a single
// conditional UPDATE whose WHERE clause encodes the allowed source statuses;
// the row count tells the caller whether the transition happened. The SQL in
// this package sticks to portable constructs (numbered placeholders,
// application-supplied timestamps) so the same stores run against an
// in-memory SQLite database in tests.
package postgres
