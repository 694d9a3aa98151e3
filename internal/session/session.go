// Package session keeps the short-lived state of guided pastoral
// conversations in Redis: whether mandatory-report capture is in progress
// for a conversation and how it ended. The durable report record lives in
// Postgres; this state only steers the conversation UI and expires on its own.
package session
