// Package store persists the coordinator's history as an append-only
// SQLite journal.
//
// A [Recorder] subscribes to the event bus and writes every event (task
// lifecycle, conflicts, alerts, escalations and handled errors) as an
// [Entry] keyed by event type and subject ID. The journal is read back by
// the CLI's history and report commands; it is never replayed into live
// state.
package store
