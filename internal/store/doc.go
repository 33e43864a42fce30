// Package store provides audit persistence for the relay using SQLite.
//
// # Scope
//
// The store records what happened, never what was sent. It holds two
// append-only tables:
//
//   - dispatch_log: one row per dispatch with token, action, outcome, the
//     connection that received it (if any), and error detail
//   - connection_events: agent connect, bind, supersede, and close events
//
// Nothing in the store is replayed or consulted on the delivery path; a
// relay restart begins with an empty registry regardless of what the
// tables contain.
//
// # Implementations
//
//   - SQLiteStore: modernc.org/sqlite (pure Go, no cgo). Pass MemoryPath
//     for a private in-memory database.
//   - MockStore: in-memory, with WriteErr for failure injection in tests.
//
// # Ordering
//
// Timestamps are stored as fixed-width UTC strings so ORDER BY created_at
// is chronological. List queries return newest first with a default limit
// of 100 and a cap of 1000.
package store
