// ABOUTME: Connection lifecycle event store methods
// ABOUTME: Records connect, bind, supersede, and close events for operators

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordConnectionEvent appends a connection lifecycle event.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) RecordConnectionEvent(ctx context.Context, e *ConnectionEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO connection_events (event_id, connection_id, token, kind, remote_addr, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ConnectionID,
		nullable(e.Token),
		e.Kind,
		nullable(e.RemoteAddr),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}
	return nil
}

const connectionEventsQuery = `
	SELECT event_id, connection_id, token, kind, remote_addr, created_at
	FROM connection_events
	WHERE (? = '' OR token = ?)
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?
`

// ListConnectionEvents returns connection events newest first.
func (s *SQLiteStore) ListConnectionEvents(ctx context.Context, f ListFilter) ([]*ConnectionEvent, error) {
	rows, err := s.db.QueryContext(ctx, connectionEventsQuery, f.Token, f.Token, normalizeLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	var events []*ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		var token, remoteAddr *string
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ConnectionID, &token, &e.Kind, &remoteAddr, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}
		if token != nil {
			e.Token = *token
		}
		if remoteAddr != nil {
			e.RemoteAddr = *remoteAddr
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection events: %w", err)
	}
	return events, nil
}
