// ABOUTME: Dispatch audit log store methods
// ABOUTME: Records the outcome of every command dispatch, never its payload

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordDispatch appends a dispatch entry.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) RecordDispatch(ctx context.Context, e *DispatchEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO dispatch_log (dispatch_id, token, action, outcome, connection_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Token,
		e.Action,
		e.Outcome,
		nullable(e.ConnectionID),
		nullable(e.Detail),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting dispatch entry: %w", err)
	}

	s.logger.Debug("recorded dispatch",
		"id", e.ID,
		"token", e.Token,
		"action", e.Action,
		"outcome", e.Outcome,
	)
	return nil
}

const dispatchLogQuery = `
	SELECT dispatch_id, token, action, outcome, connection_id, detail, created_at
	FROM dispatch_log
	WHERE (? = '' OR token = ?)
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?
`

// ListDispatches returns dispatch entries newest first.
func (s *SQLiteStore) ListDispatches(ctx context.Context, f ListFilter) ([]*DispatchEntry, error) {
	rows, err := s.db.QueryContext(ctx, dispatchLogQuery, f.Token, f.Token, normalizeLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying dispatch log: %w", err)
	}
	defer rows.Close()

	var entries []*DispatchEntry
	for rows.Next() {
		var e DispatchEntry
		var connID, detail *string
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Token, &e.Action, &e.Outcome, &connID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning dispatch entry: %w", err)
		}
		if connID != nil {
			e.ConnectionID = *connID
		}
		if detail != nil {
			e.Detail = *detail
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dispatch log: %w", err)
	}
	return entries, nil
}
