// ABOUTME: Store interface and data types for relay-gateway audit persistence
// ABOUTME: Defines dispatch log and connection event records plus their list filters

package store

import (
	"context"
	"time"
)

// DispatchEntry is the audit record of one dispatch. It carries outcome
// metadata only; command payloads are never stored.
type DispatchEntry struct {
	ID           string
	Token        string
	Action       string
	Outcome      string
	ConnectionID string // empty when no connection was found
	Detail       string // error text for non-delivered outcomes
	CreatedAt    time.Time
}

// ConnectionEvent is the audit record of an agent connection lifecycle change.
type ConnectionEvent struct {
	ID           string
	ConnectionID string
	Token        string // empty for events before binding
	Kind         string // connected, bound, superseded, closed
	RemoteAddr   string
	CreatedAt    time.Time
}

// ListFilter narrows audit queries. Results are newest first.
type ListFilter struct {
	Token string // exact match when non-empty
	Limit int    // default 100, max 1000
}

// Store defines the audit persistence used by the gateway.
type Store interface {
	RecordDispatch(ctx context.Context, e *DispatchEntry) error
	ListDispatches(ctx context.Context, f ListFilter) ([]*DispatchEntry, error)

	RecordConnectionEvent(ctx context.Context, e *ConnectionEvent) error
	ListConnectionEvents(ctx context.Context, f ListFilter) ([]*ConnectionEvent, error)

	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
