// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	dispatches []*DispatchEntry
	events     []*ConnectionEvent

	// WriteErr, when set, is returned by every Record call.
	WriteErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// RecordDispatch stores a copy of e.
func (m *MockStore) RecordDispatch(ctx context.Context, e *DispatchEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return m.WriteErr
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	c := *e
	m.dispatches = append(m.dispatches, &c)
	return nil
}

// ListDispatches returns stored dispatches newest first.
func (m *MockStore) ListDispatches(ctx context.Context, f ListFilter) ([]*DispatchEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*DispatchEntry
	for i := len(m.dispatches) - 1; i >= 0; i-- {
		e := m.dispatches[i]
		if f.Token != "" && e.Token != f.Token {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, f.Limit), nil
}

// RecordConnectionEvent stores a copy of e.
func (m *MockStore) RecordConnectionEvent(ctx context.Context, e *ConnectionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return m.WriteErr
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	c := *e
	m.events = append(m.events, &c)
	return nil
}

// ListConnectionEvents returns stored events newest first.
func (m *MockStore) ListConnectionEvents(ctx context.Context, f ListFilter) ([]*ConnectionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ConnectionEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.Token != "" && e.Token != f.Token {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, f.Limit), nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func truncate[T any](items []T, limit int) []T {
	limit = normalizeLimit(limit)
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

// Compile-time interface checks.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
