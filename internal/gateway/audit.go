// ABOUTME: Asynchronous audit writer that persists dispatch outcomes and connection events
// ABOUTME: Keeps store I/O off the dispatch and lifecycle paths via a bounded queue

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/command"
	"github.com/2389/relay-gateway/internal/store"
)

const (
	auditQueueSize    = 1024
	auditWriteTimeout = 5 * time.Second
)

// auditRecord is one pending write; exactly one field is set.
type auditRecord struct {
	dispatch *store.DispatchEntry
	event    *store.ConnectionEvent
}

// auditor implements command.Observer and agent.EventSink by queueing
// records for a single background writer. When the queue is full the record
// is dropped and counted; delivery never waits on the database.
type auditor struct {
	store  store.Store
	logger *slog.Logger

	queue chan auditRecord
	done  chan struct{}

	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	dropped atomic.Int64
}

func newAuditor(s store.Store, logger *slog.Logger) *auditor {
	a := &auditor{
		store:  s,
		logger: logger,
		queue:  make(chan auditRecord, auditQueueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// ObserveDispatch queues a dispatch_log entry. Payloads are never recorded.
func (a *auditor) ObserveDispatch(_ context.Context, rec *command.Record) {
	entry := &store.DispatchEntry{
		Token:        rec.Token,
		Action:       string(rec.Action),
		Outcome:      rec.Outcome.String(),
		ConnectionID: rec.ConnectionID,
		CreatedAt:    rec.At,
	}
	if rec.Err != nil {
		entry.Detail = rec.Err.Error()
	}
	a.enqueue(auditRecord{dispatch: entry})
}

// ConnectionEvent queues a connection_events entry.
func (a *auditor) ConnectionEvent(ev agent.Event) {
	a.enqueue(auditRecord{event: &store.ConnectionEvent{
		ConnectionID: ev.ConnectionID,
		Token:        ev.Token,
		Kind:         string(ev.Kind),
		RemoteAddr:   ev.RemoteAddr,
		CreatedAt:    ev.At,
	}})
}

func (a *auditor) enqueue(r auditRecord) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.queue <- r:
	default:
		a.logger.Warn("audit queue full, dropping record", "dropped_total", a.dropped.Add(1))
	}
}

func (a *auditor) run() {
	defer close(a.done)
	for r := range a.queue {
		a.write(r)
	}
}

func (a *auditor) write(r auditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	switch {
	case r.dispatch != nil:
		if err := a.store.RecordDispatch(ctx, r.dispatch); err != nil {
			a.logger.Error("recording dispatch", "token", r.dispatch.Token, "error", err)
		}
	case r.event != nil:
		if err := a.store.RecordConnectionEvent(ctx, r.event); err != nil {
			a.logger.Error("recording connection event",
				"connection_id", r.event.ConnectionID,
				"kind", r.event.Kind,
				"error", err,
			)
		}
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (a *auditor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
}
