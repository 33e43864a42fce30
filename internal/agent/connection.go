// ABOUTME: Represents a single live agent connection and serializes writes to it.
// ABOUTME: Wraps the WebSocket transport with a write lock, deadline, and closed flag.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrConnectionClosed indicates a send was attempted on a connection that has been closed.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the subset of *websocket.Conn used by a Connection.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one live, bidirectional agent session.
// It is created on transport accept and owned by the Registry once bound.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	transport    Transport
	writeTimeout time.Duration
	logger       *slog.Logger

	// writeMu serializes writers; the transport supports one concurrent writer.
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	Transport    Transport
	RemoteAddr   string
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// NewConnection creates a Connection with a fresh identity.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Connection{
		ID:           id,
		RemoteAddr:   p.RemoteAddr,
		ConnectedAt:  time.Now(),
		transport:    p.Transport,
		writeTimeout: p.WriteTimeout,
		logger:       logger.With("connection_id", id),
	}
}

// Send writes one text message to the agent. It blocks until the transport
// accepts the frame, the write deadline passes, or the write fails.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}

	if c.writeTimeout > 0 {
		if err := c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}

	if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write failed", "error", err)
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Close marks the connection closed and closes the transport. Closing the
// transport does not wait for an in-flight Send; that write fails instead.
// It is safe to call multiple times.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}
