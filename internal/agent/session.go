// ABOUTME: Per-connection lifecycle state machine: Unbound -> Bound -> Closed.
// ABOUTME: Binds on the first self-identification message and unbinds by identity on close.

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is a connection's lifecycle state.
type State int

const (
	StateUnbound State = iota
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrMalformedIdentify indicates a message is not a valid self-identification.
var ErrMalformedIdentify = errors.New("malformed identification message")

// EventKind identifies a lifecycle event reported to an EventSink.
type EventKind string

const (
	EventConnected  EventKind = "connected"
	EventBound      EventKind = "bound"
	EventSuperseded EventKind = "superseded"
	EventClosed     EventKind = "closed"
)

// Event is a lifecycle transition of one connection.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Token        string
	RemoteAddr   string
	At           time.Time
}

// EventSink receives lifecycle events. Implementations must not call back
// into the Session that reported the event.
type EventSink interface {
	ConnectionEvent(ev Event)
}

// identifyMessage is the first message an agent sends after connecting.
type identifyMessage struct {
	Token *string `json:"token"`
}

// ParseIdentify extracts the session token from a self-identification message.
func ParseIdentify(data []byte) (string, error) {
	var msg identifyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedIdentify, err)
	}
	if msg.Token == nil || *msg.Token == "" {
		return "", fmt.Errorf("%w: token is required", ErrMalformedIdentify)
	}
	return *msg.Token, nil
}

// Session drives one Connection through its lifecycle against a Registry.
type Session struct {
	conn     *Connection
	registry *Registry
	sink     EventSink
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	token string
}

// NewSession admits conn in the Unbound state. sink may be nil.
func NewSession(conn *Connection, registry *Registry, sink EventSink, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		conn:     conn,
		registry: registry,
		sink:     sink,
		logger:   logger.With("connection_id", conn.ID),
		state:    StateUnbound,
	}
	s.logger.Info("agent connected", "remote_addr", conn.RemoteAddr)
	s.emit(EventConnected, "")
	return s
}

// Connection returns the connection this session drives.
func (s *Session) Connection() *Connection {
	return s.conn
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the token this session bound, or "" if it never bound.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// HandleMessage processes one inbound message from the agent.
// While unbound, every message is a candidate self-identification.
// Once bound, inbound traffic carries no commands and is discarded.
func (s *Session) HandleMessage(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUnbound:
		token, err := ParseIdentify(data)
		if err != nil {
			s.logger.Warn("discarding message from unidentified agent", "error", err, "bytes", len(data))
			return
		}
		displaced := s.registry.Bind(token, s.conn)
		s.state = StateBound
		s.token = token
		s.emit(EventBound, token)
		if displaced != nil {
			s.emitFor(displaced, EventSuperseded, token)
		}

	case StateBound:
		s.logger.Debug("discarding message from bound agent", "token", s.token, "bytes", len(data))

	case StateClosed:
		s.logger.Debug("discarding message after close", "bytes", len(data))
	}
}

// Close unbinds the connection by identity and closes its transport.
// Only the first call has any effect.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	prev := s.state
	s.state = StateClosed

	s.registry.Unbind(s.conn)
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("closing transport", "error", err)
	}

	s.logger.Info("agent disconnected",
		"token", s.token,
		"previous_state", prev.String(),
		"connected_for", time.Since(s.conn.ConnectedAt).Round(time.Millisecond).String(),
	)
	s.emit(EventClosed, s.token)
}

func (s *Session) emit(kind EventKind, token string) {
	s.emitFor(s.conn, kind, token)
}

func (s *Session) emitFor(conn *Connection, kind EventKind, token string) {
	if s.sink == nil {
		return
	}
	s.sink.ConnectionEvent(Event{
		Kind:         kind,
		ConnectionID: conn.ID,
		Token:        token,
		RemoteAddr:   conn.RemoteAddr,
		At:           time.Now(),
	})
}
