// ABOUTME: Maps session tokens to the live connection currently bound to them.
// ABOUTME: Binding is last-registration-wins; unbinding is by connection identity.

package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// binding is a token's current occupant.
type binding struct {
	conn    *Connection
	boundAt time.Time
}

// Registry coordinates all bound agent connections.
// All methods are safe for concurrent use and never perform I/O under the lock.
type Registry struct {
	byToken map[string]binding
	// byConn is the reverse index, keyed by connection ID.
	byConn map[string]string
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byToken: make(map[string]binding),
		byConn:  make(map[string]string),
		logger:  logger,
	}
}

// Bind installs conn under token and returns the connection it displaced, if any.
// A connection occupies at most one token, so binding conn under a new token
// first releases its previous one.
func (r *Registry) Bind(token string, conn *Connection) (displaced *Connection) {
	r.mu.Lock()
	if prevToken, ok := r.byConn[conn.ID]; ok && prevToken != token {
		delete(r.byToken, prevToken)
	}
	if prev, ok := r.byToken[token]; ok && prev.conn != conn {
		displaced = prev.conn
		delete(r.byConn, prev.conn.ID)
	}
	r.byToken[token] = binding{conn: conn, boundAt: time.Now()}
	r.byConn[conn.ID] = token
	total := len(r.byToken)
	r.mu.Unlock()

	if displaced != nil {
		r.logger.Info("agent binding superseded",
			"token", token,
			"connection_id", conn.ID,
			"previous_connection_id", displaced.ID,
			"total_agents", total,
		)
	} else {
		r.logger.Info("agent bound",
			"token", token,
			"connection_id", conn.ID,
			"remote_addr", conn.RemoteAddr,
			"total_agents", total,
		)
	}
	return displaced
}

// Lookup returns the connection currently bound to token.
func (r *Registry) Lookup(token string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byToken[token]
	return b.conn, ok
}

// Unbind removes the binding occupied by conn and reports whether there was one.
// It is a no-op when conn was never bound or has been displaced.
func (r *Registry) Unbind(conn *Connection) bool {
	r.mu.Lock()
	token, ok := r.byConn[conn.ID]
	if ok {
		delete(r.byConn, conn.ID)
		if b, exists := r.byToken[token]; exists && b.conn == conn {
			delete(r.byToken, token)
		}
	}
	total := len(r.byToken)
	r.mu.Unlock()

	if ok {
		r.logger.Info("agent unbound",
			"token", token,
			"connection_id", conn.ID,
			"total_agents", total,
		)
	}
	return ok
}

// Count returns the number of bound tokens.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

// ListAgents returns information about all bound connections, ordered by token.
func (r *Registry) ListAgents() []*AgentInfo {
	r.mu.RLock()
	agents := make([]*AgentInfo, 0, len(r.byToken))
	for token, b := range r.byToken {
		agents = append(agents, &AgentInfo{
			Token:        token,
			ConnectionID: b.conn.ID,
			RemoteAddr:   b.conn.RemoteAddr,
			ConnectedAt:  b.conn.ConnectedAt,
			BoundAt:      b.boundAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].Token < agents[j].Token })
	return agents
}

// AgentInfo contains public information about a bound agent.
type AgentInfo struct {
	Token        string
	ConnectionID string
	RemoteAddr   string
	ConnectedAt  time.Time
	BoundAt      time.Time
}
