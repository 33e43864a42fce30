// ABOUTME: WebSocket agent listener: upgrades connections and drives each agent Session
// ABOUTME: Owns the read loop, keepalive pings, read limits, and teardown on any transport error

package gateway

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/agent"
)

// newUpgrader builds the agent upgrader. An empty allow-list accepts any
// origin; agents are desktop programs that usually send none.
func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			return slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}
}

// sinks fans lifecycle events out to several sinks.
type sinks []agent.EventSink

func (s sinks) ConnectionEvent(ev agent.Event) {
	for _, sink := range s {
		sink.ConnectionEvent(ev)
	}
}

// handleAgentWS accepts one agent connection and serves it until the
// transport fails, the agent goes silent past the pong timeout, or the
// gateway shuts down. Every exit path goes through Session.Close.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		g.logger.Debug("agent upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	agentsCfg := g.config.Agents
	conn := agent.NewConnection(agent.ConnectionParams{
		Transport:    ws,
		RemoteAddr:   r.RemoteAddr,
		WriteTimeout: agentsCfg.WriteTimeout,
		Logger:       g.agentLogger,
	})
	sess := agent.NewSession(conn, g.registry, g.eventSink, g.agentLogger)

	if !g.trackSession(sess) {
		// Shutdown began between accept and tracking.
		sess.Close()
		return
	}
	defer g.untrackSession(sess)
	defer sess.Close()

	ws.SetReadLimit(agentsCfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(agentsCfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(agentsCfg.PongTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go g.pingLoop(ws, conn, stopPing)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			g.logReadError(sess, err)
			return
		}
		// Any inbound frame proves liveness.
		_ = ws.SetReadDeadline(time.Now().Add(agentsCfg.PongTimeout))
		sess.HandleMessage(data)
	}
}

// pingLoop sends keepalive pings until stop is closed or a ping fails.
// WriteControl is safe alongside the connection's data writer.
func (g *Gateway) pingLoop(ws *websocket.Conn, conn *agent.Connection, stop <-chan struct{}) {
	ticker := time.NewTicker(g.config.Agents.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(g.config.Agents.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !conn.Closed() {
					g.agentLogger.Debug("ping failed", "connection_id", conn.ID, "error", err)
				}
				return
			}
		}
	}
}

func (g *Gateway) logReadError(sess *agent.Session, err error) {
	conn := sess.Connection()
	switch {
	case conn.Closed():
		// Closed locally during shutdown; nothing to report.
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		g.agentLogger.Debug("agent closed connection",
			"connection_id", conn.ID,
			"token", sess.Token(),
			"state", sess.State().String(),
		)
	case errors.Is(err, websocket.ErrReadLimit):
		g.agentLogger.Warn("agent message exceeded read limit",
			"connection_id", conn.ID,
			"token", sess.Token(),
			"limit_bytes", g.config.Agents.MaxMessageBytes,
		)
	default:
		g.agentLogger.Info("agent connection lost",
			"connection_id", conn.ID,
			"token", sess.Token(),
			"state", sess.State().String(),
			"error", err,
		)
	}
}

// trackSession records a live session so Shutdown can close it. Returns
// false once shutdown has begun.
func (g *Gateway) trackSession(s *agent.Session) bool {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	if g.shuttingDown {
		return false
	}
	g.sessions[s] = struct{}{}
	g.sessionsWG.Add(1)
	return true
}

func (g *Gateway) untrackSession(s *agent.Session) {
	g.sessionsMu.Lock()
	delete(g.sessions, s)
	g.sessionsMu.Unlock()
	g.sessionsWG.Done()
}

// closeSessions closes every live agent session and waits for their
// handlers to return or done to close.
func (g *Gateway) closeSessions(done <-chan struct{}) {
	g.sessionsMu.Lock()
	g.shuttingDown = true
	live := make([]*agent.Session, 0, len(g.sessions))
	for s := range g.sessions {
		live = append(live, s)
	}
	g.sessionsMu.Unlock()

	for _, s := range live {
		s.Close()
	}

	finished := make(chan struct{})
	go func() {
		g.sessionsWG.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-done:
		g.logger.Warn("timed out waiting for agent handlers to exit")
	}
}
