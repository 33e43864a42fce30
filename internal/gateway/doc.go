// Package gateway orchestrates the relay-gateway server components.
//
// # Overview
//
// The gateway owns two listeners:
//
//   - the agent listener, where every request is upgraded to a WebSocket
//     and handed to an agent.Session
//   - the HTTP listener, carrying the producer API, health checks, and
//     Prometheus metrics
//
// It wires the agent.Registry, the command.Dispatcher, the audit store,
// metrics, and the request_id idempotency cache together.
//
// # Agent Connections (ws.go)
//
// Each accepted connection gets a read limit, a read deadline extended by
// pongs and inbound frames, and a ping ticker. The read loop feeds every
// frame to the Session; any read error, including a missed pong, tears the
// session down, which unbinds it from the registry by identity.
//
// # HTTP API (api.go)
//
//   - POST /api/commands - Dispatch a command; 200 delivered, 400 invalid, 503 not connected
//   - POST /send-files - Legacy deliver-files route with its original response shapes
//   - GET /api/agents - List bound agent connections
//   - GET /api/dispatches - Dispatch audit log (?token=, ?limit=)
//   - GET /api/events - Connection lifecycle audit log (?token=, ?limit=)
//   - GET /health - Liveness check
//   - GET /health/ready - 200 when at least one agent is bound, 503 otherwise
//
// When auth.jwt_secret is set, the /api/ routes and /send-files require a
// producer bearer token. Health, metrics, and the agent listener stay open.
//
// # Auditing (audit.go)
//
// Dispatch outcomes and connection events are queued to a single writer
// goroutine so that database latency never reaches the delivery path.
// Records are dropped, with a warning, if the queue is full.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	err = gw.Run(ctx) // blocks; cancel() triggers graceful shutdown
package gateway
