// Package agent tracks live agent connections and the session tokens they claim.
//
// # Overview
//
// Agents hold a long-lived WebSocket connection to the relay and identify
// themselves with an opaque session token shortly after connecting. The
// package has three parts:
//
//   - Connection: one live transport session with a serialized Send.
//   - Registry: the token -> Connection mapping shared by the connection
//     side and the command side.
//   - Session: the per-connection lifecycle (Unbound -> Bound -> Closed).
//
// # Registry
//
//	reg := agent.NewRegistry(logger)
//	displaced := reg.Bind("abc", conn)
//	conn, ok := reg.Lookup("abc")
//	reg.Unbind(conn)
//
// A later Bind of the same token supersedes the earlier occupant. Unbind
// removes a binding only when the given connection is still its occupant,
// so a superseded connection closing late never evicts its replacement.
//
// # Session
//
// The first message that parses as {"token": "..."} binds the connection.
// Messages that do not parse are logged and dropped; the agent stays
// connected but unreachable until it identifies. After binding, inbound
// messages are ignored. Close unbinds and is terminal.
//
// # Thread Safety
//
// Registry guards its maps with one RWMutex and does no I/O while holding
// it. Connection serializes writes with its own mutex, so a slow write to
// one agent never blocks the Registry.
package agent
