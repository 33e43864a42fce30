// Package command defines relay commands and dispatches them to agents.
//
// A Command names a target session token, an Action, and an
// action-specific Payload:
//
//   - deliver-files: DeliverFiles{IDs, Paths, OrderCode}
//   - reprint-notification, redesign-request: Notification{IDs, Names, OrderCode, Notes}
//
// Dispatcher.Dispatch validates the command without touching the
// registry, looks up the bound connection, and performs one synchronous
// send. Outcomes:
//
//   - Delivered: handed to the transport of the currently bound connection
//   - TargetNotConnected: no binding, or the send failed
//   - InvalidCommand: malformed or inconsistent payload
//
// There is no queueing and no retry. Pushes are a single JSON object:
//
//	{"action":"deliver-files","ids":["1","2"],"paths":["/a","/b"]}
package command
