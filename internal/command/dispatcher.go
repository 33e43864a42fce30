// ABOUTME: Routes a validated command to the connection bound to its token.
// ABOUTME: Reports Delivered, TargetNotConnected, or InvalidCommand synchronously.

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/relay-gateway/internal/agent"
)

// ErrTargetNotConnected indicates no live connection accepted the command.
var ErrTargetNotConnected = errors.New("target not connected")

// Outcome is the result of a dispatch as observed by the producer.
type Outcome int

const (
	Delivered Outcome = iota + 1
	TargetNotConnected
	InvalidCommand
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TargetNotConnected:
		return "target_not_connected"
	case InvalidCommand:
		return "invalid_command"
	default:
		return "unknown"
	}
}

// Registry is the lookup side of agent.Registry.
type Registry interface {
	Lookup(token string) (*agent.Connection, bool)
}

// Record describes one finished dispatch.
type Record struct {
	Token        string
	Action       Action
	Outcome      Outcome
	ConnectionID string        // empty unless a connection was found
	Err          error         // validation or send error, nil when delivered
	SendDuration time.Duration // zero unless a send was attempted
	At           time.Time
}

// Observer is notified after every dispatch.
type Observer interface {
	ObserveDispatch(ctx context.Context, rec *Record)
}

// Dispatcher resolves tokens to connections and sends commands to them.
// It holds no state of its own beyond its collaborators.
type Dispatcher struct {
	registry  Registry
	observers []Observer
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(registry Registry, logger *slog.Logger, observers ...Observer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		observers: observers,
		logger:    logger,
	}
}

// Dispatch validates cmd, looks up the connection bound to cmd.Token, and
// sends the encoded command on it. The returned error explains a
// non-Delivered outcome: it wraps ErrInvalidCommand or ErrTargetNotConnected.
//
// Delivered means the frame was handed to the transport of the connection
// bound at lookup time; no acknowledgment from the agent is awaited.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command) (Outcome, error) {
	rec := &Record{Token: cmd.Token, Action: cmd.Action}
	outcome, err := d.dispatch(cmd, rec)
	rec.Outcome = outcome
	rec.Err = err
	rec.At = time.Now()

	d.logResult(rec)
	for _, o := range d.observers {
		o.ObserveDispatch(ctx, rec)
	}
	return outcome, err
}

func (d *Dispatcher) dispatch(cmd *Command, rec *Record) (Outcome, error) {
	if err := cmd.Validate(); err != nil {
		return InvalidCommand, err
	}

	msg, err := cmd.Encode()
	if err != nil {
		return InvalidCommand, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	conn, ok := d.registry.Lookup(cmd.Token)
	if !ok {
		return TargetNotConnected, ErrTargetNotConnected
	}
	rec.ConnectionID = conn.ID

	start := time.Now()
	err = conn.Send(msg)
	rec.SendDuration = time.Since(start)
	if err != nil {
		return TargetNotConnected, fmt.Errorf("%w: %w", ErrTargetNotConnected, err)
	}
	return Delivered, nil
}

func (d *Dispatcher) logResult(rec *Record) {
	attrs := []any{
		"token", rec.Token,
		"action", string(rec.Action),
		"outcome", rec.Outcome.String(),
	}
	if rec.ConnectionID != "" {
		attrs = append(attrs, "connection_id", rec.ConnectionID)
	}

	switch rec.Outcome {
	case Delivered:
		d.logger.Info("command delivered", attrs...)
	case TargetNotConnected:
		if rec.ConnectionID != "" {
			d.logger.Warn("send to agent failed", append(attrs, "error", rec.Err)...)
		} else {
			d.logger.Info("no agent connected for token", attrs...)
		}
	default:
		d.logger.Info("rejected invalid command", append(attrs, "error", rec.Err)...)
	}
}
