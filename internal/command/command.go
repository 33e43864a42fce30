// ABOUTME: Command model: action tags, action-specific payloads, validation, and push encoding.
// ABOUTME: Commands are transient and exist only for the duration of a dispatch.

package command

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidCommand wraps every validation failure.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrUnknownAction indicates an action tag outside the supported set.
	ErrUnknownAction = errors.New("unknown action")
)

// Action is the command's action tag.
type Action string

const (
	ActionDeliverFiles        Action = "deliver-files"
	ActionReprintNotification Action = "reprint-notification"
	ActionRedesignRequest     Action = "redesign-request"
)

// Actions lists every supported action.
var Actions = []Action{
	ActionDeliverFiles,
	ActionReprintNotification,
	ActionRedesignRequest,
}

// ParseAction converts a wire tag into an Action.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownAction, s)
}

// Payload is an action-specific command body.
type Payload interface {
	// Validate checks the payload's minimal shape.
	Validate() error
}

// DeliverFiles asks the agent to fetch an ordered set of files.
// IDs[i] is the logical identifier of the file at Paths[i].
type DeliverFiles struct {
	IDs       []string `json:"ids"`
	Paths     []string `json:"paths"`
	OrderCode string   `json:"order_code,omitempty"`
}

// Validate requires both sequences to be present and of equal length.
func (p *DeliverFiles) Validate() error {
	if p.IDs == nil {
		return errors.New("ids are required")
	}
	if p.Paths == nil {
		return errors.New("paths are required")
	}
	if len(p.IDs) != len(p.Paths) {
		return fmt.Errorf("ids and paths must have matching lengths (got %d ids, %d paths)", len(p.IDs), len(p.Paths))
	}
	return nil
}

// Notification is the payload of reprint-notification and redesign-request.
type Notification struct {
	IDs       []string `json:"ids,omitempty"`
	Names     []string `json:"names,omitempty"`
	OrderCode string   `json:"order_code,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// Validate requires at least one identifier; names, when paired with ids,
// must line up with them.
func (p *Notification) Validate() error {
	if len(p.IDs) == 0 && len(p.Names) == 0 && p.OrderCode == "" {
		return errors.New("at least one of ids, names or order_code is required")
	}
	if len(p.IDs) > 0 && len(p.Names) > 0 && len(p.IDs) != len(p.Names) {
		return fmt.Errorf("ids and names must have matching lengths (got %d ids, %d names)", len(p.IDs), len(p.Names))
	}
	return nil
}

// Command is an addressed instruction for one agent.
type Command struct {
	Token   string
	Action  Action
	Payload Payload
}

// Validate checks the token, action, and payload shape. Every failure wraps
// ErrInvalidCommand.
func (c *Command) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidCommand)
	}
	if c.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidCommand)
	}

	switch c.Action {
	case ActionDeliverFiles:
		if p, ok := c.Payload.(*DeliverFiles); !ok || p == nil {
			return fmt.Errorf("%w: %s requires a file list payload", ErrInvalidCommand, c.Action)
		}
	case ActionReprintNotification, ActionRedesignRequest:
		if p, ok := c.Payload.(*Notification); !ok || p == nil {
			return fmt.Errorf("%w: %s requires a notification payload", ErrInvalidCommand, c.Action)
		}
	default:
		return fmt.Errorf("%w: %w %q", ErrInvalidCommand, ErrUnknownAction, c.Action)
	}

	if err := c.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return nil
}

// DecodePayload parses raw JSON into the payload type for action.
func DecodePayload(action Action, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch action {
	case ActionDeliverFiles:
		p = &DeliverFiles{}
	case ActionReprintNotification, ActionRedesignRequest:
		p = &Notification{}
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrInvalidCommand, ErrUnknownAction, action)
	}

	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidCommand)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: decoding %s payload: %v", ErrInvalidCommand, action, err)
	}
	return p, nil
}

// Encode serializes the command as the single push message sent to the agent:
// the action tag followed by the payload's fields.
func (c *Command) Encode() ([]byte, error) {
	switch p := c.Payload.(type) {
	case *DeliverFiles:
		return json.Marshal(struct {
			Action Action `json:"action"`
			*DeliverFiles
		}{c.Action, p})
	case *Notification:
		return json.Marshal(struct {
			Action Action `json:"action"`
			*Notification
		}{c.Action, p})
	default:
		return nil, fmt.Errorf("encoding %s: unsupported payload type %T", c.Action, c.Payload)
	}
}
