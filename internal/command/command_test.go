// ABOUTME: Tests for command validation, payload decoding, and push encoding.
// ABOUTME: Validation failures must all wrap ErrInvalidCommand.

package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	for _, a := range Actions {
		got, err := ParseAction(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}

	_, err := ParseAction("upload_files")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr string
	}{
		{
			name: "valid deliver-files",
			cmd:  Command{Token: "abc", Action: ActionDeliverFiles, Payload: &DeliverFiles{IDs: []string{"1", "2"}, Paths: []string{"/a", "/b"}}},
		},
		{
			name: "empty file lists are allowed",
			cmd:  Command{Token: "abc", Action: ActionDeliverFiles, Payload: &DeliverFiles{IDs: []string{}, Paths: []string{}}},
		},
		{
			name:    "mismatched lengths",
			cmd:     Command{Token: "abc", Action: ActionDeliverFiles, Payload: &DeliverFiles{IDs: []string{"1", "2"}, Paths: []string{"/a"}}},
			wantErr: "matching lengths",
		},
		{
			name:    "missing ids",
			cmd:     Command{Token: "abc", Action: ActionDeliverFiles, Payload: &DeliverFiles{Paths: []string{"/a"}}},
			wantErr: "ids are required",
		},
		{
			name:    "missing paths",
			cmd:     Command{Token: "abc", Action: ActionDeliverFiles, Payload: &DeliverFiles{IDs: []string{"1"}}},
			wantErr: "paths are required",
		},
		{
			name:    "empty token",
			cmd:     Command{Action: ActionDeliverFiles, Payload: &DeliverFiles{IDs: []string{}, Paths: []string{}}},
			wantErr: "token is required",
		},
		{
			name:    "nil payload",
			cmd:     Command{Token: "abc", Action: ActionReprintNotification},
			wantErr: "payload is required",
		},
		{
			name:    "typed nil payload",
			cmd:     Command{Token: "abc", Action: ActionDeliverFiles, Payload: (*DeliverFiles)(nil)},
			wantErr: "requires a file list payload",
		},
		{
			name:    "payload type does not match action",
			cmd:     Command{Token: "abc", Action: ActionRedesignRequest, Payload: &DeliverFiles{IDs: []string{}, Paths: []string{}}},
			wantErr: "requires a notification payload",
		},
		{
			name:    "unknown action",
			cmd:     Command{Token: "abc", Action: "shred", Payload: &Notification{OrderCode: "A1"}},
			wantErr: "unknown action",
		},
		{
			name: "valid reprint",
			cmd:  Command{Token: "abc", Action: ActionReprintNotification, Payload: &Notification{IDs: []string{"7"}, Notes: "smudged"}},
		},
		{
			name: "redesign by order code only",
			cmd:  Command{Token: "abc", Action: ActionRedesignRequest, Payload: &Notification{OrderCode: "ORD-9"}},
		},
		{
			name:    "notification without identifiers",
			cmd:     Command{Token: "abc", Action: ActionReprintNotification, Payload: &Notification{Notes: "hi"}},
			wantErr: "at least one of",
		},
		{
			name:    "notification ids and names misaligned",
			cmd:     Command{Token: "abc", Action: ActionReprintNotification, Payload: &Notification{IDs: []string{"1", "2"}, Names: []string{"front"}}},
			wantErr: "ids and names",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCommand)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecodePayload(t *testing.T) {
	t.Run("deliver-files", func(t *testing.T) {
		p, err := DecodePayload(ActionDeliverFiles, json.RawMessage(`{"ids":["1"],"paths":["/a"],"order_code":"X"}`))
		require.NoError(t, err)
		df, ok := p.(*DeliverFiles)
		require.True(t, ok)
		assert.Equal(t, []string{"1"}, df.IDs)
		assert.Equal(t, []string{"/a"}, df.Paths)
		assert.Equal(t, "X", df.OrderCode)
	})

	t.Run("notification", func(t *testing.T) {
		p, err := DecodePayload(ActionRedesignRequest, json.RawMessage(`{"names":["front.png"],"notes":"bigger logo"}`))
		require.NoError(t, err)
		n, ok := p.(*Notification)
		require.True(t, ok)
		assert.Equal(t, []string{"front.png"}, n.Names)
		assert.Equal(t, "bigger logo", n.Notes)
	})

	t.Run("missing payload", func(t *testing.T) {
		_, err := DecodePayload(ActionDeliverFiles, nil)
		assert.ErrorIs(t, err, ErrInvalidCommand)

		_, err = DecodePayload(ActionDeliverFiles, json.RawMessage(`null`))
		assert.ErrorIs(t, err, ErrInvalidCommand)
	})

	t.Run("wrong field types", func(t *testing.T) {
		_, err := DecodePayload(ActionDeliverFiles, json.RawMessage(`{"ids":"1","paths":["/a"]}`))
		assert.ErrorIs(t, err, ErrInvalidCommand)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := DecodePayload("shred", json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrInvalidCommand)
		assert.ErrorIs(t, err, ErrUnknownAction)
	})
}

func TestCommandEncode(t *testing.T) {
	t.Run("deliver-files flattens payload after action", func(t *testing.T) {
		cmd := Command{Token: "abc", Action: ActionDeliverFiles, Payload: &DeliverFiles{IDs: []string{"1", "2"}, Paths: []string{"/a", "/b"}}}

		data, err := cmd.Encode()
		require.NoError(t, err)
		assert.JSONEq(t, `{"action":"deliver-files","ids":["1","2"],"paths":["/a","/b"]}`, string(data))
	})

	t.Run("token is never part of the push", func(t *testing.T) {
		cmd := Command{Token: "secret-session", Action: ActionReprintNotification, Payload: &Notification{OrderCode: "ORD-1", Notes: "again"}}

		data, err := cmd.Encode()
		require.NoError(t, err)
		assert.JSONEq(t, `{"action":"reprint-notification","order_code":"ORD-1","notes":"again"}`, string(data))
		assert.NotContains(t, string(data), "secret-session")
	})
}
