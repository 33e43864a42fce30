// ABOUTME: HTTP API handlers for command ingress, agent listing, and audit queries.
// ABOUTME: Translates dispatch outcomes to status codes and replays request_id duplicates.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/command"
	"github.com/2389/relay-gateway/internal/store"
)

// maxRequestBytes bounds command request bodies.
const maxRequestBytes = 1 << 20

// ReplayedHeader is set on responses served from the idempotency cache.
const ReplayedHeader = "Idempotent-Replayed"

// CommandRequest is the JSON request body for POST /api/commands.
type CommandRequest struct {
	Token     string          `json:"token"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
}

// CommandResponse is the JSON response for POST /api/commands.
type CommandResponse struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// SendFilesRequest is the JSON request body for the legacy POST /send-files route.
type SendFilesRequest struct {
	Token     string   `json:"token"`
	FilePaths []string `json:"file_paths"`
	FileIDs   []string `json:"file_ids"`
	OrderCode string   `json:"order_code,omitempty"`
}

// SendFilesResponse is the JSON response for POST /send-files.
type SendFilesResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// AgentInfoResponse is the JSON response element for GET /api/agents.
type AgentInfoResponse struct {
	Token        string `json:"token"`
	ConnectionID string `json:"connection_id"`
	RemoteAddr   string `json:"remote_addr"`
	ConnectedAt  string `json:"connected_at"`
	BoundAt      string `json:"bound_at"`
}

// DispatchResponse is the JSON response element for GET /api/dispatches.
type DispatchResponse struct {
	ID           string `json:"id"`
	Token        string `json:"token"`
	Action       string `json:"action"`
	Outcome      string `json:"outcome"`
	ConnectionID string `json:"connection_id,omitempty"`
	Detail       string `json:"detail,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// ConnectionEventResponse is the JSON response element for GET /api/events.
type ConnectionEventResponse struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	Token        string `json:"token,omitempty"`
	Kind         string `json:"kind"`
	RemoteAddr   string `json:"remote_addr,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// dispatchResult is what the idempotency cache remembers per request_id.
// Only final outcomes are remembered; see rememberOutcome.
type dispatchResult struct {
	outcome command.Outcome
	errMsg  string
}

// handleCommand handles POST /api/commands.
//
// Status mapping:
//   - Delivered: 200
//   - InvalidCommand (including malformed JSON and unknown actions): 400
//   - TargetNotConnected: 503, not remembered for request_id replay
func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	cmd, req, err := parseCommandRequest(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		g.logger.Info("rejected malformed command request",
			"producer", auth.SubjectFromContext(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusBadRequest, CommandResponse{
			Outcome: command.InvalidCommand.String(),
			Error:   err.Error(),
		})
		return
	}

	dispatch := func() dispatchResult {
		outcome, err := g.dispatcher.Dispatch(r.Context(), cmd)
		res := dispatchResult{outcome: outcome}
		if err != nil {
			res.errMsg = err.Error()
		}
		return res
	}

	var res dispatchResult
	if req.RequestID == "" {
		res = dispatch()
	} else {
		var replayed bool
		key := auth.SubjectFromContext(r.Context()) + "\x00" + req.RequestID
		res, replayed = g.dedupe.DoKeep(key, dispatch, rememberOutcome)
		if replayed {
			w.Header().Set(ReplayedHeader, "true")
			g.logger.Debug("replayed command outcome",
				"request_id", req.RequestID,
				"token", cmd.Token,
				"outcome", res.outcome.String(),
			)
		}
	}

	writeJSON(w, outcomeStatus(res.outcome), commandResponse(res))
}

// rememberOutcome reports whether a request_id should replay res. A
// target_not_connected outcome is transient, so a retry with the same
// request_id dispatches again once the agent is back.
func rememberOutcome(res dispatchResult) bool {
	return res.outcome == command.Delivered || res.outcome == command.InvalidCommand
}

// parseCommandRequest decodes the body into a Command. Every failure wraps
// command.ErrInvalidCommand.
func parseCommandRequest(body io.Reader) (*command.Command, *CommandRequest, error) {
	var req CommandRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid JSON body", command.ErrInvalidCommand)
	}

	action := command.Action(req.Action)
	payload, err := command.DecodePayload(action, req.Payload)
	if err != nil {
		return nil, nil, err
	}

	return &command.Command{Token: req.Token, Action: action, Payload: payload}, &req, nil
}

func outcomeStatus(o command.Outcome) int {
	switch o {
	case command.Delivered:
		return http.StatusOK
	case command.TargetNotConnected:
		return http.StatusServiceUnavailable
	case command.InvalidCommand:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func commandResponse(res dispatchResult) CommandResponse {
	resp := CommandResponse{Outcome: res.outcome.String()}
	switch res.outcome {
	case command.Delivered:
	case command.TargetNotConnected:
		// Send failures stay opaque to producers.
		resp.Error = command.ErrTargetNotConnected.Error()
	default:
		resp.Error = res.errMsg
		if resp.Error == "" {
			resp.Error = "dispatch failed"
		}
	}
	return resp
}

// handleSendFiles handles the legacy POST /send-files route, keeping its
// request and response shapes. It dispatches a deliver-files command.
func (g *Gateway) handleSendFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SendFilesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil ||
		req.Token == "" || req.FilePaths == nil || req.FileIDs == nil || len(req.FilePaths) != len(req.FileIDs) {
		writeJSON(w, http.StatusBadRequest, SendFilesResponse{
			Status:  "error",
			Message: "Invalid data. Ensure token, file paths and IDs are provided with matching lengths.",
		})
		return
	}

	cmd := &command.Command{
		Token:  req.Token,
		Action: command.ActionDeliverFiles,
		Payload: &command.DeliverFiles{
			IDs:       req.FileIDs,
			Paths:     req.FilePaths,
			OrderCode: req.OrderCode,
		},
	}

	outcome, err := g.dispatcher.Dispatch(r.Context(), cmd)
	switch outcome {
	case command.Delivered:
		writeJSON(w, http.StatusOK, SendFilesResponse{Status: "success", Message: "Data sent to agent"})
	case command.TargetNotConnected:
		writeJSON(w, http.StatusInternalServerError, SendFilesResponse{Status: "error", Message: "No agent connected for token"})
	default:
		writeJSON(w, http.StatusBadRequest, SendFilesResponse{Status: "error", Message: err.Error()})
	}
}

// handleListAgents handles GET /api/agents requests.
// It returns a JSON array of all bound agent connections, ordered by token.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agents := g.registry.ListAgents()
	response := make([]AgentInfoResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, AgentInfoResponse{
			Token:        a.Token,
			ConnectionID: a.ConnectionID,
			RemoteAddr:   a.RemoteAddr,
			ConnectedAt:  a.ConnectedAt.UTC().Format(time.RFC3339),
			BoundAt:      a.BoundAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// handleDispatches handles GET /api/dispatches?token=&limit=.
func (g *Gateway) handleDispatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := g.store.ListDispatches(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing dispatches", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]DispatchResponse, 0, len(entries))
	for _, e := range entries {
		response = append(response, DispatchResponse{
			ID:           e.ID,
			Token:        e.Token,
			Action:       e.Action,
			Outcome:      e.Outcome,
			ConnectionID: e.ConnectionID,
			Detail:       e.Detail,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// handleEvents handles GET /api/events?token=&limit=.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := g.store.ListConnectionEvents(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing connection events", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConnectionEventResponse, 0, len(events))
	for _, e := range events {
		response = append(response, ConnectionEventResponse{
			ID:           e.ID,
			ConnectionID: e.ConnectionID,
			Token:        e.Token,
			Kind:         e.Kind,
			RemoteAddr:   e.RemoteAddr,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// parseListFilter reads the token and limit query parameters.
func parseListFilter(r *http.Request) (store.ListFilter, error) {
	q := r.URL.Query()
	f := store.ListFilter{Token: q.Get("token")}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = limit
	}
	return f, nil
}

// sendJSONError writes a JSON error response with the given status code and message.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
