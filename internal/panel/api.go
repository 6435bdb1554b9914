// ABOUTME: HTTP API handlers for managing daemons and calling them over RPC
// ABOUTME: Translates registry and remote errors into HTTP status codes

package panel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-panel/internal/auth"
	"github.com/2389/coven-panel/internal/registry"
	"github.com/2389/coven-panel/internal/remote"
)

// OverviewEvent is the daemon RPC that reports host-level information.
const OverviewEvent = "info/overview"

// maxRequestTimeout caps the per-call timeout a caller may ask for.
const maxRequestTimeout = 2 * time.Minute

// RequestBody is the JSON request body for POST /api/daemons/{id}/request.
type RequestBody struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// RequestResponse is the JSON response for a successful RPC.
type RequestResponse struct {
	Data json.RawMessage `json:"data"`
}

// OverviewResponse is the JSON response for GET /api/overview.
type OverviewResponse struct {
	Available int              `json:"available"`
	Total     int              `json:"total"`
	Daemons   []DaemonOverview `json:"daemons"`
}

// DaemonOverview is one daemon's entry in the overview.
type DaemonOverview struct {
	ID        string          `json:"id"`
	Remarks   string          `json:"remarks,omitempty"`
	Available bool            `json:"available"`
	Info      json.RawMessage `json:"info,omitempty"`
}

// sendJSON writes v as a JSON response with the given status.
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

// sendRegistryError maps registry failures onto HTTP statuses.
func (p *Panel) sendRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrDaemonNotFound):
		sendJSONError(w, http.StatusNotFound, "daemon not found")
	case errors.Is(err, registry.ErrInvalidEntry):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		p.logger.Error("registry operation failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendRPCError maps a failed daemon call onto an HTTP status.
func (p *Panel) sendRPCError(w http.ResponseWriter, r *http.Request, daemonID string, err error) {
	var remoteErr *remote.RemoteError
	switch {
	case errors.Is(err, remote.ErrConnectionUnavailable), errors.Is(err, remote.ErrConnectionClosed):
		sendJSONError(w, http.StatusServiceUnavailable, "daemon unavailable")
	case errors.Is(err, remote.ErrTimeout):
		sendJSONError(w, http.StatusGatewayTimeout, "daemon did not respond in time")
	case errors.As(err, &remoteErr):
		sendJSONError(w, http.StatusBadGateway, remoteErr.Message)
	case errors.Is(err, context.Canceled):
		p.logger.Debug("caller went away", "daemon_id", daemonID, "path", r.URL.Path)
	default:
		p.logger.Error("daemon request failed", "daemon_id", daemonID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleListDaemons handles GET /api/daemons.
func (p *Panel) handleListDaemons(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, p.registry.List())
}

// handleGetDaemon handles GET /api/daemons/{id}.
func (p *Panel) handleGetDaemon(w http.ResponseWriter, r *http.Request) {
	status, ok := p.registry.Status(r.PathValue("id"))
	if !ok {
		sendJSONError(w, http.StatusNotFound, "daemon not found")
		return
	}
	sendJSON(w, http.StatusOK, status)
}

// handleAddDaemon handles POST /api/daemons.
func (p *Panel) handleAddDaemon(w http.ResponseWriter, r *http.Request) {
	var req registry.AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conn, err := p.registry.Add(r.Context(), req)
	if err != nil {
		p.sendRegistryError(w, err)
		return
	}
	p.logger.Info("daemon added via API", "daemon_id", conn.ID(), "operator", auth.OperatorFromContext(r.Context()))

	status, _ := p.registry.Status(conn.ID())
	sendJSON(w, http.StatusCreated, status)
}

// handleEditDaemon handles PUT /api/daemons/{id}.
func (p *Panel) handleEditDaemon(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req registry.EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := p.registry.Edit(r.Context(), id, req); err != nil {
		p.sendRegistryError(w, err)
		return
	}

	status, _ := p.registry.Status(id)
	sendJSON(w, http.StatusOK, status)
}

// handleRemoveDaemon handles DELETE /api/daemons/{id}.
func (p *Panel) handleRemoveDaemon(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := p.registry.Remove(r.Context(), id); err != nil {
		p.sendRegistryError(w, err)
		return
	}
	p.logger.Info("daemon removed via API", "daemon_id", id, "operator", auth.OperatorFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleReconnect handles POST /api/daemons/{id}/reconnect.
func (p *Panel) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := p.registry.Reconnect(r.PathValue("id")); err != nil {
		p.sendRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleRequest handles POST /api/daemons/{id}/request, a single RPC
// against the daemon whose reply is returned verbatim.
func (p *Panel) handleRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, ok := p.registry.Get(id)
	if !ok {
		sendJSONError(w, http.StatusNotFound, "daemon not found")
		return
	}

	var body RequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Event == "" {
		sendJSONError(w, http.StatusBadRequest, "event is required")
		return
	}
	if body.Event == remote.AuthEvent {
		sendJSONError(w, http.StatusBadRequest, "auth is managed by the panel")
		return
	}
	if body.TimeoutMS < 0 {
		sendJSONError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}

	var opts []remote.RequestOption
	if body.TimeoutMS > 0 {
		opts = append(opts, remote.WithTimeout(min(time.Duration(body.TimeoutMS)*time.Millisecond, maxRequestTimeout)))
	}

	var payload any
	if len(body.Data) > 0 {
		payload = body.Data
	}

	data, err := remote.NewClient(conn).Request(r.Context(), body.Event, payload, opts...)
	if err != nil {
		p.sendRPCError(w, r, id, err)
		return
	}
	sendJSON(w, http.StatusOK, RequestResponse{Data: data})
}

// handleOverview handles GET /api/overview. Every available daemon is asked
// for its overview concurrently; daemons that fail are listed without info.
func (p *Panel) handleOverview(w http.ResponseWriter, r *http.Request) {
	statuses := p.registry.List()
	resp := OverviewResponse{
		Total:   len(statuses),
		Daemons: make([]DaemonOverview, len(statuses)),
	}

	var wg sync.WaitGroup
	for i, s := range statuses {
		resp.Daemons[i] = DaemonOverview{ID: s.ID, Remarks: s.Remarks, Available: s.Available}
		if !s.Available {
			continue
		}
		resp.Available++

		conn, ok := p.registry.Get(s.ID)
		if !ok {
			continue
		}
		wg.Go(func() {
			var info json.RawMessage
			if err := remote.NewClient(conn).RequestInto(r.Context(), OverviewEvent, nil, &info); err != nil {
				p.logger.Debug("overview failed", "daemon_id", s.ID, "error", err)
				return
			}
			resp.Daemons[i].Info = info
		})
	}
	wg.Wait()

	sendJSON(w, http.StatusOK, resp)
}
