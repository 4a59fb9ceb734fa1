package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fleetgate/internal/agents"
	"fleetgate/internal/license"
)

// Fleet lists live sessions. *agents.Registry satisfies it.
type Fleet interface {
	List() []agents.Summary
	Evict(ctx context.Context, agentID, reason string) bool
}

// Waker wakes sleeping agents. *agents.Presence satisfies it.
type Waker interface {
	Wake(ctx context.Context, agentID, reason string) (bool, error)
	State(agentID string) agents.Status
}

// Announcer applies license changes fleet-wide. *license.Revoker satisfies it.
type Announcer interface {
	Announce(ctx context.Context, c license.Change) error
}

// AgentHandler serves /api/v1/agents.
type AgentHandler struct {
	fleet    Fleet
	presence Waker
	licenses Announcer
}

func NewAgentHandler(fleet Fleet, presence Waker, licenses Announcer) *AgentHandler {
	return &AgentHandler{fleet: fleet, presence: presence, licenses: licenses}
}

// List handles GET /api/v1/agents
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.fleet.List()
	JSONResponse(w, map[string]interface{}{
		"agents": list,
		"count":  len(list),
	})
}

// Get handles GET /api/v1/agents/{id}
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, s := range h.fleet.List() {
		if s.AgentID == id {
			JSONResponse(w, s)
			return
		}
	}
	agentError(w, agents.ErrAgentNotFound)
}

type wakeRequest struct {
	Reason string `json:"reason"`
}

// Wake handles POST /api/v1/agents/{id}/wake
func (h *AgentHandler) Wake(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req wakeRequest
	if err := decodeOptional(r, &req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	woke, err := h.presence.Wake(r.Context(), id, req.Reason)
	if err != nil {
		agentError(w, err)
		return
	}
	st := h.presence.State(id)
	JSONResponse(w, map[string]interface{}{
		"agent_id":    id,
		"woken":       woke,
		"connected":   st.Presence == agents.Online,
		"power_state": st.PowerState,
	})
}

type evictRequest struct {
	Reason string `json:"reason"`
	// License optionally persists a new state (e.g. BLOCKED) so the agent
	// cannot simply reconnect.
	License string `json:"license"`
}

// Evict handles POST /api/v1/agents/{id}/evict
func (h *AgentHandler) Evict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req evictRequest
	if err := decodeOptional(r, &req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.License != "" {
		c, err := license.ParseChange(id + ":" + req.License)
		if err != nil {
			JSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if c.State.AcceptsCommands() {
			JSONError(w, "eviction requires a BLOCKED or EXPIRED license", http.StatusBadRequest)
			return
		}
		if err := h.licenses.Announce(r.Context(), c); err != nil {
			JSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		JSONResponse(w, map[string]interface{}{"agent_id": id, "license": c.State})
		return
	}

	if req.Reason == "" {
		req.Reason = "operator request"
	}
	if !h.fleet.Evict(r.Context(), id, req.Reason) {
		agentError(w, agents.ErrAgentNotFound)
		return
	}
	JSONResponse(w, map[string]interface{}{"agent_id": id, "evicted": true})
}
