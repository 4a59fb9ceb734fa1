package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"fleetgate/internal/rollout"
)

// UpdateChecker answers update checks. *rollout.Service satisfies it.
type UpdateChecker interface {
	Check(ctx context.Context, q rollout.Query) (rollout.Result, error)
}

// BuildPublisher records published builds. *store.Store satisfies it.
type BuildPublisher interface {
	PutBuild(ctx context.Context, b rollout.Build) error
}

// UpdateHandler serves /api/v1/updates.
type UpdateHandler struct {
	checker UpdateChecker
	builds  BuildPublisher
}

func NewUpdateHandler(checker UpdateChecker, builds BuildPublisher) *UpdateHandler {
	return &UpdateHandler{checker: checker, builds: builds}
}

// Check handles GET /api/v1/updates/check?machineId=&version=&platform=&arch=
func (h *UpdateHandler) Check(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := rollout.Query{
		MachineID: q.Get("machineId"),
		Version:   q.Get("version"),
		Platform:  q.Get("platform"),
		Arch:      q.Get("arch"),
	}
	if query.MachineID == "" || query.Version == "" || query.Platform == "" || query.Arch == "" {
		JSONError(w, "Missing required parameters: machineId, version, platform, arch", http.StatusBadRequest)
		return
	}

	res, err := h.checker.Check(r.Context(), query)
	if err != nil {
		JSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	JSONResponse(w, res)
}

// PublishBuild handles POST /api/v1/updates/builds
func (h *UpdateHandler) PublishBuild(w http.ResponseWriter, r *http.Request) {
	var b rollout.Build
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if b.Platform == "" || b.Arch == "" || b.Version == "" || b.Filename == "" {
		JSONError(w, "Missing required fields: platform, arch, version, filename", http.StatusBadRequest)
		return
	}
	if b.RolloutPercent == 0 {
		b.RolloutPercent = 100
	}
	if b.RolloutPercent < 0 || b.RolloutPercent > 100 {
		JSONError(w, "rollout_percent must be between 0 and 100", http.StatusBadRequest)
		return
	}

	if err := h.builds.PutBuild(r.Context(), b); err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	JSONStatus(w, http.StatusCreated, b)
}
