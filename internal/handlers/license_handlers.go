package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fleetgate/internal/license"
	"fleetgate/internal/store"
)

// LicenseStore reads license records. *store.Store satisfies it.
type LicenseStore interface {
	ListLicenses(ctx context.Context) ([]store.License, error)
	GetLicense(ctx context.Context, agentID string) (store.License, error)
}

// LicenseHandler serves /api/v1/licenses.
type LicenseHandler struct {
	store    LicenseStore
	licenses Announcer
}

func NewLicenseHandler(s LicenseStore, licenses Announcer) *LicenseHandler {
	return &LicenseHandler{store: s, licenses: licenses}
}

// List handles GET /api/v1/licenses
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListLicenses(r.Context())
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []store.License{}
	}
	JSONResponse(w, list)
}

type licenseRequest struct {
	Status string `json:"status"`
}

// Update handles PUT /api/v1/licenses/{id}
func (h *LicenseHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req licenseRequest
	if err := decodeOptional(r, &req); err != nil || req.Status == "" {
		JSONError(w, "Missing required field: status", http.StatusBadRequest)
		return
	}
	c, err := license.ParseChange(id + ":" + req.Status)
	if err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetLicense(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			JSONError(w, "License not found", http.StatusNotFound)
			return
		}
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	if err := h.licenses.Announce(r.Context(), c); err != nil {
		JSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	l, err := h.store.GetLicense(r.Context(), id)
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, l)
}
