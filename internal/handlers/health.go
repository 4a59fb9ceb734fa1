package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health handles GET /health
func Health(db Pinger, fleet Fleet, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := db.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		JSONStatus(w, code, map[string]interface{}{
			"status":  status,
			"version": version,
			"agents":  len(fleet.List()),
		})
	}
}
