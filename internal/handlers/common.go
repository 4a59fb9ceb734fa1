// Package handlers implements the operator HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"fleetgate/internal/agents"
)

// JSONResponse sends a JSON response
func JSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode JSON response", zap.Error(err))
	}
}

// JSONStatus sends a JSON response with a non-200 status
func JSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode JSON response", zap.Error(err))
	}
}

// JSONError sends a JSON error response
func JSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// agentError maps an agents error to a status code, keeping its kind so
// callers can branch on it.
func agentError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch agents.KindOf(err) {
	case agents.KindAgentNotFound:
		status = http.StatusNotFound
	case agents.KindTimeout:
		status = http.StatusGatewayTimeout
	case agents.KindConnectionLost, agents.KindRemote:
		status = http.StatusBadGateway
	case agents.KindSecurityDenied:
		status = http.StatusForbidden
	}
	kind := string(agents.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": kind})
}

// decodeOptional decodes a JSON body into v. An empty body is not an error.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
