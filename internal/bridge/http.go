package bridge

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxBody bounds a single JSON-RPC request body.
const maxBody = 1 << 20

// ServeHTTP answers unscoped JSON-RPC requests posted to the bridge.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.serve(w, r, "")
}

// Scoped returns a handler that pins every request to the agent named by
// the chi URL parameter param.
func (b *Bridge) Scoped(param string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.serve(w, r, chi.URLParam(r, param))
	})
}

func (b *Bridge) serve(w http.ResponseWriter, r *http.Request, scope string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		b.write(w, errorResponse(nil, &RPCError{Code: CodeParseError, Message: "read body: " + err.Error()}))
		return
	}
	if len(body) > maxBody {
		b.write(w, errorResponse(nil, &RPCError{Code: CodeInvalidRequest, Message: "request body too large"}))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		if json.Valid(body) {
			b.write(w, errorResponse(nil, &RPCError{Code: CodeInvalidRequest, Message: "request must be a single JSON-RPC object"}))
			return
		}
		b.write(w, errorResponse(nil, &RPCError{Code: CodeParseError, Message: "parse error: " + err.Error()}))
		return
	}

	resp := b.Handle(r.Context(), scope, &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	b.write(w, resp)
}

func (b *Bridge) write(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		b.logger.Warn("failed to encode JSON-RPC response", zap.Error(err))
	}
}
