// Package server assembles the control plane HTTP surface.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fleetgate/internal/auth"
	"fleetgate/internal/bridge"
	"fleetgate/internal/handlers"
	"fleetgate/internal/middleware"
)

// Deps are the handlers and policies the router is built from.
type Deps struct {
	Hub      http.Handler
	Bridge   *bridge.Bridge
	Agents   *handlers.AgentHandler
	Licenses *handlers.LicenseHandler
	Updates  *handlers.UpdateHandler
	Health   http.HandlerFunc

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// Validator guards the bridge and operator API. Nil disables auth.
	Validator *auth.Validator
	Limiter   *middleware.RateLimiter
	Logger    *zap.Logger
}

type Server struct {
	router *chi.Mux
	deps   Deps
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{router: chi.NewRouter(), deps: d}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	d := s.deps

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.CORS)

	// Agents authenticate through the register handshake; update checks
	// come from agents too.
	r.Group(func(r chi.Router) {
		r.Get("/health", d.Health)
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
		r.Get("/agent/ws", d.Hub.ServeHTTP)
		r.Get("/api/v1/updates/check", d.Updates.Check)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(d.Validator))
		if d.Limiter != nil {
			r.Use(d.Limiter.Limit)
		}

		r.Handle("/mcp", d.Bridge)
		r.Handle("/mcp/agents/{agentID}", d.Bridge.Scoped("agentID"))

		r.Route("/api/v1/agents", func(r chi.Router) {
			r.Get("/", d.Agents.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", d.Agents.Get)
				r.Post("/wake", d.Agents.Wake)
				r.Post("/evict", d.Agents.Evict)
			})
		})
		r.Route("/api/v1/licenses", func(r chi.Router) {
			r.Get("/", d.Licenses.List)
			r.Put("/{id}", d.Licenses.Update)
		})
		r.Post("/api/v1/updates/builds", d.Updates.PublishBuild)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
