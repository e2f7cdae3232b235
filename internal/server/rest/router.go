// Package rest provides the read-only HTTP status API alongside the
// binary WebSocket stream: a snapshot of every tracee's current state and
// a query endpoint over the tamper-evident audit log.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for mevi's status API.
//
// Route layout:
//
//	GET /healthz           – liveness probe
//	GET /api/v1/tracees    – current snapshot of every known tracee
//	GET /api/v1/audit      – tamper-evident lifecycle log query
//
// There is no authentication layer: mevi binds to 127.0.0.1 and is a
// single-user local development tool, not a multi-tenant service.
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tracees", srv.handleGetTracees)
		r.Get("/audit", srv.handleGetAudit)
	})

	return r
}
