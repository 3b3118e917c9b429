package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the svtrace collector API.
//
// Route layout:
//
//	GET /healthz                                 – liveness probe (no authentication required)
//	GET /api/v1/sessions                         – paginated session query (JWT required)
//	GET /api/v1/sessions/{sessionID}              – get one session (JWT required)
//	GET /api/v1/sessions/{sessionID}/counters     – per-EventKind tuple totals (JWT required)
//	GET /api/v1/sessions/{sessionID}/audit        – tamper-evident defect audit log query (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/sessions", srv.handleListSessions)
		r.Get("/sessions/{sessionID}", srv.handleGetSession)
		r.Get("/sessions/{sessionID}/counters", srv.handleGetSessionCounters)
		r.Get("/sessions/{sessionID}/audit", srv.handleGetSessionAudit)
	})

	return r
}
