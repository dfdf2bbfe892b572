package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// apiRoute pairs a sub-path under /api/v1 with the handler that serves it,
// so NewRouter can mount the whole authenticated surface from one table
// instead of repeating r.Get for each endpoint.
type apiRoute struct {
	path    string
	handler http.HandlerFunc
}

// apiRoutes lists every authenticated endpoint this collector exposes.
//
//	GET /api/v1/reports   – paginated report query
//	GET /api/v1/hosts     – list all registered hosts
//	GET /api/v1/patterns  – list detection pattern mirror rows
//	GET /api/v1/audit     – tamper-evident audit log query
func (s *Server) apiRoutes() []apiRoute {
	return []apiRoute{
		{"/reports", s.handleGetReports},
		{"/hosts", s.handleGetHosts},
		{"/patterns", s.handleGetPatterns},
		{"/audit", s.handleGetAudit},
	}
}

// NewRouter builds the collector dashboard's HTTP surface: an unauthenticated
// /healthz liveness probe plus the JWT-gated /api/v1 routes returned by
// Server.apiRoutes.
//
// pubKey verifies RS256 Bearer tokens on every /api/v1 route. Pass nil to
// disable JWT validation entirely — tests that only exercise request
// parsing and response formatting do this deliberately.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(api chi.Router) {
		if pubKey != nil {
			api.Use(JWTMiddleware(pubKey))
		}
		for _, route := range srv.apiRoutes() {
			api.Get(route.path, route.handler)
		}
	})

	return r
}
