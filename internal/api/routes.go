package api

import (
	"net/http"

	"github.com/osa-io/osa/internal/api/middleware"
	"github.com/osa-io/osa/internal/policy"
)

// setupRoutes registers the ops endpoints. Every route except /health is
// gated through the policy kernel with the route's action.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/queues",
		s.guarded(policy.ActionQueueInspect, s.handleQueueDepths))
	mux.HandleFunc("GET /api/v1/deliveries/failed",
		s.guarded(policy.ActionQueueInspect, s.handleListFailed))
	mux.HandleFunc("POST /api/v1/deliveries/{id}/resurrect",
		s.guarded(policy.ActionQueueResurrect, s.handleResurrect))
}

// guarded wraps a handler with a policy check for one action.
func (s *Server) guarded(action policy.Action, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := middleware.IdentityFrom(r.Context())

		if err := s.kernel.Guard(id, action, nil); err != nil {
			WriteProblem(w, r, s.logger, ProblemFromError(err))

			return
		}

		next(w, r)
	}
}
