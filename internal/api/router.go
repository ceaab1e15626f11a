package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reliefops/xir/internal/node"
	"github.com/reliefops/xir/internal/spool"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether operator Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// secretFor, if non-nil, enables the station sync surface (hub role);
// flush, if non-nil, enables the manual flush trigger (edge roles with
// an uplink configured).
func NewRouter(svc *node.Service, sp spool.Spool, authEnabled bool, token string, sseHandler http.Handler, secretFor SecretLookup, flush FlushFunc) chi.Router {
	h := NewHandler(svc, sp, flush)

	r := chi.NewRouter()

	// Station sync surface, authenticated by provisioned secret, not
	// by the operator token. Hub only.
	if secretFor != nil {
		r.Group(func(r chi.Router) {
			r.Use(StationAuth(secretFor))
			r.Post("/sync", h.Sync)
		})
	}

	// Operator surface.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(authEnabled, token))

		// Scan ingestion.
		r.Post("/scans", h.Scans)
		r.Delete("/scans/{session}", h.AbortScan)
		r.Post("/bundles", h.UploadBundle)

		// Local state.
		r.Get("/inventory", h.Inventory)
		r.Get("/queue", h.QueueStatus)
		r.Post("/queue/flush", h.Flush)
		r.Get("/ledger/{id}", h.LedgerLookup)

		// Tasks.
		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks", h.CreateTask)
		r.Post("/tasks/{id}/reassign", h.ReassignTask)
		r.Post("/tasks/{id}/complete", h.CompleteTask)

		// Hub-only views.
		r.Get("/reconciliation", h.Reconciliation)
		r.Get("/stations", h.Stations)
		r.Get("/stations/{id}/snapshot", h.StationSnapshot)

		// SSE endpoint (protected by same auth middleware).
		if sseHandler != nil {
			r.Get("/events", sseHandler.ServeHTTP)
		}
	})

	return r
}
