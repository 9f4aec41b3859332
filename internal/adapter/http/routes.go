package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// MountRoutes registers all API routes on the given chi router. idempotency
// wraps run submission and may be nil.
func MountRoutes(r chi.Router, h *Handlers, ws http.HandlerFunc, idempotency func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)

	if ws != nil {
		r.Get("/ws/executions/{run_id}", ws)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if h.RequestTimeout > 0 {
			r.Use(chimw.Timeout(h.RequestTimeout))
		}

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(version)
		})

		// Executions
		submit := http.Handler(http.HandlerFunc(h.SubmitExecution))
		if idempotency != nil {
			submit = idempotency(submit)
		}
		r.Method(http.MethodPost, "/workflows/{id}/executions", submit)
		r.Get("/executions", h.ListExecutions)
		r.Get("/executions/{run_id}", h.GetExecution)
		r.Post("/executions/{run_id}/cancel", h.CancelExecution)

		// Agents
		r.Post("/agents", h.RegisterAgent)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}/versions/{version}", h.GetAgent)
		r.Put("/agents/{id}/versions/{version}/status", h.SetAgentStatus)
		r.Delete("/agents/{id}/versions/{version}", h.DeregisterAgent)
	})
}
