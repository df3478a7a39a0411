package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(g.countRequests)

	// Public — no auth required.
	r.Get("/health", g.handleHealth())

	if g.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
	}

	// Job API and status — auth required. Not mounted if no auth configured.
	if g.config.Auth.IsConfigured() {
		r.Group(func(r chi.Router) {
			r.Use(g.authMiddleware(g.config.Auth))
			r.Get("/status", g.handleStatus())
			r.Route("/api", func(r chi.Router) {
				r.Post("/jobs", g.handleCreateJob())
				r.Get("/jobs", g.handleListJobs())
				r.Get("/jobs/{id}", g.handleGetJob())
				r.Patch("/jobs/{id}", g.handlePatchJob())
				r.Delete("/jobs/{id}", g.handleDeleteJob())
			})
		})
	}

	return r
}
