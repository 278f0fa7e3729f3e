package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/pubsync/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin API router, rooted at /
func NewRouter(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()
	r.Use(RequestLogger)
	r.Use(AuthMiddleware)

	r.Route("/publications/{workspace}/{type}/{name}", func(r chi.Router) {
		r.Get("/", handlers.withPublication(handlers.handlePublication))
		r.Post("/", handlers.withPublication(handlers.handleSubmit))
		r.Delete("/", handlers.withPublication(handlers.handleDelete))
		r.Get("/status", handlers.withPublication(handlers.handleStatus))
		r.Post("/abort", handlers.withPublication(handlers.handleAbort))
		r.Post("/resubmit", handlers.withPublication(handlers.handleResubmit))
		r.Delete("/registry", handlers.withPublication(handlers.handleDeleteRegistry))
	})

	r.Get("/locks", handlers.handleLocks)
	r.Delete("/locks/{workspace}/{type}/{name}", handlers.withPublication(handlers.handleForceUnlock))
	r.Get("/types", handlers.handleTypes)
	r.Get("/chains", handlers.handleChains)
	r.Get("/tasks/{taskID}", handlers.handleTask)
	r.Get("/queue", handlers.handleQueueStats)

	return r
}

// RegisterRoutes mounts the admin API under /admin and metrics at /metrics
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := NewRouter(handlers)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/publications/*")
}
