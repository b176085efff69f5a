package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/shedder/telemetry"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(secret))

	r.Get("/status", handlers.handleStatus)
	r.Get("/eligibility", handlers.handleEligibility)
	r.Post("/shed", handlers.handleShed)
	r.Post("/activations/{type}/{key}", handlers.handleActivate)

	r.Route("/cluster", func(r chi.Router) {
		r.Get("/members", handlers.handleClusterMembers)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// NewServer builds the admin HTTP server on addr
func NewServer(addr string, handlers *AdminHandlers, secret string) *http.Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers, secret)
	return &http.Server{Addr: addr, Handler: mux}
}
