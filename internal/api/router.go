/**
 * @description
 * HTTP router setup for the recurring-donation service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new Chi router and registers the recurring donation routes.
// auth guards donor and admin routes; internalKey guards the service-to-service routes.
func NewRouter(h *Handler, auth func(http.Handler) http.Handler, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Recurring donation service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/internal/recurring-donations", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/{id}/advance", h.handleAdvance)
		r.Post("/due/run", h.handleRunDue)
		r.Post("/exhausted/run", h.handleRunExhausted)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/recurring-donations", h.handleCreate)
		r.Get("/recurring-donations", h.handleList)
		r.Get("/recurring-donations/display-interval", h.handleDisplayInterval)
		r.Get("/recurring-donations/{id}", h.handleGet)
		r.Put("/recurring-donations/{id}/status", h.handleChangeStatus)
	})

	return r
}
