package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/glam-monitor/glamd/internal/auth"
)

// NewRouter builds the Operator HTTP Surface's chi mux: health, readiness,
// per-product status, and the manual cycle trigger.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(auth.APIKey(s.APIKey))

	if len(s.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		}))
	}

	r.Get("/health", s.HandleHealthLive)
	r.Get("/health/ready", s.HandleHealthReady)
	r.Get("/status", s.HandleStatus)
	r.Get("/status/{product}", s.HandleProductStatus)
	r.Post("/trigger", s.HandleTrigger)

	return r
}
