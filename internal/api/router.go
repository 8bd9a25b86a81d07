package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Spatial-NVR/codnida/internal/camera"
	"github.com/Spatial-NVR/codnida/internal/logging"
)

// HealthCheck reports the health of one dependency
type HealthCheck func(ctx context.Context) error

// RouterConfig holds what the router serves
type RouterConfig struct {
	Manager        *camera.Manager
	Flow           *camera.Flow
	Hub            *Hub
	Logs           *logging.Buffer
	AllowedOrigins []string
	Checks         map[string]HealthCheck
	Version        string
}

// NewRouter creates the HTTP router with all routes
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.With(middleware.Timeout(60*time.Second)).Get("/health", healthHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Mount("/cameras", NewCameraHandler(cfg.Manager).Routes())
			r.Get("/services", ListServices)
			if cfg.Flow != nil {
				r.Mount("/config", NewFlowHandler(cfg.Flow).Routes())
			}
			if cfg.Logs != nil {
				r.Get("/logs", NewLogHandler(cfg.Logs).List)
			}
		})

		// Long-lived, no request timeout
		if cfg.Logs != nil {
			r.Get("/logs/stream", NewLogHandler(cfg.Logs).Stream)
		}
	})

	if cfg.Hub != nil {
		r.Get("/ws", cfg.Hub.HandleWebSocket)
	}

	return r
}

func healthHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		checks := make(map[string]string, len(cfg.Checks))
		for name, check := range cfg.Checks {
			if err := check(r.Context()); err != nil {
				status = "degraded"
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}

		total, available := 0, 0
		for _, ent := range cfg.Manager.List() {
			total++
			if ent.Available {
				available++
			}
		}

		code := http.StatusOK
		if status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		JSON(w, code, map[string]any{
			"status":            status,
			"version":           cfg.Version,
			"checks":            checks,
			"cameras":           total,
			"cameras_available": available,
		})
	}
}
