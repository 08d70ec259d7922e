package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	apimiddleware "github.com/phrazzld/contextflow/internal/api/middleware"
	"github.com/phrazzld/contextflow/internal/api/shared"
)

// RouterConfig carries the handlers and settings the router needs. Jobs and
// Metrics may be nil, which leaves their routes unregistered.
type RouterConfig struct {
	Contexts  *ContextHandler
	Jobs      *JobHandler
	Metrics   http.Handler
	JWTSecret string
	Logger    *slog.Logger
}

// NewRouter builds the HTTP handler. Routes under /api require a bearer
// token when a JWT secret is configured.
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	var auth *apimiddleware.AuthMiddleware
	if cfg.JWTSecret != "" {
		a, err := apimiddleware.NewAuthMiddleware(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		auth = a
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apimiddleware.NewTraceMiddleware(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Authenticate)
		} else {
			log.Warn("API authentication disabled: no jwt secret configured")
		}

		if h := cfg.Contexts; h != nil {
			r.Post("/contexts", h.CreateContext)
			r.Get("/contexts/{id}", h.GetContext)
			r.Post("/contexts/{id}/cancel", h.CancelContext)
			r.Get("/batches/{id}", h.GetBatch)
			r.Get("/subjects/{id}/references", h.ListReferences)
			r.Delete("/admin/contexts/{id}", h.PurgeContext)
		}
		if h := cfg.Jobs; h != nil {
			r.Post("/jobs/{id}/run", h.RunJob)
			r.Get("/jobs/stats", h.GetStats)
			r.Get("/jobs/triggers", h.GetTriggers)
		}
	})

	return r, nil
}
