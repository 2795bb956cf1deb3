package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/meridian-hms/meridian-hms/internal/identity"
	"github.com/meridian-hms/meridian-hms/internal/masterdata/items"
	"github.com/meridian-hms/meridian-hms/internal/masterdata/suppliers"
	"github.com/meridian-hms/meridian-hms/internal/observability"
	"github.com/meridian-hms/meridian-hms/internal/procurement"
	"github.com/meridian-hms/meridian-hms/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Identity           identity.Middleware
	ProcurementHandler *procurement.Handler
	ItemsHandler       *items.Handler
	SuppliersHandler   *suppliers.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(params.Identity.Authenticate)

		r.Route("/procurement", params.ProcurementHandler.MountRoutes)
		if params.ItemsHandler != nil {
			r.Route("/masterdata/items", params.ItemsHandler.MountRoutes)
		}
		if params.SuppliersHandler != nil {
			r.Route("/masterdata/suppliers", params.SuppliersHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
