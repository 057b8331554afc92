package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/meridian-wms/meridian/internal/counting"
	"github.com/meridian-wms/meridian/internal/observability"
	"github.com/meridian-wms/meridian/internal/removal"
	"github.com/meridian-wms/meridian/internal/stockmove"
	"github.com/meridian-wms/meridian/internal/valuation"
	"github.com/meridian-wms/meridian/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	ValuationHandler *valuation.Handler
	StockMoveHandler *stockmove.Handler
	CountingHandler  *counting.Handler
	RemovalHandler   *removal.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
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

	if params.Metrics != nil {
		r.Get("/metrics", params.Metrics.Handler().ServeHTTP)
	}

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware(params.Logger))

		if params.ValuationHandler != nil {
			r.Route("/api/v1/valuation", params.ValuationHandler.MountRoutes)
		}
		if params.StockMoveHandler != nil {
			r.Route("/api/v1/stock-moves", params.StockMoveHandler.MountRoutes)
		}
		if params.CountingHandler != nil {
			r.Route("/api/v1/counting", params.CountingHandler.MountRoutes)
		}
		if params.RemovalHandler != nil {
			r.Route("/api/v1/removal-strategies", params.RemovalHandler.MountRoutes)
		}
	})

	return r
}
