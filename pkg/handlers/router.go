package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/middleware"
)

// Routes holds the handlers and middleware the API router is built from.
type Routes struct {
	Health    *HealthHandler
	Accounts  *AccountHandler
	Sync      *SyncHandler
	Analytics *AnalyticsHandler

	// Tenant scopes the request's database connection to the {accountID} in the path.
	Tenant func(http.Handler) http.Handler
	// Unscoped attaches a database connection with no account scope.
	Unscoped func(http.Handler) http.Handler
	// CronAuth guards the scheduled sync endpoint.
	CronAuth func(http.Handler) http.Handler
}

// NewRouter builds the HTTP router.
func NewRouter(routes Routes, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestMetrics)
	r.Use(middleware.RequestLogger(logger))

	routes.Health.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	routes.Accounts.RegisterRoutes(r, routes.Unscoped, routes.Tenant)
	routes.Sync.RegisterRoutes(r, routes.CronAuth)
	routes.Analytics.RegisterRoutes(r, routes.Tenant)

	return r
}
