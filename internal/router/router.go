package router // package router defines how HTTP routes are registered for the API

import (
	"database/sql"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/wellness-appointments/internal/handler"
)

// RegisterRoutes registers the operational endpoints: a health check that
// pings the database and the Prometheus scrape endpoint for gatherer.
func RegisterRoutes(e *echo.Echo, db *sql.DB, gatherer prometheus.Gatherer) {
	e.GET("/healthz", handler.Health(db))
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}
