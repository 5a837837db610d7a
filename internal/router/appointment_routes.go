package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/wellness-appointments/internal/handler"
	"github.com/iliyamo/wellness-appointments/internal/middleware"
)

// RegisterAppointments registers the calendar and booking endpoints.
// Reading settings is public and served through the response cache;
// replacing them needs the admin key.  Booking is rate limited.
func RegisterAppointments(e *echo.Echo, h *handler.AppointmentHandler, adminKey string, limiter echo.MiddlewareFunc, cache *middleware.ResponseCache) {
	e.GET("/appointments-availability", h.Availability)
	e.GET("/appointments-settings", h.GetSettings, cache.Middleware())
	e.POST("/appointments-settings", h.UpdateSettings, middleware.AdminKey(adminKey))
	e.POST("/appointments-book", h.Book, limiter)
}
