package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/wellness-appointments/internal/handler"
	"github.com/iliyamo/wellness-appointments/internal/middleware"
)

// RegisterPayments registers initiation, confirmation, status and the
// mobile money webhooks.  Webhooks authenticate with their own shared
// secret inside the payment service.
func RegisterPayments(e *echo.Echo, h *handler.PaymentHandler, limiter echo.MiddlewareFunc) {
	e.POST("/payments-initiate", h.Initiate, limiter)
	e.POST("/appointments-confirm", h.Confirm)
	e.POST("/payments-paypal-capture", h.CapturePayPal)
	e.GET("/payments-status", h.Status)
	e.POST("/payments-webhook/:provider", h.Webhook)
}

// RegisterDiagnostics registers the admin-only provider readiness probe.
func RegisterDiagnostics(e *echo.Echo, h *handler.DiagnosticsHandler, adminKey string) {
	e.POST("/appointments-payment-diagnostics", h.Run, middleware.AdminKey(adminKey))
}
