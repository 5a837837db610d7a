package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/wellness-appointments/internal/service"
)

// DiagnosticsAPI reports per-provider configuration and credential health.
type DiagnosticsAPI interface {
	Run(ctx context.Context, live bool) map[string]service.ProviderReport
}

// DiagnosticsHandler serves the payment diagnostics endpoint.
type DiagnosticsHandler struct {
	Diagnostics DiagnosticsAPI
}

// NewDiagnosticsHandler returns a handler bound to d.  It panics on nil.
func NewDiagnosticsHandler(d DiagnosticsAPI) *DiagnosticsHandler {
	if d == nil {
		panic("nil diagnostics service passed to NewDiagnosticsHandler")
	}
	return &DiagnosticsHandler{Diagnostics: d}
}

// Run handles POST /appointments-payment-diagnostics {runLiveChecks}.  An
// empty body means no live checks.
func (h *DiagnosticsHandler) Run(c echo.Context) error {
	var body struct {
		RunLiveChecks bool `json:"runLiveChecks"`
	}
	if err := c.Bind(&body); err != nil {
		return invalidBody(c)
	}
	reports := h.Diagnostics.Run(c.Request().Context(), body.RunLiveChecks)
	return c.JSON(http.StatusOK, echo.Map{
		"liveChecks": body.RunLiveChecks,
		"providers":  reports,
	})
}
