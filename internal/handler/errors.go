package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/wellness-appointments/internal/service"
)

// respondError writes err as {"error": message}.  Crisis refusals also
// carry crisis:true and the support redirect.  Causes are logged, never
// returned.
func respondError(c echo.Context, err error) error {
	var se *service.Error
	if !errors.As(err, &se) {
		slog.Error("unhandled error", "method", c.Request().Method, "path", c.Path(), "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	status := se.Kind.Status()
	if status >= http.StatusInternalServerError || se.Err != nil {
		slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "kind", string(se.Kind), "error", err)
	}
	body := echo.Map{"error": se.Message}
	if se.Kind == service.KindCrisis {
		body["crisis"] = true
		body["redirectUrl"] = se.RedirectURL
	}
	return c.JSON(status, body)
}

func invalidBody(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
}
