package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// AdminKeyHeader carries the operator key on admin endpoints.
const AdminKeyHeader = "X-Admin-Key"

// AdminKey guards operator endpoints with a shared key compared in constant
// time.  When no key is configured every request fails with 500 before the
// handler runs, so a misconfigured deployment never performs the action.
func AdminKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				slog.Error("admin endpoint called without ADMIN_KEY configured", "path", c.Path())
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": "missing configuration"})
			}
			got := c.Request().Header.Get(AdminKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
			}
			return next(c)
		}
	}
}
