package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

var (
	corsMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	corsHeaders = []string{echo.HeaderContentType, echo.HeaderAuthorization, AdminKeyHeader}
)

// CORS adds permissive CORS headers to every response.
func CORS() echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: corsMethods,
		AllowHeaders: corsHeaders,
	})
}

// Preflight answers every OPTIONS request with 200 and an empty body,
// whether or not a route exists for the path.  Register it with Pre so it
// runs before routing.
func Preflight() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method != http.MethodOptions {
				return next(c)
			}
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlAllowMethods, strings.Join(corsMethods, ","))
			h.Set(echo.HeaderAccessControlAllowHeaders, strings.Join(corsHeaders, ","))
			return c.NoContent(http.StatusOK)
		}
	}
}
