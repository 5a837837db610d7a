package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/iliyamo/wellness-appointments/internal/handler"
	"github.com/iliyamo/wellness-appointments/internal/metrics"
	"github.com/iliyamo/wellness-appointments/internal/service"
)

type stubDiagnostics struct{ calls int }

func (s *stubDiagnostics) Run(context.Context, bool) map[string]service.ProviderReport {
	s.calls++
	return map[string]service.ProviderReport{}
}

func TestOperationalRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.BookingsTotal.WithLabelValues("created").Inc()

	e := echo.New()
	RegisterRoutes(e, nil, reg)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "appointments_bookings_total")
}

func TestDiagnosticsRequiresAdminKey(t *testing.T) {
	stub := &stubDiagnostics{}
	e := echo.New()
	RegisterDiagnostics(e, handler.NewDiagnosticsHandler(stub), "k3y")

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/appointments-payment-diagnostics", strings.NewReader(`{"runLiveChecks":false}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		if key != "" {
			req.Header.Set("X-Admin-Key", key)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(""))
	assert.Equal(t, http.StatusUnauthorized, send("nope"))
	assert.Equal(t, 0, stub.calls)
	assert.Equal(t, http.StatusOK, send("k3y"))
	assert.Equal(t, 1, stub.calls)
}
