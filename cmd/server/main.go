package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/iliyamo/wellness-appointments/internal/config"
	"github.com/iliyamo/wellness-appointments/internal/database"
	"github.com/iliyamo/wellness-appointments/internal/handler"
	"github.com/iliyamo/wellness-appointments/internal/metrics"
	"github.com/iliyamo/wellness-appointments/internal/middleware"
	"github.com/iliyamo/wellness-appointments/internal/obs"
	"github.com/iliyamo/wellness-appointments/internal/payment"
	"github.com/iliyamo/wellness-appointments/internal/queue"
	"github.com/iliyamo/wellness-appointments/internal/repository"
	"github.com/iliyamo/wellness-appointments/internal/router"
	"github.com/iliyamo/wellness-appointments/internal/safety"
	"github.com/iliyamo/wellness-appointments/internal/service"
)

const (
	serviceName = "wellness-appointments"
	version     = "0.1.0"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.Load()

	shutdownTracer, err := obs.InitTracer(serviceName, version, cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	db, err := database.Open(cfg.DB)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = database.Migrate(migrateCtx, db)
	cancel()
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		slog.Warn("redis unavailable; using in-process rate limiter and no response cache")
	} else {
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gate, err := safety.NewGate(cfg.CrisisRedirectURL)
	if err != nil {
		log.Fatalf("safety: %v", err)
	}

	hc := payment.NewHTTPClient()
	providers := payment.NewRegistry(
		payment.NewStripe(cfg.Stripe, cfg.SiteURL, hc),
		payment.NewPayPal(cfg.PayPal, cfg.SiteURL, hc),
		payment.NewMPesa(cfg.MPesa, hc),
		payment.NewAirtel(cfg.Airtel, hc),
	)
	for _, p := range providers.All() {
		if !p.Configured() {
			slog.Warn("payment provider not configured", "provider", p.Name())
		}
	}

	var publisher service.EventPublisher
	if cfg.RabbitURL != "" {
		publisher = queue.NewPublisher(cfg.RabbitURL)
	}

	cache := middleware.NewResponseCache(cfg.Cache, rdb)
	bookingRepo := repository.NewBookingRepo(db)
	bookings := service.NewBookingService(repository.NewSettingsRepo(db), bookingRepo, gate, m, cache)
	payments := service.NewPaymentService(bookingRepo, repository.NewPaymentAttemptRepo(db), providers, publisher, m)
	diagnostics := service.NewDiagnosticsService(providers)

	e := echo.New()
	e.HideBanner = true
	e.Pre(middleware.Preflight())
	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.CORS())

	limiter := middleware.NewTokenBucket(cfg.RateLimit, rdb)
	router.RegisterRoutes(e, db, reg)
	router.RegisterAppointments(e, handler.NewAppointmentHandler(bookings), cfg.AdminKey, limiter, cache)
	router.RegisterPayments(e, handler.NewPaymentHandler(payments), limiter)
	router.RegisterDiagnostics(e, handler.NewDiagnosticsHandler(diagnostics), cfg.AdminKey)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := ":" + cfg.Port
	go func() {
		slog.Info("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		slog.Error("tracer shutdown", "error", err)
	}
}
