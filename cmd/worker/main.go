package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iliyamo/wellness-appointments/internal/config"
	"github.com/iliyamo/wellness-appointments/internal/queue"
)

// The worker drains booking.confirmed events into the booking log.
func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.LoadWorker()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &queue.Consumer{URL: cfg.RabbitURL, LogDir: cfg.LogDir}
	slog.Info("worker started", "queue", queue.AppointmentQueue, "log_dir", cfg.LogDir, "env", cfg.Env)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker: %v", err)
	}
	slog.Info("worker stopped")
}
