package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roomstudio/roomstudio/internal/config"
	"github.com/roomstudio/roomstudio/internal/ledger"
	"github.com/roomstudio/roomstudio/internal/logger"
	"github.com/roomstudio/roomstudio/internal/metrics"
	"github.com/roomstudio/roomstudio/internal/notify"
	"github.com/roomstudio/roomstudio/internal/worker"
	"github.com/roomstudio/roomstudio/pkg/database"
	"github.com/roomstudio/roomstudio/pkg/kafka"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()
	logger.SetupDefault(os.Stdout, cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database clients
	db, err := database.NewClients(ctx, cfg.Database.URL, database.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		slog.Error("Failed to initialize database clients", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("✅ Connected to databases")

	// Initialize Kafka consumer
	consumer, err := kafka.NewConsumer(ctx, cfg.Kafka.Broker, cfg.Kafka.Group)
	if err != nil {
		slog.Error("Failed to create Kafka consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()
	slog.Info("✅ Connected to Kafka")

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
		slog.Info("Forwarding generation events", "webhook", cfg.Notify.WebhookURL)
	}

	recorder := metrics.NewCollector(prometheus.DefaultRegisterer)
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metrics.Handler(prometheus.DefaultGatherer)}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server error", "error", err)
		}
	}()
	defer metricsServer.Close()

	// Create and start worker
	w := worker.NewWorker(cfg, ledger.New(db.DB, db.Redis, cfg.Credits.HoldTTL), notifier, recorder, consumer)
	if err := w.Start(ctx); err != nil {
		slog.Error("Worker error", "error", err)
		os.Exit(1)
	}
}
