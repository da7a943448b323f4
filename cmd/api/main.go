package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/roomstudio/roomstudio/internal/api"
	"github.com/roomstudio/roomstudio/internal/attempts"
	"github.com/roomstudio/roomstudio/internal/config"
	"github.com/roomstudio/roomstudio/internal/events"
	"github.com/roomstudio/roomstudio/internal/inference"
	"github.com/roomstudio/roomstudio/internal/ledger"
	"github.com/roomstudio/roomstudio/internal/logger"
	"github.com/roomstudio/roomstudio/internal/metrics"
	"github.com/roomstudio/roomstudio/internal/pipeline"
	"github.com/roomstudio/roomstudio/internal/pkg/supabase"
	"github.com/roomstudio/roomstudio/internal/prompt"
	"github.com/roomstudio/roomstudio/internal/storage"
	"github.com/roomstudio/roomstudio/pkg/database"
	"github.com/roomstudio/roomstudio/pkg/kafka"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()
	log := logger.SetupDefault(os.Stdout, cfg.Server.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.RunMigrations {
		if err := database.RunMigrations(cfg.Database.URL); err != nil {
			log.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		log.Info("✅ Migrations applied")
	}

	// Initialize database clients
	db, err := database.NewClients(ctx, cfg.Database.URL, database.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("Failed to initialize database clients", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	log.Info("✅ Connected to databases")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(registry)

	// Supabase backs login and, unless disabled, blob storage
	var auth api.Authenticator
	var store storage.BlobStore
	var filesDir string
	if cfg.Supabase.URL != "" {
		client, err := supabase.NewClient(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
		if err != nil {
			log.Error("Failed to create Supabase client", "error", err)
			os.Exit(1)
		}
		authClient := supabase.NewAuthClient(client.Auth)
		if err := authClient.Ping(); err != nil {
			log.Warn("Supabase auth is not reachable yet", "error", err)
		} else {
			log.Info("✅ Connected to Supabase auth")
		}
		auth = authClient
		if cfg.Storage.Backend == "supabase" {
			store = storage.NewSupabaseStore(client.Storage, cfg.Storage.Bucket)
		}
	}
	if store == nil {
		local, err := storage.NewLocalStore(cfg.Storage.LocalDir, cfg.Storage.PublicBaseURL)
		if err != nil {
			log.Error("Failed to initialize local storage", "error", err)
			os.Exit(1)
		}
		store = local
		filesDir = local.RootDir()
		log.Info("Storing artifacts on local disk", "dir", filesDir)
	}

	// Prompt assembly, with the optional Gemini rewrite
	promptOpts := []prompt.Option{}
	if cfg.Prompt.ExpertEnabled {
		expert, err := prompt.NewGeminiExpert(ctx, cfg.Prompt.GeminiAPIKey, cfg.Prompt.GeminiModel)
		if err != nil {
			log.Error("Failed to create Gemini client", "error", err)
			os.Exit(1)
		}
		defer expert.Close()
		promptOpts = append(promptOpts, prompt.WithExpert(expert, cfg.Prompt.ExpertTimeout))
		log.Info("✅ Prompt expert enabled", "model", cfg.Prompt.GeminiModel)
	}
	assembler := prompt.NewAssembler(prompt.Models{
		Restyle:  cfg.Inference.Model,
		Creative: cfg.Inference.CreativeModel,
	}, promptOpts...)

	// Inference
	backend := inference.NewReplicateClient(
		cfg.Inference.BaseURL,
		cfg.Inference.APIToken,
		nil,
		rate.NewLimiter(rate.Limit(cfg.Inference.RequestsPerSec), cfg.Inference.Burst),
	)
	driver := inference.NewDriver(backend, inference.DriverConfig{
		PollInterval:  cfg.Inference.PollInterval,
		Timeout:       cfg.Inference.Timeout,
		MaxPollErrors: cfg.Inference.MaxPollErrors,
		AllowHTTP:     cfg.Inference.AllowInsecureURL,
	}, inference.WithObserver(recorder))

	// Generation events
	var publisher events.Publisher = events.LogPublisher{}
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(ctx, cfg.Kafka.Broker, cfg.Kafka.RetryMax, cfg.Kafka.RetryBackoff)
		if err != nil {
			log.Error("Failed to create Kafka producer", "error", err)
			os.Exit(1)
		}
		defer func(p sarama.SyncProducer) {
			if err := p.Close(); err != nil {
				log.Error("Failed to close Kafka producer", "error", err)
			}
		}(producer)
		publisher = events.NewKafkaPublisher(producer, cfg.Kafka.Topic)
		log.Info("✅ Connected to Kafka")
	}

	credits := ledger.New(db.DB, db.Redis, cfg.Credits.HoldTTL, ledger.WithArtifactBase(cfg.Storage.PublicBaseURL))
	tracker := attempts.NewTracker(db.Redis, cfg.Credits.AttemptTTL)

	generator := pipeline.New(pipeline.Deps{
		Ledger:    credits,
		Store:     store,
		Prompts:   assembler,
		Runner:    driver,
		Fetcher:   storage.NewFetcher(storage.NewSafeHTTPClient(cfg.Storage.FetchTimeout), cfg.Storage.MaxResultSize),
		Attempts:  tracker,
		Publisher: publisher,
		Metrics:   recorder,
		Logger:    log,
	}, pipeline.Config{
		MaxUploadSize:    cfg.Storage.MaxUploadSize,
		InferenceTimeout: cfg.Inference.Timeout + time.Minute,
		FinishTimeout:    cfg.Storage.FetchTimeout + time.Minute,
	})

	// Create and start server
	server := api.NewServer(cfg, api.Deps{
		Auth:     auth,
		Pipeline: generator,
		Profiles: credits,
		Attempts: tracker,
		Catalog:  prompt.DefaultCatalog(),
		Gatherer: registry,
		FilesDir: filesDir,
		Logger:   log,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 API listening", "port", cfg.Server.Port)
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("Server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received, draining requests", "timeout", cfg.Server.ShutdownTimeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Error("Server shutdown failed", "error", err)
	}
	log.Info("Server stopped")
}
