package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cache"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jwtware "github.com/gofiber/jwt/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roomstudio/roomstudio/internal/config"
	"github.com/roomstudio/roomstudio/internal/metrics"
	"github.com/roomstudio/roomstudio/internal/models"
	"github.com/roomstudio/roomstudio/internal/prompt"
)

// Authenticator checks email and password credentials.
type Authenticator interface {
	Authenticate(email, password string) (*models.Identity, error)
}

// Generator runs one generation request end to end.
type Generator interface {
	Run(ctx context.Context, req models.GenerationRequest) (*models.GenerationResult, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, identityID string) (*models.UsageProfile, error)
	CreateProfile(ctx context.Context, identity models.Identity, credits int) (*models.UsageProfile, error)
	History(ctx context.Context, identityID string, limit int) ([]models.GenerationRecord, error)
}

type AttemptReader interface {
	Get(ctx context.Context, attemptID string) (*models.AttemptStatus, error)
}

// Deps are the collaborators the server is wired with.
type Deps struct {
	Auth     Authenticator
	Pipeline Generator
	Profiles ProfileStore
	Attempts AttemptReader
	Catalog  prompt.Catalog
	Gatherer prometheus.Gatherer
	FilesDir string // served under /files when blobs live on local disk
	Logger   *slog.Logger
}

type Server struct {
	app      *fiber.App
	cfg      *config.Config
	auth     Authenticator
	pipeline Generator
	profiles ProfileStore
	attempts AttemptReader
	catalog  prompt.Catalog
	logger   *slog.Logger
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.Server.BodyLimit,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${ip} ${method} ${path} ${status} ${latency}\n",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.Server.MaxRequests,
		Expiration: cfg.Server.RequestTimeout,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(models.ErrorResponse{Error: "Too many requests"})
		},
	}))

	server := &Server{
		app:      app,
		cfg:      cfg,
		auth:     deps.Auth,
		pipeline: deps.Pipeline,
		profiles: deps.Profiles,
		attempts: deps.Attempts,
		catalog:  deps.Catalog,
		logger:   deps.Logger,
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}

	if deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(deps.Gatherer)))
	}
	if deps.FilesDir != "" {
		app.Static("/files", deps.FilesDir)
	}

	// Routes
	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	api := s.app.Group("/api")

	// Public routes
	api.Get("/health", s.handleHealth)
	api.Get("/catalog", cache.New(cache.Config{
		Expiration:   s.cfg.Server.CacheExpiration,
		CacheControl: true,
	}), s.handleCatalog)
	api.Post("/login", s.handleLogin)

	// Protected routes
	protected := api.Use(jwtware.New(jwtware.Config{
		SigningKey:   []byte(s.cfg.JWT.Secret),
		ErrorHandler: unauthorized,
	}))
	protected.Post("/generate", s.handleGenerate)
	protected.Get("/generations", s.handleListGenerations)
	protected.Get("/generations/attempts/:id", s.handleGetAttempt)
	protected.Get("/profile", s.handleGetProfile)
	protected.Post("/profile", s.handleCreateProfile)
}

func (s *Server) Start() error {
	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown waits for in-flight requests, including running generations, until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleCatalog(c *fiber.Ctx) error {
	return c.JSON(s.catalog)
}

// writeError renders err as an ErrorResponse. Errors outside the pipeline taxonomy become 500s.
func (s *Server) writeError(c *fiber.Ctx, err error) error {
	var perr *models.PipelineError
	if !errors.As(err, &perr) {
		s.logger.Error("Unhandled request error", "path", c.Path(), "error", err)
		perr = models.NewPipelineError(models.ErrInternal, "Internal server error", err)
	}
	return c.Status(perr.HTTPStatus()).JSON(models.ErrorResponse{
		Error: perr.Message,
		Code:  perr.Kind,
	})
}
