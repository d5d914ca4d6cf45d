package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"squash/internal/config"
	"squash/internal/metrics"
	"squash/internal/services"
)

// Pinger is checked by /healthz?deep=true.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP server routes to. Redis is optional;
// without it rate limiting falls back to process memory.
type Deps struct {
	Files       services.FileService
	Compression services.CompressionService
	DB          Pinger
	Redis       *redis.Client
	Logger      *slog.Logger
}

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		BodyLimit: cfg.Server.BodyLimitMB * 1024 * 1024,
	})
	logger := deps.Logger
	rdb := deps.Redis

	// Inject services into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("files", deps.Files)
		c.Locals("compression", deps.Compression)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		// Ensure a request ID exists
		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		// Use the route pattern so ids do not explode metric cardinality.
		path := c.Route().Path

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", method,
				"path", c.Path(),
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}

		return err
	})

	// Health endpoints
	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		// Deep health: check DB and Redis connectivity.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "disabled"
		if deps.DB != nil {
			dbStatus = "ok"
			if err := deps.DB.Ping(ctx); err != nil {
				dbStatus = "error"
			}
		}

		redisStatus := "disabled"
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		if dbStatus == "error" || redisStatus == "error" {
			status = "error"
		}

		return c.JSON(fiber.Map{
			"status":  status,
			"db":      dbStatus,
			"redis":   redisStatus,
			"storage": cfg.Storage.Backend,
			"worker":  cfg.Worker.Backend,
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	var lim limiter
	if rdb != nil {
		lim = &redisLimiter{rdb: rdb, now: time.Now}
	} else {
		lim = newMemoryLimiter()
	}

	registerFileRoutes(app)

	compressed := app.Group("/compressed-files", authMiddleware(cfg), rateLimitMiddleware(cfg, lim))
	registerCompressionRoutes(compressed)

	return &Server{
		app:    app,
		config: cfg,
		logger: logger,
	}
}

// App exposes the underlying fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func registerFileRoutes(app *fiber.App) {
	app.Post("/files/upload", uploadHandler)
	app.Get("/files/:id", getFileHandler)
	app.Get("/uploads/:ref", serveUploadHandler)
}

func registerCompressionRoutes(group fiber.Router) {
	group.Post("/:file_id/compress", compressHandler)
	group.Get("/:id/status", compressStatusHandler)
	group.Get("/:id/download", compressDownloadHandler)
}
