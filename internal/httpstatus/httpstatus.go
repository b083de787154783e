// Package httpstatus exposes the worker's health and metrics surface,
// grounded on the teacher's server.Server (internal/server/server.go): same
// fiber.New config shape and recover/logger/cors middleware stack, with the
// audio-over-websocket route replaced by /health and /metrics JSON
// endpoints (the worker's own audio path is the LiveKit room, not an HTTP
// upgrade).
package httpstatus

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/nasr-live/translate-worker/internal/config"
	"github.com/nasr-live/translate-worker/internal/pipeline"
	"github.com/nasr-live/translate-worker/internal/tracer"
)

// Server wraps the fiber app serving /health and /metrics.
type Server struct {
	app      *fiber.App
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	tracer   *tracer.Tracer
}

// New constructs the status HTTP server. Call Listen to start serving.
func New(cfg *config.Config, pl *pipeline.Pipeline, tr *tracer.Tracer) *Server {
	app := fiber.New(fiber.Config{
		AppName:       "translate-worker status",
		StrictRouting: true,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
	})

	s := &Server{app: app, cfg: cfg, pipeline: pl, tracer: tr}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
	s.app.Use(cors.New())
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":          "ok",
		"timestamp":       time.Now().Unix(),
		"room":            s.cfg.RoomName,
		"active_speakers": s.pipeline.ActiveSpeakers(),
		"active_traces":   s.tracer.ActiveCount(),
	})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	return c.JSON(s.tracer.MetricsSummary())
}

// Listen starts serving on cfg.StatusAddr. Blocks until the app is shut down
// or Listen fails.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.StatusAddr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}
