// Package api is the OpenAI-style HTTP gateway in front of the pipeline.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/samcharles93/pipeshard/internal/logger"
	"github.com/samcharles93/pipeshard/internal/pipeline"
)

// DefaultMaxTokens bounds a completion when the request does not.
const DefaultMaxTokens = 100

// Generator is the orchestrator entry point the gateway drives.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxNewTokens int, onToken pipeline.TokenFunc) (*pipeline.Result, error)
}

type Options struct {
	// Model is reported in responses and by /v1/models.
	Model            string
	DefaultMaxTokens int
	// RequestsPerSecond limits admitted completions across all clients.
	// Zero disables the limit.
	RequestsPerSecond float64
	Burst             int
	// Ready reports pipeline health for /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
	Log   logger.Logger
}

type Server struct {
	gen     Generator
	opts    Options
	limiter *rate.Limiter
	clock   func() time.Time
	log     logger.Logger
}

func NewServer(gen Generator, opts Options) *Server {
	if opts.Model == "" {
		opts.Model = "pipeshard"
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = DefaultMaxTokens
	}
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{gen: gen, opts: opts, clock: time.Now, log: log}
	if opts.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(opts.Burst, 1))
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/chat/completions", s.handleChatCompletions, s.admit)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealth)
}

// Handler returns a configured echo instance serving the gateway routes.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	s.Register(e)
	return e
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readHeaderTimeout time.Duration) error {
	e := s.Handler()
	s.log.Info("starting gateway", "address", addr, "model", s.opts.Model)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = readHeaderTimeout
			return nil
		},
	}
	return sc.Start(ctx, e)
}

// admit rejects requests beyond the configured rate with 429.
func (s *Server) admit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "", "")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(c.Request().Context()); err != nil {
			return writeError(c, http.StatusServiceUnavailable, "not_ready", err.Error(), "", "")
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       s.opts.Model,
			"object":   "model",
			"created":  s.clock().Unix(),
			"owned_by": "pipeshard",
		}},
	})
}
