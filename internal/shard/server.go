package shard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/pipeshard/internal/logger"
	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/stage"
	"github.com/samcharles93/pipeshard/internal/tensor"
	"github.com/samcharles93/pipeshard/internal/version"
	"github.com/samcharles93/pipeshard/internal/weights"
)

// maxRequestBytes caps a forward request body.
const maxRequestBytes = 1 << 30

// Server exposes a Worker over HTTP. It can start listening before the
// worker has finished loading; forward calls get 503 until Install.
type Server struct {
	assignment partition.Assignment
	log        logger.Logger

	worker  atomic.Pointer[Worker]
	warning atomic.Pointer[weights.PartialLoadWarning]
}

// NewServer returns a server for the shard that will own assignment a.
func NewServer(a partition.Assignment, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{assignment: a, log: log.With("shard", a.Index)}
}

// Install makes w live. Everything w references is fully built before the
// pointer store, so handlers that observe it see a complete worker.
func (s *Server) Install(w *Worker, warn *weights.PartialLoadWarning) {
	if warn != nil {
		s.warning.Store(warn)
	}
	s.worker.Store(w)
	s.log.Info("shard ready", "assignment", w.Assignment().String(), "backend", w.Backend())
}

// Ready reports whether a worker is installed.
func (s *Server) Ready() bool { return s.worker.Load() != nil }

// Register adds the stage routes to e.
func (s *Server) Register(e *echo.Echo) {
	e.POST(stage.ForwardPath, s.handleForward)
	e.GET(stage.InfoPath, s.handleInfo)
	e.GET(stage.HealthPath, s.handleHealth)
}

// Handler returns a configured echo instance serving the stage routes.
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
	s.log.Info("starting shard server", "address", addr)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = readHeaderTimeout
			return nil
		},
	}
	return sc.Start(ctx, e)
}

func (s *Server) handleForward(c *echo.Context) error {
	w := s.worker.Load()
	if w == nil {
		return writeError(c, http.StatusServiceUnavailable, "not_ready", "shard is still loading weights")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBytes))
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("read body: %v", err))
	}
	var req stage.ForwardRequest
	if err := stage.Unmarshal(body, &req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}

	start := time.Now()
	out, err := w.Forward(c.Request().Context(), &req.Input)
	switch {
	case errors.Is(err, ErrBadInput), errors.Is(err, tensor.ErrShape):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	case err != nil:
		s.log.Error("forward failed", "session", req.Session, "step", req.Step, "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	s.log.Debug("forward", "session", req.Session, "step", req.Step, "shape", req.Input.Shape, "elapsed", time.Since(start))

	b, err := stage.Marshal(stage.ForwardResponse{Output: *out, Shard: s.assignment.Index})
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, stage.ContentType)
	res.WriteHeader(http.StatusOK)
	_, err = res.Write(b)
	return err
}

func (s *Server) handleInfo(c *echo.Context) error {
	info := stage.Info{
		Assignment: s.assignment,
		Version:    version.String(),
		Warning:    s.warning.Load(),
	}
	if w := s.worker.Load(); w != nil {
		info.Ready = true
		info.Backend = w.Backend()
		info.Tensors = w.Store().Len()
		info.Bytes = w.Store().Bytes()
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleHealth(c *echo.Context) error {
	if !s.Ready() {
		return writeError(c, http.StatusServiceUnavailable, "not_ready", "shard is still loading weights")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	var body stage.ErrorBody
	body.Error.Message = msg
	body.Error.Type = errType
	return c.JSON(status, body)
}
