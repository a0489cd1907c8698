package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"voting-ledger/service"
)

const (
	DefaultVoterHeader = "X-Voter-ID"
	shutdownTimeout    = 10 * time.Second
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	BindAddr    string
	Port        uint
	VoterHeader string
}

// Server exposes the ledger over HTTP. The voter identity is taken from a
// header set by the authenticating proxy in front of it.
type Server struct {
	cfg    Config
	svc    *service.VotingService
	store  Pinger
	logger *slog.Logger
	engine *gin.Engine
}

func NewServer(cfg Config, svc *service.VotingService, store Pinger, logger *slog.Logger) *Server {
	if cfg.VoterHeader == "" {
		cfg.VoterHeader = DefaultVoterHeader
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		store:  store,
		logger: logger.With("component", "api"),
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger(s.logger))
	s.registerRoutes(s.engine)
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens until ctx is done and then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddr, strconv.FormatUint(uint64(s.cfg.Port), 10))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API listener", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API listener failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down API listener")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API shutdown failed: %w", err)
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
