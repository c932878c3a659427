// Package server exposes the automation controls over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vault-rebalancer/internal/config"
	"vault-rebalancer/internal/service"
)

// Server owns the gin engine and its http.Server.
type Server struct {
	cfg    config.ServerConfig
	engine *gin.Engine
	logger zerolog.Logger
}

// New builds the router with every handler registered.
func New(cfg config.ServerConfig, rebalancer *service.Rebalancer, health HealthChecker, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "http").Logger()

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger), requireAPIKey(cfg.APIKey))

	(&HealthHandler{Check: health}).Register(engine)
	(&AutomationHandler{Rebalancer: rebalancer, Logger: logger}).Register(engine)

	return &Server{cfg: cfg, engine: engine, logger: logger}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("http server shutting down")
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
