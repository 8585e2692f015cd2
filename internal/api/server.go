package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/osa-io/osa/internal/api/middleware"
	"github.com/osa-io/osa/internal/outbox"
	"github.com/osa-io/osa/internal/policy"
	"github.com/osa-io/osa/internal/storage"
)

type (
	// Server is the ops API server.
	Server struct {
		httpServer *http.Server
		config     *ServerConfig
		logger     *slog.Logger
		startTime  time.Time

		conn   *storage.Connection
		outbox *outbox.Store
		kernel *policy.Kernel
	}

	// Deps are the server's injected dependencies. Tokens may be nil to
	// disable authentication (everything is then Anonymous and only
	// public routes respond).
	Deps struct {
		Conn   *storage.Connection
		Outbox *outbox.Store
		Kernel *policy.Kernel
		Tokens middleware.TokenAuthenticator
		Logger *slog.Logger
	}
)

// NewServer assembles the ops API with its middleware stack.
func NewServer(cfg *ServerConfig, deps Deps) *Server {
	logger := deps.Logger.With("component", "ops_api")

	server := &Server{
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
		conn:      deps.Conn,
		outbox:    deps.Outbox,
		kernel:    deps.Kernel,
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	if deps.Tokens == nil {
		logger.Warn("token store not configured, ops API runs unauthenticated")
	}

	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithTokenAuth(deps.Tokens, logger),
		middleware.WithRequestLogger(logger),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Handler exposes the assembled handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return err
	}

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("ops API listening", "address", s.config.Address())

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("ops API failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down ops API", "timeout", s.config.ShutdownTimeout)

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops API shutdown failed: %w", err)
	}

	return nil
}
