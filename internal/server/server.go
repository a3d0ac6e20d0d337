// Package server provides the admin HTTP server for the matchmaker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/matchmaker/internal/config"
	"github.com/devrev/matchmaker/internal/handler"
	"github.com/devrev/matchmaker/internal/health"
	"github.com/devrev/matchmaker/internal/middleware"
)

// Server represents the admin HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	cfg        config.ServerConfig
}

// NewServer creates the admin server and configures its routes.
func NewServer(cfg config.ServerConfig, admin *handler.AdminHandler, healthCheck *health.HealthCheck, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.Logging(logger),
		middleware.Timeout(cfg.WriteTimeout),
	}
	if cfg.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(cfg.RequestsPerSecond, cfg.BurstSize, logger)
		chain = append(chain, limiter.Limit)
	}
	router.Use(mux.MiddlewareFunc(middleware.Chain(chain...)))

	if healthCheck != nil {
		router.HandleFunc("/health", healthCheck.LivenessHandler).Methods(http.MethodGet)
		router.HandleFunc("/ready", healthCheck.ReadinessHandler).Methods(http.MethodGet)
	}
	admin.RegisterRoutes(router)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"error","message":"endpoint not found"}`))
	})

	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
		cfg:    cfg,
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting admin server", zap.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler for testing purposes.
func (s *Server) Handler() http.Handler {
	return s.router
}
