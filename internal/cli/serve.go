package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/matchmaker/internal/handler"
	"github.com/devrev/matchmaker/internal/health"
	"github.com/devrev/matchmaker/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the matchmaker",
		Long: `Run the expiry sweeper and the matching loop together with the admin,
health and metrics HTTP servers until interrupted.

Example:
  matchmaker serve --config ./config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(parent context.Context, opts *RootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start matchmaker", err)
	}
	defer a.close()
	logger := a.logger

	healthCheck := health.NewHealthCheck(map[string]health.Pinger{
		"postgres": a.requests,
		"redis":    a.queueStore,
	}, logger)
	admin := handler.NewAdminHandler(a.queue, a.matchmaking, logger)
	adminServer := server.NewServer(a.cfg.Server, admin, healthCheck, logger)

	var aux []*http.Server
	healthMux := http.NewServeMux()
	healthCheck.RegisterRoutes(healthMux)
	aux = append(aux, &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Health.Port),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	})
	if a.cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		aux = append(aux, &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Metrics.Port),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(adminServer.Start)
	for _, srv := range aux {
		g.Go(func() error {
			logger.Info("Starting HTTP server", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}

	a.queue.Start(gctx)
	g.Go(func() error {
		a.matchmaking.Start(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown failed", zap.Error(err))
		}
		for _, srv := range aux {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server shutdown failed", zap.String("address", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Matchmaker stopped with error", zap.Error(err))
		return WrapExitError(ExitFailure, "matchmaker stopped", err)
	}
	logger.Info("Matchmaker stopped")
	return nil
}
