package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/database"
	"github.com/crawlscope/crawlscope/pkg/handlers"
	"github.com/crawlscope/crawlscope/pkg/middleware"
	"github.com/crawlscope/crawlscope/pkg/services/workqueue"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the HTTP API server",
		Long:         "Run the HTTP API: account and connection management, manual and scheduled syncs, exports and dashboard reads.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, skipMigrations)
		},
	}

	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations at startup")

	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, skipMigrations bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("boundary_policy", cfg.Sync.BoundaryPolicy),
		zap.Bool("cron_enabled", cfg.CronSecret != ""))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if !skipMigrations {
		if err := migrate(a.db, logger); err != nil {
			return err
		}
	}

	queue := workqueue.New(logger, workqueue.WithConcurrency(cfg.Sync.QueueConcurrency))

	router := handlers.NewRouter(handlers.Routes{
		Health:    handlers.NewHealthHandler(cfg, a.db, logger),
		Accounts:  handlers.NewAccountHandler(a.accounts, a.connections, logger),
		Sync:      handlers.NewSyncHandler(a.sync, queue, cfg.Sync.DefaultLookbackDays, logger),
		Analytics: handlers.NewAnalyticsHandler(a.accounts, a.export, a.dashboard, logger),
		Tenant:    database.WithTenantContext(a.db, logger),
		Unscoped:  database.WithoutTenantContext(a.db, logger),
		CronAuth:  middleware.RequireBearerSecret(cfg.CronSecret, logger),
	}, logger)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting crawlscope", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Sync queue did not drain before shutdown", zap.Error(err))
	}
	return nil
}
