package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-detect/internal/handlers"
	"github.com/telhawk-systems/telhawk-detect/internal/logging"
	"github.com/telhawk-systems/telhawk-detect/internal/repository"
	"github.com/telhawk-systems/telhawk-detect/internal/scheduler"
	"github.com/telhawk-systems/telhawk-detect/internal/server"
	"github.com/telhawk-systems/telhawk-detect/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection service",
	Long: `Run the scheduler and HTTP API. Enabled rules are executed whenever their
interval has elapsed; the API exposes health, metrics, manual rule runs and
rule export.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		skipMigrate, _ := cmd.Flags().GetBool("skip-migrate")
		if cfg.Engine.RulesSource == "postgres" && !skipMigrate {
			logger.Info("Running database migrations")
			if err := repository.Migrate(cfg.Database.Postgres.ConnString()); err != nil {
				return err
			}
		}

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		indices := storage.NewIndexManager(a.search, cfg.Engine.SignalsIndex, cfg.OpenSearch)
		if err := indices.EnsureSignalsIndex(ctx); err != nil {
			return err
		}

		sched := scheduler.NewScheduler(a.repo, a.exec, a.status, cfg.Engine.CheckInterval, logger)
		go sched.Start(ctx)
		defer sched.Stop()

		handler := handlers.NewHandler(a.repo, a.exec, a.status, a.search, logger)
		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      server.NewRouter(handler),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("Detection service listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
		}

		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", logging.Error(err))
			return err
		}
		logger.Info("Server stopped gracefully")
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("skip-migrate", false, "do not apply database migrations on start")
	rootCmd.AddCommand(serveCmd)
}
