package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/file-finder/backend/internal/api"
	"github.com/file-finder/backend/internal/auth"
	"github.com/file-finder/backend/internal/config"
	"github.com/file-finder/backend/internal/db"
	"github.com/file-finder/backend/internal/job"
	"github.com/file-finder/backend/internal/logging"
	"github.com/file-finder/backend/internal/search"
	"github.com/file-finder/backend/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve subcommand, which runs the HTTP API
func NewServeCommand(configPath *string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			logger := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if err := os.MkdirAll(cfg.Data.Path, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	database, err := db.NewSQLite(cfg.Data.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	created, err := database.EnsureAdmin(cfg.Auth.AdminUsername, cfg.Auth.AdminPassword)
	if err != nil {
		return fmt.Errorf("ensure admin user: %w", err)
	}
	if created {
		logger.Info().Str("username", cfg.Auth.AdminUsername).Msg("created admin user")
	}
	if cfg.GeneratedSecret {
		logger.Warn().Msg("auth.jwt_secret not set, using a random secret; tokens will not survive a restart")
	}

	files := storage.NewOSFileSystem()
	walker := storage.NewWalker(files,
		storage.WithLogger(logger.With().Str("component", "walker").Logger()),
		storage.WithPrefetch(cfg.Search.Prefetch),
		storage.WithListTimeout(cfg.Search.ListTimeout),
		storage.WithExclude(cfg.Search.Exclude...),
	)
	engine := search.NewEngine(walker, logger.With().Str("component", "search").Logger())

	queue := job.NewJobQueue(database.DB(), logger)
	queue.RegisterHandler(job.JobSearch, job.SearchHandler(engine, cfg.Search.Timeout))
	queue.Start()
	defer queue.Stop()

	router, limiter := api.NewRouter(api.Deps{
		Database: database,
		JWT:      auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Config:   cfg,
		Engine:   engine,
		Files:    files,
		Jobs:     queue,
		Logger:   logger,
		Version:  Version,
	})
	defer limiter.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("default_root", cfg.Search.DefaultRoot).
			Str("db", cfg.Data.DBPath).
			Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
