// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"gh-ingestor/internal/api"
	"gh-ingestor/internal/broker"
	"gh-ingestor/internal/cache"
	"gh-ingestor/internal/config"
	"gh-ingestor/internal/gh"
	"gh-ingestor/internal/jobs"
	"gh-ingestor/internal/pipeline"
	"gh-ingestor/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	st := store.New(dbpool)
	respCache := cache.NewPostgres(dbpool)
	client := gh.NewClient(cfg.GithubAPIURL, logger)
	credBroker := broker.New(st, client, logger)
	gateway := gh.NewGateway(credBroker, respCache, client, cfg.CacheTTL, logger)

	sched := jobs.NewScheduler(cfg.SchedulerWorkers, logger)
	sched.Start(ctx)
	defer sched.Stop()

	pipe := pipeline.New(st, gateway, sched, logger, cfg.PipelineWorkers, cfg.RescrapeInterval)

	// 6. Optionally run the full pipeline on a fixed interval
	if cfg.ScrapeInterval > 0 {
		go runPeriodicIngestion(ctx, pipe, sched, cfg.ScrapeInterval, logger)
	}

	// 7. Start the HTTP server
	router := api.NewRouter(st, gateway, pipe, sched, cfg.ProxyAPIKey, logger)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 8. Wait for shutdown signal or server failure
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received. Exiting.")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// runPeriodicIngestion enqueues a full pipeline run every interval.
func runPeriodicIngestion(ctx context.Context, pipe *pipeline.Pipeline, sched *jobs.Scheduler, interval time.Duration, logger *slog.Logger) {
	logger.Info("Periodic ingestion enabled", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sched.Enqueue(&jobs.Job{
				Name:     "ingestion-run",
				Priority: jobs.PriorityDefault,
				Run: func(jctx context.Context) error {
					return pipe.Run(jctx, nil)
				},
			})
		case <-ctx.Done():
			return
		}
	}
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
