/*
main.go - Reconciliation service entry point

PURPOSE:
  Initializes and starts the credit reconciliation server. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (viper, YAML)
  3. Initialize logger and SQLite store
  4. Wire the pipeline and API handler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to the YAML config file (optional; defaults apply)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with defaults (reconciler.db, port 8080)
  ./server

  # Run with explicit config
  ./server -config=./config/config.yml

SEE ALSO:
  - config/config.go: Configuration schema
  - api/server.go: Router configuration
  - pipeline/pipeline.go: What POST /api/runs executes
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/credit-reconciler/api"
	"github.com/warp/credit-reconciler/config"
	"github.com/warp/credit-reconciler/feed"
	"github.com/warp/credit-reconciler/pipeline"
	"github.com/warp/credit-reconciler/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	source := &feed.CSVSource{Path: cfg.Pipeline.SourcePath}
	p := pipeline.New(pipeline.Config{
		OutputPath:  cfg.Pipeline.OutputPath,
		HistoryPath: cfg.Pipeline.HistoryPath,
		FailOnError: cfg.Pipeline.FailOnError,
		MaxRetries:  cfg.Pipeline.MaxRetries,
		RetryDelay:  cfg.Pipeline.RetryDelay(),
	}, source, store, logger)

	handler := api.NewHandler(store, p, logger)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // POST /api/runs is synchronous
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("database", cfg.Database.Path),
			zap.String("source", cfg.Pipeline.SourcePath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
