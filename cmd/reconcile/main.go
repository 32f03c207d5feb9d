/*
main.go - One-shot reconciliation run

PURPOSE:
  Runs the pipeline once from the command line and exits. Intended for
  cron/scheduler invocation; the server binary exposes the same run
  over HTTP.

EXIT CODES:
  0  Run completed and both validation gates passed
  1  Run failed (acquisition exhausted retries, a gate rejected the
     batch, or persistence failed)

COMMAND-LINE FLAGS:
  -config  Path to the YAML config file (optional; defaults apply)
  -source  Override the configured source CSV path
  -no-db   Skip the run-record database entirely

EXAMPLES:
  # Nightly run with config
  ./reconcile -config=./config/config.yml

  # Ad-hoc run against a local file, no database
  ./reconcile -source=./transactions.csv -no-db

SEE ALSO:
  - pipeline/pipeline.go: The stages this executes
  - cmd/server/main.go: The long-running variant
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/warp/credit-reconciler/config"
	"github.com/warp/credit-reconciler/feed"
	"github.com/warp/credit-reconciler/pipeline"
	"github.com/warp/credit-reconciler/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	sourcePath := flag.String("source", "", "override source CSV path")
	noDB := flag.Bool("no-db", false, "skip run-record database")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *sourcePath != "" {
		cfg.Pipeline.SourcePath = *sourcePath
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var store *sqlite.Store
	if !*noDB {
		store, err = sqlite.New(cfg.Database.Path)
		if err != nil {
			logger.Fatal("failed to initialize database", zap.Error(err))
		}
		defer store.Close()
	}

	source := &feed.CSVSource{Path: cfg.Pipeline.SourcePath}
	p := pipeline.New(pipeline.Config{
		OutputPath:  cfg.Pipeline.OutputPath,
		HistoryPath: cfg.Pipeline.HistoryPath,
		FailOnError: cfg.Pipeline.FailOnError,
		MaxRetries:  cfg.Pipeline.MaxRetries,
		RetryDelay:  cfg.Pipeline.RetryDelay(),
	}, source, store, logger)

	result, err := p.Run(context.Background())
	if err != nil {
		// The pipeline already logged and recorded the failure.
		os.Exit(1)
	}

	logger.Info("reconciliation succeeded",
		zap.String("run_id", result.RunID),
		zap.Int("rows", len(result.Batch.Rows)),
		zap.Int("total_matches", result.Stats.TotalMatches),
		zap.Int("unmatched_redemptions", result.Stats.UnmatchedRedemptions))
}
