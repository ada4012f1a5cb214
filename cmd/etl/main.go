// Command etl runs the extract, transform and load pipeline once against the
// configured source and database, then exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/cannabis-licenses/internal/app"
	"github.com/EmpoweredVote/cannabis-licenses/internal/config"
	"github.com/EmpoweredVote/cannabis-licenses/internal/etl"
	"github.com/EmpoweredVote/cannabis-licenses/internal/logging"
)

func main() {
	var (
		sourceURL = flag.String("source", "", "source URL (default SOURCE_URL)")
		dbURL     = flag.String("db", "", "database URL or SQLite path (default DATABASE_URL)")
		policy    = flag.String("total-policy", "", `"source" or "recompute" (default TOTAL_POLICY)`)
		printRun  = flag.Bool("json", false, "print the finished run as JSON on stdout")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *sourceURL != "" {
		cfg.SourceURL = *sourceURL
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if *policy != "" {
		cfg.TotalPolicy = config.TotalPolicy(*policy)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := runOnce(ctx, cfg, log)
	if *printRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(run)
	}
	if err != nil {
		log.Error("pipeline failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, cfg config.Config, log *zap.Logger) (etl.Run, error) {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return etl.Run{}, err
	}
	defer a.Close()
	return a.Pipeline.Run(ctx, etl.TriggerCLI)
}
