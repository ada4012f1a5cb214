// Command seed loads license records from a local JSON file, for development
// databases and for machines without access to the open-data portal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/cannabis-licenses/internal/app"
	"github.com/EmpoweredVote/cannabis-licenses/internal/config"
	"github.com/EmpoweredVote/cannabis-licenses/internal/etl"
	"github.com/EmpoweredVote/cannabis-licenses/internal/logging"
)

var (
	filePath = flag.String("file", "", "Path to a JSON array of source rows (required)")
	dbURL    = flag.String("db", "", "Database URL or SQLite path (default: env DATABASE_URL)")
	dryRun   = flag.Bool("dry-run", false, "Parse + transform only; no DB writes")
	confirm  = flag.Bool("confirm", false, "Required to replace the stored records")
)

func main() {
	flag.Parse()
	if *filePath == "" {
		fatalf("--file is required")
	}

	cfg, err := config.Load()
	if err != nil {
		fatalf("config: %v", err)
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	ex := etl.FileExtractor{Path: *filePath}

	if *dryRun {
		rows, err := ex.Fetch(ctx)
		if err != nil {
			fatalf("read %s: %v", *filePath, err)
		}
		res, err := etl.NewTransformer(cfg.TotalPolicy, log).Transform(rows)
		if err != nil {
			fatalf("transform: %v", err)
		}
		fmt.Printf("Dry run OK. input=%d records=%d dropped=%d coerced=%d total_mismatches=%d\n",
			res.Report.Input, res.Report.Output, res.Report.Dropped, res.Report.Coerced, res.Report.TotalMismatches)
		return
	}

	if !*confirm {
		fatalf("refusing to replace stored records without --confirm (use --dry-run to preview)")
	}

	a, err := app.New(ctx, cfg, log, app.WithExtractor(ex))
	if err != nil {
		fatalf("setup: %v", err)
	}
	defer a.Close()

	run, err := a.Pipeline.Run(ctx, etl.TriggerCLI)
	if err != nil {
		log.Error("seeding failed", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
	fmt.Printf("Seeded %d records (run %s)\n", run.Report.Output, run.ID)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
