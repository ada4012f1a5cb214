// Package app wires configuration into the pipeline, the query engine and the
// HTTP router. The server and the CLI tools share it.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/cannabis-licenses/internal/archive"
	"github.com/EmpoweredVote/cannabis-licenses/internal/cache"
	"github.com/EmpoweredVote/cannabis-licenses/internal/config"
	"github.com/EmpoweredVote/cannabis-licenses/internal/db"
	"github.com/EmpoweredVote/cannabis-licenses/internal/etl"
	"github.com/EmpoweredVote/cannabis-licenses/internal/events"
	"github.com/EmpoweredVote/cannabis-licenses/internal/licenses"
	"github.com/EmpoweredVote/cannabis-licenses/internal/logging"
	"github.com/EmpoweredVote/cannabis-licenses/internal/metrics"
)

// App holds the long-lived dependencies of one process.
type App struct {
	Config   config.Config
	DB       *gorm.DB
	Engine   *licenses.QueryEngine
	Pipeline *etl.Pipeline
	Metrics  *metrics.Metrics

	log     *zap.Logger
	closers []func()
}

// Option adjusts how New builds an App.
type Option func(*options)

type options struct {
	extractor etl.Extractor
	gdb       *gorm.DB
}

// WithExtractor replaces the HTTP extractor built from the configuration.
func WithExtractor(ex etl.Extractor) Option {
	return func(o *options) { o.extractor = ex }
}

// WithDB reuses an open connection instead of opening cfg.DatabaseURL.
func WithDB(gdb *gorm.DB) Option {
	return func(o *options) { o.gdb = gdb }
}

// New connects to the store, creates the tables if needed and builds the
// pipeline. Optional integrations (Redis, Kafka, archive) are enabled by
// their configuration values.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, log: log, Metrics: metrics.New()}

	a.DB = o.gdb
	if a.DB == nil {
		gdb, err := db.Open(cfg, logging.Component(log, "db"), db.Options{})
		if err != nil {
			return nil, err
		}
		a.DB = gdb
		a.onClose(func() {
			if sqlDB, err := gdb.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
	}

	loader := etl.NewLoader(a.DB, cfg.DBSchema, cfg.LoadBatchSize, logging.Component(log, "loader"))
	if err := loader.CreateSchema(ctx); err != nil {
		a.Close()
		return nil, err
	}

	statsCache, err := a.statsCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = licenses.NewQueryEngine(a.DB,
		licenses.WithLimits(cfg.DefaultLimit, cfg.MaxLimit),
		licenses.WithStatsCache(statsCache, cfg.StatsCacheTTL),
		licenses.WithLogger(logging.Component(log, "query")),
	)

	publisher, err := a.publisher()
	if err != nil {
		a.Close()
		return nil, err
	}

	popts := []etl.PipelineOption{
		etl.WithMetrics(a.Metrics),
		etl.WithPublisher(publisher),
		etl.WithPipelineLogger(logging.Component(log, "pipeline")),
	}
	if cfg.ArchiveURL != "" {
		arch, err := archive.Open(ctx, cfg.ArchiveURL, logging.Component(log, "archive"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.onClose(func() { _ = arch.Close() })
		popts = append(popts, etl.WithArchiver(arch))
	}

	ex := o.extractor
	if ex == nil {
		ex = etl.NewHTTPExtractor(cfg.SourceURL, cfg.SourceTimeout,
			etl.WithPageSize(cfg.SourcePageSize),
			etl.WithRate(cfg.SourceRatePerSec),
			etl.WithExtractorLogger(logging.Component(log, "extractor")),
		)
	}

	a.Pipeline = etl.NewPipeline(ex,
		etl.NewTransformer(cfg.TotalPolicy, logging.Component(log, "transform")),
		loader,
		popts...,
	)
	return a, nil
}

func (a *App) statsCache(ctx context.Context) (cache.Cache, error) {
	if a.Config.RedisURL == "" {
		return cache.NewMemory(cache.DefaultMemoryEntries), nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	r, err := cache.NewRedis(pingCtx, a.Config.RedisURL, "licencias:")
	if err != nil {
		return nil, fmt.Errorf("stats cache: %w", err)
	}
	a.onClose(func() { _ = r.Close() })
	a.log.Info("statistics cache backed by redis")
	return r, nil
}

func (a *App) publisher() (events.Publisher, error) {
	if len(a.Config.KafkaBrokers) == 0 {
		return events.Noop{}, nil
	}
	k, err := events.NewKafka(a.Config.KafkaBrokers, a.Config.KafkaTopic, logging.Component(a.log, "events"))
	if err != nil {
		return nil, fmt.Errorf("event publisher: %w", err)
	}
	a.onClose(k.Close)
	return k, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close waits for background refreshes and releases every connection, in
// reverse order of creation.
func (a *App) Close() {
	if a.Pipeline != nil {
		a.Pipeline.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
