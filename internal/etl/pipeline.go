package etl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/cannabis-licenses/internal/events"
	"github.com/EmpoweredVote/cannabis-licenses/internal/licenses"
	"github.com/EmpoweredVote/cannabis-licenses/internal/metrics"
)

const tracerName = "github.com/EmpoweredVote/cannabis-licenses/internal/etl"

// DefaultSideEffectTimeout bounds publishing and archiving after a load. Both
// run while the refresh guard is held.
const DefaultSideEffectTimeout = 10 * time.Second

// Snapshotter archives what a run read and loaded.
type Snapshotter interface {
	Snapshot(ctx context.Context, runID uuid.UUID, raw any, records []licenses.License, loadedAt time.Time) error
}

// Pipeline runs Extract, Transform, Load and Verify as one unit of work.
// At most one run executes at a time per Pipeline.
type Pipeline struct {
	extractor   Extractor
	transformer *Transformer
	loader      *Loader

	metrics   *metrics.Metrics
	publisher events.Publisher
	archiver  Snapshotter
	registry  *Registry
	tracer    trace.Tracer
	log       *zap.Logger
	now       func() time.Time

	sideEffectTimeout time.Duration

	mu sync.Mutex
	wg sync.WaitGroup
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

func WithPublisher(pub events.Publisher) PipelineOption {
	return func(p *Pipeline) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// WithArchiver stores a snapshot of every successful run.
func WithArchiver(a Snapshotter) PipelineOption {
	return func(p *Pipeline) { p.archiver = a }
}

func WithRegistry(r *Registry) PipelineOption {
	return func(p *Pipeline) {
		if r != nil {
			p.registry = r
		}
	}
}

func WithPipelineLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithSideEffectTimeout bounds each post-load side effect (event, archive).
func WithSideEffectTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.sideEffectTimeout = d
		}
	}
}

func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPipeline(ex Extractor, tr *Transformer, ld *Loader, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		extractor:   ex,
		transformer: tr,
		loader:      ld,
		publisher:   events.Noop{},
		registry:    NewRegistry(DefaultRunHistory),
		tracer:      otel.Tracer(tracerName),
		log:         zap.NewNop(),
		now:         time.Now,

		sideEffectTimeout: DefaultSideEffectTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Runs exposes the run history of this pipeline.
func (p *Pipeline) Runs() *Registry { return p.registry }

// Run executes one refresh and blocks until it finishes. It returns
// ErrRefreshInProgress without doing anything if another run holds the guard.
func (p *Pipeline) Run(ctx context.Context, trigger Trigger) (Run, error) {
	run, err := p.acquire(trigger)
	if err != nil {
		return Run{}, err
	}
	defer p.mu.Unlock()
	return p.execute(ctx, run)
}

// Start begins a refresh in the background and returns the running run.
// The refresh outlives ctx cancellation but keeps its values.
func (p *Pipeline) Start(ctx context.Context, trigger Trigger) (Run, error) {
	run, err := p.acquire(trigger)
	if err != nil {
		return Run{}, err
	}
	snapshot := run.clone()

	bg := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.mu.Unlock()
		if _, err := p.execute(bg, run); err != nil {
			p.log.Error("background refresh failed", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
	}()
	return snapshot, nil
}

// Wait blocks until background runs started with Start have finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) acquire(trigger Trigger) (*Run, error) {
	if !p.mu.TryLock() {
		p.metrics.IncRefresh("rejected")
		p.log.Warn("refresh rejected: another run is in progress", zap.String("trigger", string(trigger)))
		return nil, ErrRefreshInProgress
	}
	run := &Run{
		ID:        uuid.New(),
		Status:    RunRunning,
		Trigger:   trigger,
		StartedAt: p.now().UTC(),
	}
	p.registry.start(run)
	return run, nil
}

func (p *Pipeline) execute(ctx context.Context, run *Run) (Run, error) {
	log := p.log.With(zap.String("run_id", run.ID.String()), zap.String("trigger", string(run.Trigger)))
	ctx, span := p.tracer.Start(ctx, "etl.run", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("run.trigger", string(run.Trigger)),
	))
	defer span.End()

	log.Info("pipeline started")
	rep, err := p.steps(ctx, run, log)

	finished := p.now().UTC()
	out := p.registry.finish(run.ID, finished, rep, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.IncRefresh("error")
		log.Error("pipeline failed", zap.Error(err), zap.Duration("elapsed", finished.Sub(run.StartedAt)))
		return out, err
	}

	p.metrics.IncRefresh("success")
	log.Info("pipeline finished",
		zap.Int("records", rep.Output),
		zap.Int("dropped", rep.Dropped),
		zap.Int("coerced", rep.Coerced),
		zap.Int("total_mismatches", rep.TotalMismatches),
		zap.Duration("elapsed", finished.Sub(run.StartedAt)),
	)
	return out, nil
}

func (p *Pipeline) steps(ctx context.Context, run *Run, log *zap.Logger) (*Report, error) {
	var raw []RawRecord
	err := p.stage(ctx, "extract", func(ctx context.Context) error {
		var err error
		raw, err = p.extractor.Fetch(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	log.Info("extracted rows", zap.Int("rows", len(raw)))

	var res Result
	err = p.stage(ctx, "transform", func(context.Context) error {
		var err error
		res, err = p.transformer.Transform(raw)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	rep := res.Report
	if len(res.Records) == 0 {
		// Loading nothing would wipe the current generation.
		return &rep, fmt.Errorf("transform: %w: no usable rows in %d extracted", ErrVerifyFailed, rep.Input)
	}

	loadRun := &licenses.LoadRun{
		ID:              run.ID,
		StartedAt:       run.StartedAt,
		Extracted:       rep.Input,
		Loaded:          rep.Output,
		Dropped:         rep.Dropped,
		Coerced:         rep.Coerced,
		TotalMismatches: rep.TotalMismatches,
		TotalPolicy:     string(p.transformer.policy),
	}
	err = p.stage(ctx, "load", func(ctx context.Context) error {
		if err := p.loader.CreateSchema(ctx); err != nil {
			return err
		}
		loadRun.FinishedAt = p.now().UTC()
		return p.loader.Load(ctx, res.Records, loadRun)
	})
	if err != nil {
		return &rep, fmt.Errorf("load: %w", err)
	}

	err = p.stage(ctx, "verify", func(ctx context.Context) error {
		ok, err := p.loader.Verify(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrVerifyFailed
		}
		return nil
	})
	if err != nil {
		return &rep, fmt.Errorf("verify: %w", err)
	}

	p.metrics.RecordLoad(rep.Output, rep.Dropped, rep.Coerced, rep.TotalMismatches, loadRun.FinishedAt)
	p.announce(ctx, loadRun, log)
	p.archive(ctx, run.ID, raw, res.Records, loadRun.FinishedAt, log)
	return &rep, nil
}

// stage runs fn inside a child span and records its duration.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "etl."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// announce publishes the load event. The load is already committed, so
// failures are logged and counted, never returned.
func (p *Pipeline) announce(ctx context.Context, lr *licenses.LoadRun, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, p.sideEffectTimeout)
	defer cancel()

	err := p.publisher.PublishLoaded(ctx, events.LoadedEvent{
		RunID:           lr.ID,
		Records:         lr.Loaded,
		Dropped:         lr.Dropped,
		TotalMismatches: lr.TotalMismatches,
		FinishedAt:      lr.FinishedAt,
	})
	if err != nil {
		p.metrics.IncEvent("error")
		log.Warn("publishing load event failed", zap.Error(err))
		return
	}
	p.metrics.IncEvent("success")
}

func (p *Pipeline) archive(ctx context.Context, id uuid.UUID, raw []RawRecord, recs []licenses.License, at time.Time, log *zap.Logger) {
	if p.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.sideEffectTimeout)
	defer cancel()

	err := p.stage(ctx, "archive", func(ctx context.Context) error {
		return p.archiver.Snapshot(ctx, id, raw, recs, at)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("archiving run failed", zap.Error(err))
	}
}
