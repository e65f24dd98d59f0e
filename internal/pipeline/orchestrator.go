// Package pipeline sequences fetch, synthesis and load for a single batch run.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-funnel/internal/catalog"
	"github.com/angelmondragon/storefront-funnel/internal/funnel"
	"github.com/angelmondragon/storefront-funnel/internal/warehouse"
	"github.com/angelmondragon/storefront-funnel/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-funnel/pkg/errors"
	"github.com/angelmondragon/storefront-funnel/pkg/logger"
	"github.com/angelmondragon/storefront-funnel/pkg/metrics"
)

type catalogFetcher interface {
	FetchCatalog(ctx context.Context) (catalog.Snapshot, error)
}

type catalogLoader interface {
	Load(ctx context.Context, products []catalog.Product, events []funnel.Event) (warehouse.LoadSummary, error)
}

type eventMirror interface {
	Export(ctx context.Context, events []funnel.Event) (int, error)
}

type runNotifier interface {
	Notify(ctx context.Context, report Report) error
}

// Params configure the orchestrator. Mirror, Notifier and Metrics are optional.
type Params struct {
	Logger    *logger.Logger
	Fetcher   catalogFetcher
	Loader    catalogLoader
	Mirror    eventMirror
	Notifier  runNotifier
	Metrics   *metrics.PipelineMetrics
	Synthesis funnel.Options
	Now       func() time.Time
	NewRunID  func() string
}

type FetchSummary struct {
	Products int
	Carts    int
	Users    int
	Skipped  int
}

type SynthesisSummary struct {
	Events            int
	Views             int
	Carts             int
	Purchases         int
	CartSessions      int
	SyntheticSessions int
	UnknownProducts   int
	DuplicateCarts    int
}

// Report describes one run. Stage is the last stage entered, which is the
// failing stage when Status is failed.
type Report struct {
	RunID     string
	Status    enums.PipelineStage
	Stage     enums.PipelineStage
	StartedAt time.Time
	Duration  time.Duration
	Fetch     FetchSummary
	Synthesis SynthesisSummary
	Load      warehouse.LoadSummary
	Mirrored  int
	Err       error
}

// Skipped counts source records and cart lines left out of the funnel.
func (r Report) Skipped() int {
	return r.Fetch.Skipped + r.Synthesis.UnknownProducts + r.Synthesis.DuplicateCarts
}

// Succeeded reports whether the run reached done.
func (r Report) Succeeded() bool {
	return r.Status == enums.StageDone
}

type Orchestrator struct {
	logg      *logger.Logger
	fetcher   catalogFetcher
	loader    catalogLoader
	mirror    eventMirror
	notifier  runNotifier
	metrics   *metrics.PipelineMetrics
	synthesis funnel.Options
	now       func() time.Time
	newRunID  func() string
}

func New(params Params) (*Orchestrator, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Fetcher == nil {
		return nil, fmt.Errorf("fetcher required")
	}
	if params.Loader == nil {
		return nil, fmt.Errorf("loader required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	newRunID := params.NewRunID
	if newRunID == nil {
		newRunID = func() string { return uuid.NewString() }
	}
	return &Orchestrator{
		logg:      params.Logger,
		fetcher:   params.Fetcher,
		loader:    params.Loader,
		mirror:    params.Mirror,
		notifier:  params.Notifier,
		metrics:   params.Metrics,
		synthesis: params.Synthesis,
		now:       now,
		newRunID:  newRunID,
	}, nil
}

// Run executes one pass: fetching, transforming, loading. The first failing
// stage moves the run to failed and the remaining stages are skipped. The
// returned error is a *StageError, and the report is always populated.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	report := Report{
		RunID:     o.newRunID(),
		Status:    enums.StageIdle,
		StartedAt: o.now(),
	}
	ctx = o.logg.WithRunID(ctx, report.RunID)
	m := newMachine()
	o.logg.Info(ctx, "pipeline run starting")

	var snapshot catalog.Snapshot
	err := o.runStage(ctx, m, enums.StageFetching, func(ctx context.Context) error {
		var err error
		snapshot, err = o.fetcher.FetchCatalog(ctx)
		report.Fetch = FetchSummary{
			Products: len(snapshot.Products),
			Carts:    len(snapshot.Carts),
			Users:    len(snapshot.Users),
			Skipped:  snapshot.TotalSkipped(),
		}
		return err
	})
	if err != nil {
		return o.fail(ctx, m, report, err)
	}

	var result funnel.Result
	err = o.runStage(ctx, m, enums.StageTransforming, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		result = funnel.Synthesize(snapshot.Products, snapshot.Carts, snapshot.Users, o.synthesis)
		report.Synthesis = summarize(result)
		o.metrics.AddRecords("events_synthesized", len(result.Events))
		o.metrics.AddRecords("skipped", result.UnknownProducts+result.DuplicateCarts)
		if result.UnknownProducts > 0 || result.DuplicateCarts > 0 {
			o.logg.Warn(o.logg.WithFields(ctx, map[string]any{
				"unknown_products": result.UnknownProducts,
				"duplicate_carts":  result.DuplicateCarts,
			}), "cart lines dropped during synthesis")
		}
		return nil
	})
	if err != nil {
		return o.fail(ctx, m, report, err)
	}

	err = o.runStage(ctx, m, enums.StageLoading, func(ctx context.Context) error {
		summary, err := o.loader.Load(ctx, snapshot.Products, result.Events)
		report.Load = summary
		return err
	})
	if err != nil {
		return o.fail(ctx, m, report, err)
	}

	report.Mirrored = o.mirrorEvents(ctx, result.Events)

	report.Stage = m.Current()
	if err := m.advance(enums.StageDone); err != nil {
		return o.fail(ctx, m, report, &StageError{Stage: m.Current(), Err: pkgerrors.Wrap(pkgerrors.CodeInternal, err, "stage transition")})
	}
	report.Status = m.Current()
	report.Duration = o.now().Sub(report.StartedAt)
	o.logg.Info(o.reportContext(ctx, report), "pipeline run complete")
	o.notify(ctx, report)
	return report, nil
}

func (o *Orchestrator) runStage(ctx context.Context, m *machine, stage enums.PipelineStage, fn func(context.Context) error) error {
	if err := m.advance(stage); err != nil {
		return &StageError{Stage: stage, Err: pkgerrors.Wrap(pkgerrors.CodeInternal, err, "stage transition")}
	}
	stageCtx := o.logg.WithStage(ctx, stage.String())
	o.logg.Info(stageCtx, "stage start")
	start := o.now()
	err := fn(stageCtx)
	duration := o.now().Sub(start)
	o.metrics.ObserveDuration(stage.String(), duration)
	stageCtx = o.logg.WithField(stageCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		code := pkgerrors.CodeOf(err)
		o.metrics.IncFailure(stage.String(), string(code))
		o.logg.Error(o.logg.WithField(stageCtx, "code", code), "stage failed", err)
		return &StageError{Stage: stage, Err: err}
	}
	o.logg.Info(stageCtx, "stage completed")
	o.metrics.IncSuccess(stage.String())
	return nil
}

// mirrorEvents copies events to the analytics mirror. Failures are logged and
// do not fail the run.
func (o *Orchestrator) mirrorEvents(ctx context.Context, events []funnel.Event) int {
	if o.mirror == nil || len(events) == 0 {
		return 0
	}
	mirrorCtx := o.logg.WithField(ctx, "event", "pipeline.mirror")
	written, err := o.mirror.Export(mirrorCtx, events)
	if err != nil {
		o.logg.Error(o.logg.WithField(mirrorCtx, "mirrored", written), "event mirror failed", err)
		return written
	}
	o.logg.Info(o.logg.WithField(mirrorCtx, "mirrored", written), "events mirrored")
	return written
}

// notify publishes the final report. A canceled run still gets a report.
func (o *Orchestrator) notify(ctx context.Context, report Report) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(context.WithoutCancel(ctx), report); err != nil {
		o.logg.Error(ctx, "run report notification failed", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, m *machine, report Report, err error) (Report, error) {
	report.Stage = m.Current()
	_ = m.advance(enums.StageFailed)
	report.Status = m.Current()
	report.Duration = o.now().Sub(report.StartedAt)
	report.Err = err
	o.logg.Error(o.reportContext(ctx, report), "pipeline run failed", err)
	o.notify(ctx, report)
	return report, err
}

func (o *Orchestrator) reportContext(ctx context.Context, report Report) context.Context {
	return o.logg.WithFields(ctx, map[string]any{
		"status":             report.Status.String(),
		"duration_ms":        report.Duration.Milliseconds(),
		"products_fetched":   report.Fetch.Products,
		"carts_fetched":      report.Fetch.Carts,
		"skipped":            report.Skipped(),
		"events_synthesized": report.Synthesis.Events,
		"products_written":   report.Load.ProductsWritten,
		"events_written":     report.Load.EventsWritten,
		"conflicts_resolved": report.Load.ConflictsResolved,
		"failed_chunks":      len(report.Load.FailedChunks),
	})
}

func summarize(result funnel.Result) SynthesisSummary {
	return SynthesisSummary{
		Events:            len(result.Events),
		Views:             result.Counts[enums.EventTypeView],
		Carts:             result.Counts[enums.EventTypeCart],
		Purchases:         result.Counts[enums.EventTypePurchase],
		CartSessions:      result.CartSessions,
		SyntheticSessions: result.SyntheticSessions,
		UnknownProducts:   result.UnknownProducts,
		DuplicateCarts:    result.DuplicateCarts,
	}
}
