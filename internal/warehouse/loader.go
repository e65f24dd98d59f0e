// Package warehouse upserts catalog products and funnel events into the
// relational store in independently committed chunks.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/storefront-funnel/internal/catalog"
	"github.com/angelmondragon/storefront-funnel/internal/funnel"
	"github.com/angelmondragon/storefront-funnel/pkg/config"
	"github.com/angelmondragon/storefront-funnel/pkg/db"
	"github.com/angelmondragon/storefront-funnel/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-funnel/pkg/errors"
	"github.com/angelmondragon/storefront-funnel/pkg/logger"
	"github.com/angelmondragon/storefront-funnel/pkg/metrics"
	"github.com/angelmondragon/storefront-funnel/pkg/retry"
)

const (
	defaultBatchSize = 500
	retryTarget      = "warehouse"
)

// Store is the slice of db.Client the loader needs.
type Store interface {
	DB() *gorm.DB
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ChunkFailure names a chunk that was rolled back.
type ChunkFailure struct {
	Table string
	Index int
	Size  int
	Err   error
}

type LoadSummary struct {
	ProductsWritten   int
	EventsWritten     int
	ConflictsResolved int
	// DuplicatesDropped counts rows whose key repeated an earlier row.
	DuplicatesDropped int
	FailedChunks      []ChunkFailure
}

type Loader struct {
	store     Store
	batchSize int
	policy    retry.Policy
	clock     retry.Clock
	logg      *logger.Logger
	metrics   *metrics.PipelineMetrics
}

type Option func(*Loader)

func WithClock(clock retry.Clock) Option {
	return func(l *Loader) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithLogger(logg *logger.Logger) Option {
	return func(l *Loader) {
		l.logg = logg
	}
}

func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

// NewLoader builds a loader from the load configuration.
func NewLoader(store Store, cfg config.LoadConfig, opts ...Option) *Loader {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	l := &Loader{
		store:     store,
		batchSize: batch,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseBackoff,
			Multiplier:  cfg.BackoffMultiplier,
			MaxDelay:    cfg.MaxBackoff,
			Jitter:      cfg.Jitter,
		}.Normalized(),
		clock: retry.SystemClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Load verifies the schema, then upserts products and events. Each chunk
// commits on its own; a failed chunk rolls back only itself. Any failure
// returns the partial summary together with a PersistenceError.
func (l *Loader) Load(ctx context.Context, products []catalog.Product, events []funnel.Event) (LoadSummary, error) {
	var summary LoadSummary
	if err := CheckSchema(ctx, l.store.DB()); err != nil {
		return summary, err
	}

	productRows := make([]models.Product, 0, len(products))
	for _, p := range products {
		productRows = append(productRows, productRow(p))
	}
	eventRows := make([]models.Event, 0, len(events))
	for _, e := range events {
		eventRows = append(eventRows, eventRow(e))
	}

	productsOut := loadTable(ctx, l, tableWrite[models.Product]{
		table:     models.Product{}.TableName(),
		model:     &models.Product{},
		keyColumn: "id",
		update:    models.ProductMutableColumns,
		rows:      productRows,
		key:       productKey,
	})
	summary.ProductsWritten = productsOut.written
	summary.ConflictsResolved += productsOut.conflicts
	summary.DuplicatesDropped += productsOut.duplicates
	summary.FailedChunks = append(summary.FailedChunks, productsOut.failures...)
	l.metrics.AddRecords("products_written", productsOut.written)

	if productsOut.abort != nil {
		return summary, l.finish(summary, productsOut.abort)
	}

	eventsOut := loadTable(ctx, l, tableWrite[models.Event]{
		table:     models.Event{}.TableName(),
		model:     &models.Event{},
		keyColumn: "event_id",
		update:    models.EventMutableColumns,
		rows:      eventRows,
		key:       eventKey,
	})
	summary.EventsWritten = eventsOut.written
	summary.ConflictsResolved += eventsOut.conflicts
	summary.DuplicatesDropped += eventsOut.duplicates
	summary.FailedChunks = append(summary.FailedChunks, eventsOut.failures...)
	l.metrics.AddRecords("events_written", eventsOut.written)
	l.metrics.AddRecords("conflicts_resolved", summary.ConflictsResolved)

	return summary, l.finish(summary, eventsOut.abort)
}

func (l *Loader) finish(summary LoadSummary, abort error) error {
	if len(summary.FailedChunks) == 0 {
		return abort
	}

	var combined error
	for _, f := range summary.FailedChunks {
		combined = multierr.Append(combined, fmt.Errorf("%s chunk %d: %w", f.Table, f.Index, f.Err))
	}
	msg := fmt.Sprintf("%d chunk(s) failed", len(summary.FailedChunks))
	if abort != nil {
		msg += ", remaining chunks skipped"
	}
	return pkgerrors.Wrap(pkgerrors.CodePersistence, combined, msg).
		WithDetails(map[string]any{"failed_chunks": len(summary.FailedChunks), "aborted": abort != nil})
}

type tableWrite[T any] struct {
	table     string
	model     any
	keyColumn string
	update    []string
	rows      []T
	key       func(T) any
}

type tableOutcome struct {
	written    int
	conflicts  int
	duplicates int
	failures   []ChunkFailure
	// abort is set when the remaining chunks were not attempted.
	abort error
}

func loadTable[T any](ctx context.Context, l *Loader, w tableWrite[T]) tableOutcome {
	var out tableOutcome
	w.rows, out.duplicates = uniqueRows(w.rows, w.key)
	if out.duplicates > 0 && l.logg != nil {
		fields := map[string]any{"table": w.table, "duplicates": out.duplicates}
		l.logg.Warn(l.logg.WithFields(ctx, fields), "dropped rows with repeated keys")
	}
	for index, start := 0, 0; start < len(w.rows); index, start = index+1, start+l.batchSize {
		end := start + l.batchSize
		if end > len(w.rows) {
			end = len(w.rows)
		}
		chunk := w.rows[start:end]

		chunkCtx := ctx
		if l.logg != nil {
			chunkCtx = l.logg.WithFields(ctx, map[string]any{"table": w.table, "chunk": index, "size": len(chunk)})
		}

		conflicts, err := writeChunk(chunkCtx, l, w, chunk)
		if err == nil {
			out.written += len(chunk)
			out.conflicts += conflicts
			if l.logg != nil {
				l.logg.Debug(l.logg.WithField(chunkCtx, "conflicts", conflicts), "chunk committed")
			}
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			out.abort = ctxErr
			return out
		}

		failure := ChunkFailure{Table: w.table, Index: index, Size: len(chunk), Err: err}
		out.failures = append(out.failures, failure)
		if l.logg != nil {
			l.logg.Error(l.logg.WithField(chunkCtx, "error_dump", pkgerrors.Dump(err)), "chunk rolled back", err)
		}

		if abortsTable(err) {
			out.abort = err
			return out
		}
	}
	return out
}

// uniqueRows keeps the first row per key. A single upsert statement cannot
// touch the same key twice on Postgres.
func uniqueRows[T any](rows []T, key func(T) any) ([]T, int) {
	seen := make(map[any]struct{}, len(rows))
	kept := make([]T, 0, len(rows))
	for _, row := range rows {
		k := key(row)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, row)
	}
	return kept, len(rows) - len(kept)
}

// abortsTable reports whether a chunk failure means later chunks cannot
// succeed either: the schema is wrong or the store stayed unreachable.
func abortsTable(err error) bool {
	if db.IsSchemaMismatch(err) {
		return true
	}
	var exhausted *retry.ExhaustedError
	return errors.As(err, &exhausted)
}

func writeChunk[T any](ctx context.Context, l *Loader, w tableWrite[T], chunk []T) (int, error) {
	keys := make([]any, 0, len(chunk))
	for _, row := range chunk {
		keys = append(keys, w.key(row))
	}

	conflicts := 0
	err := retry.Do(ctx, l.policy, func(ctx context.Context, attempt int) error {
		return l.store.WithTx(ctx, func(tx *gorm.DB) error {
			var existing int64
			if err := tx.Model(w.model).Where(w.keyColumn+" IN ?", keys).Count(&existing).Error; err != nil {
				return fmt.Errorf("count existing %s: %w", w.table, err)
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: w.keyColumn}},
				DoUpdates: clause.AssignmentColumns(w.update),
			}).Create(&chunk).Error
			if err != nil {
				return fmt.Errorf("upsert %s: %w", w.table, err)
			}
			conflicts = int(existing)
			return nil
		})
	},
		retry.WithClock(l.clock),
		retry.WithRetryable(db.IsTransient),
		retry.WithObserver(func(attempt int, delay time.Duration, err error) {
			l.metrics.IncRetry(retryTarget)
			if l.logg != nil {
				fields := map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds(), "error": err.Error()}
				l.logg.Warn(l.logg.WithFields(ctx, fields), "transient store failure, retrying chunk")
			}
		}),
	)

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return 0, pkgerrors.Wrap(pkgerrors.CodeTransientPersistence, err, fmt.Sprintf("%s chunk", w.table))
	}
	if err != nil {
		return 0, err
	}
	return conflicts, nil
}
