// Package export mirrors synthesized funnel events into BigQuery.
package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"

	"github.com/angelmondragon/storefront-funnel/internal/funnel"
	pkgerrors "github.com/angelmondragon/storefront-funnel/pkg/errors"
	"github.com/angelmondragon/storefront-funnel/pkg/logger"
	"github.com/angelmondragon/storefront-funnel/pkg/metrics"
	"github.com/angelmondragon/storefront-funnel/pkg/retry"
)

const (
	defaultBatchSize = 500
	retryTarget      = "bigquery"
)

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// Config controls the mirror behavior.
type Config struct {
	Table       string
	BatchSize   int
	RetryPolicy retry.Policy
}

// Mirror streams events into a BigQuery table in batches. Rows carry the
// event id as insert id so BigQuery drops replays on a best-effort basis.
type Mirror struct {
	client    tableInserter
	table     string
	batchSize int
	policy    retry.Policy
	clock     retry.Clock
	logg      *logger.Logger
	metrics   *metrics.PipelineMetrics
}

type Option func(*Mirror)

func WithClock(clock retry.Clock) Option {
	return func(m *Mirror) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithLogger(logg *logger.Logger) Option {
	return func(m *Mirror) {
		m.logg = logg
	}
}

func WithMetrics(pm *metrics.PipelineMetrics) Option {
	return func(m *Mirror) {
		m.metrics = pm
	}
}

// New creates a mirror backed by a shared client (normally *bigquery.Client).
func New(client tableInserter, cfg Config, opts ...Option) (*Mirror, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		return nil, errors.New("events table is required")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	m := &Mirror{
		client:    client,
		table:     table,
		batchSize: batchSize,
		policy:    cfg.RetryPolicy.Normalized(),
		clock:     retry.SystemClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Export writes every event and returns how many rows were accepted before
// the first failing batch.
func (m *Mirror) Export(ctx context.Context, events []funnel.Event) (int, error) {
	written := 0
	for start := 0; start < len(events); start += m.batchSize {
		end := start + m.batchSize
		if end > len(events) {
			end = len(events)
		}

		rows := make([]any, 0, end-start)
		for _, e := range events[start:end] {
			rows = append(rows, NewEventRow(e))
		}

		if err := m.insertWithRetry(ctx, rows); err != nil {
			return written, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("mirror events to %s", m.table)).
				WithDetails(map[string]any{"table": m.table, "written": written})
		}
		written += len(rows)
	}
	m.metrics.AddRecords("events_mirrored", written)
	return written, nil
}

func (m *Mirror) insertWithRetry(ctx context.Context, rows []any) error {
	return retry.Do(ctx, m.policy, func(ctx context.Context, _ int) error {
		return m.client.InsertRows(ctx, m.table, rows)
	},
		retry.WithClock(m.clock),
		retry.WithRetryable(isRetryableBigQueryError),
		retry.WithObserver(func(attempt int, delay time.Duration, err error) {
			m.metrics.IncRetry(retryTarget)
			if m.logg != nil {
				fields := map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds(), "error": err.Error()}
				m.logg.Warn(m.logg.WithFields(ctx, fields), "bigquery insert failed, retrying")
			}
		}),
	)
}

// EventRow is the BigQuery shape of one funnel event.
type EventRow struct {
	Event funnel.Event
}

func NewEventRow(e funnel.Event) *EventRow {
	return &EventRow{Event: e}
}

// Save implements bigquery.ValueSaver.
func (r *EventRow) Save() (map[string]cbigquery.Value, string, error) {
	e := r.Event
	row := map[string]cbigquery.Value{
		"event_id":   e.EventID,
		"session_id": e.SessionID,
		"user_id":    e.UserID,
		"product_id": e.ProductID,
		"event_type": string(e.EventType),
		"event_date": e.EventDate.UTC(),
		"quantity":   e.Quantity,
		"price":      e.Price.Rat(),
		"category":   e.Category,
		"user_city":  e.UserCity,
		"revenue":    nil,
	}
	if e.Revenue != nil {
		row["revenue"] = e.Revenue.Rat()
	}
	return row, e.EventID, nil
}
