// Package notify publishes a report of every pipeline run to Pub/Sub so
// downstream consumers can refresh once fresh data has landed.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/storefront-funnel/internal/pipeline"
	pkgerrors "github.com/angelmondragon/storefront-funnel/pkg/errors"
	"github.com/angelmondragon/storefront-funnel/pkg/logger"
)

const (
	envelopeVersion       = 1
	eventTypeRunCompleted = "pipeline.run_completed"
	defaultPublishTimeout = 15 * time.Second
)

// Envelope is the stable message body.
type Envelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// RunCompleted is the data carried for eventTypeRunCompleted.
type RunCompleted struct {
	RunID             string    `json:"runId"`
	Status            string    `json:"status"`
	Stage             string    `json:"stage,omitempty"`
	StartedAt         time.Time `json:"startedAt"`
	DurationMS        int64     `json:"durationMs"`
	ProductsFetched   int       `json:"productsFetched"`
	CartsFetched      int       `json:"cartsFetched"`
	UsersFetched      int       `json:"usersFetched"`
	Skipped           int       `json:"skipped"`
	EventsSynthesized int       `json:"eventsSynthesized"`
	Purchases         int       `json:"purchases"`
	ProductsWritten   int       `json:"productsWritten"`
	EventsWritten     int       `json:"eventsWritten"`
	ConflictsResolved int       `json:"conflictsResolved"`
	FailedChunks      int       `json:"failedChunks"`
	Mirrored          int       `json:"mirrored"`
	Error             string    `json:"error,omitempty"`
	// Reason is the stable description of Error's code, safe for dashboards.
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
}

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type Notifier struct {
	publisher publisher
	logg      *logger.Logger
	now       func() time.Time
	stop      func()
}

// New wraps a Pub/Sub publisher. A nil publisher yields a nil notifier.
func New(p *gcppubsub.Publisher, logg *logger.Logger) *Notifier {
	if p == nil {
		return nil
	}
	return &Notifier{publisher: &gcpPublisher{Publisher: p}, logg: logg, now: time.Now, stop: p.Stop}
}

func newWithPublisher(p publisher, now func() time.Time) *Notifier {
	return &Notifier{publisher: p, now: now}
}

// Notify publishes the report and waits for the server ack.
func (n *Notifier) Notify(ctx context.Context, report pipeline.Report) error {
	if n == nil || n.publisher == nil {
		return errors.New("notifier not configured")
	}
	msg, err := n.message(report)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	result := n.publisher.Publish(publishCtx, msg)
	if result == nil {
		return fmt.Errorf("publisher returned nil result")
	}
	serverID, err := result.Get(publishCtx)
	if err != nil {
		return fmt.Errorf("publish run report: %w", err)
	}
	if n.logg != nil {
		n.logg.Debug(n.logg.WithField(ctx, "message_id", serverID), "run report published")
	}
	return nil
}

// Close flushes pending messages.
func (n *Notifier) Close() {
	if n != nil && n.stop != nil {
		n.stop()
	}
}

func (n *Notifier) message(report pipeline.Report) (*gcppubsub.Message, error) {
	data, err := json.Marshal(runCompleted(report))
	if err != nil {
		return nil, fmt.Errorf("encode run report: %w", err)
	}
	occurredAt := n.now().UTC()
	body, err := json.Marshal(Envelope{
		Version:    envelopeVersion,
		EventID:    report.RunID,
		OccurredAt: occurredAt,
		Data:       data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return &gcppubsub.Message{
		Data: body,
		Attributes: map[string]string{
			"event_id":   report.RunID,
			"event_type": eventTypeRunCompleted,
			"status":     report.Status.String(),
			"created_at": occurredAt.Format(time.RFC3339Nano),
		},
	}, nil
}

func runCompleted(report pipeline.Report) RunCompleted {
	out := RunCompleted{
		RunID:             report.RunID,
		Status:            report.Status.String(),
		StartedAt:         report.StartedAt.UTC(),
		DurationMS:        report.Duration.Milliseconds(),
		ProductsFetched:   report.Fetch.Products,
		CartsFetched:      report.Fetch.Carts,
		UsersFetched:      report.Fetch.Users,
		Skipped:           report.Skipped(),
		EventsSynthesized: report.Synthesis.Events,
		Purchases:         report.Synthesis.Purchases,
		ProductsWritten:   report.Load.ProductsWritten,
		EventsWritten:     report.Load.EventsWritten,
		ConflictsResolved: report.Load.ConflictsResolved,
		FailedChunks:      len(report.Load.FailedChunks),
		Mirrored:          report.Mirrored,
	}
	if !report.Succeeded() {
		out.Stage = report.Stage.String()
	}
	if report.Err != nil {
		out.Error = report.Err.Error()
		out.Reason = pkgerrors.PublicMessage(report.Err)
		out.Retryable = pkgerrors.IsRetryable(report.Err)
	}
	return out
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return p.Publisher.Publish(ctx, msg)
}
