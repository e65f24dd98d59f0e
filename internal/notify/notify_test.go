package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-funnel/internal/pipeline"
	"github.com/angelmondragon/storefront-funnel/internal/warehouse"
	"github.com/angelmondragon/storefront-funnel/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-funnel/pkg/errors"
)

type stubResult struct {
	id  string
	err error
}

func (r stubResult) Get(context.Context) (string, error) { return r.id, r.err }

type recordingPublisher struct {
	messages []*gcppubsub.Message
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	p.messages = append(p.messages, msg)
	return stubResult{id: "msg-1", err: p.err}
}

var fixedNow = func() time.Time { return time.Date(2026, 10, 15, 6, 0, 0, 0, time.UTC) }

func TestNotifyPublishesEnvelope(t *testing.T) {
	pub := &recordingPublisher{}
	n := newWithPublisher(pub, fixedNow)
	report := pipeline.Report{
		RunID:     "run-1",
		Status:    enums.StageDone,
		Stage:     enums.StageLoading,
		StartedAt: fixedNow().Add(-time.Minute),
		Duration:  time.Minute,
		Fetch:     pipeline.FetchSummary{Products: 20, Carts: 7, Users: 10, Skipped: 1},
		Synthesis: pipeline.SynthesisSummary{Events: 90, Purchases: 9},
		Load:      warehouse.LoadSummary{ProductsWritten: 20, EventsWritten: 90},
	}

	require.NoError(t, n.Notify(context.Background(), report))

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "run-1", msg.Attributes["event_id"])
	assert.Equal(t, eventTypeRunCompleted, msg.Attributes["event_type"])
	assert.Equal(t, "done", msg.Attributes["status"])

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, envelopeVersion, env.Version)
	assert.Equal(t, "run-1", env.EventID)
	var data RunCompleted
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, int64(60000), data.DurationMS)
	assert.Equal(t, 90, data.EventsWritten)
	assert.Empty(t, data.Stage, "stage is reported only for failed runs")
	assert.Empty(t, data.Error)
}

func TestNotifyReportsFailedStage(t *testing.T) {
	pub := &recordingPublisher{}
	n := newWithPublisher(pub, fixedNow)

	err := n.Notify(context.Background(), pipeline.Report{
		RunID:  "run-2",
		Status: enums.StageFailed,
		Stage:  enums.StageFetching,
		Err:    errors.New("catalog down"),
	})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(pub.messages[0].Data, &env))
	var data RunCompleted
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "fetching", data.Stage)
	assert.Equal(t, "catalog down", data.Error)
	assert.Equal(t, "internal error", data.Reason)
	assert.False(t, data.Retryable)
}

func TestNotifyCarriesErrorMetadata(t *testing.T) {
	pub := &recordingPublisher{}
	n := newWithPublisher(pub, fixedNow)
	cause := pkgerrors.Wrap(pkgerrors.CodeSourceUnavailable, errors.New("503 from catalog"), "fetch products")

	err := n.Notify(context.Background(), pipeline.Report{
		RunID:  "run-4",
		Status: enums.StageFailed,
		Stage:  enums.StageFetching,
		Err:    &pipeline.StageError{Stage: enums.StageFetching, Err: cause},
	})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(pub.messages[0].Data, &env))
	var data RunCompleted
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "catalog source unavailable", data.Reason)
	assert.True(t, data.Retryable)
}

func TestNotifySurfacesPublishError(t *testing.T) {
	n := newWithPublisher(&recordingPublisher{err: errors.New("unavailable")}, fixedNow)
	err := n.Notify(context.Background(), pipeline.Report{RunID: "run-3", Status: enums.StageDone})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
}

func TestNilNotifier(t *testing.T) {
	assert.Nil(t, New(nil, nil))
	var n *Notifier
	assert.Error(t, n.Notify(context.Background(), pipeline.Report{}))
	n.Close()
}
