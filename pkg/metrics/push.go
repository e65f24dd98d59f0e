package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Pusher ships a registry to a Prometheus Pushgateway once a batch run ends.
type Pusher struct {
	url      string
	job      string
	gatherer prometheus.Gatherer
}

// NewPusher returns nil when url is empty so callers can skip pushing.
func NewPusher(url, job string, gatherer prometheus.Gatherer) *Pusher {
	url = strings.TrimSpace(url)
	if url == "" || gatherer == nil {
		return nil
	}
	if job == "" {
		job = "funnel_pipeline"
	}
	return &Pusher{url: url, job: job, gatherer: gatherer}
}

// Push replaces the job's metric group with the current registry contents.
func (p *Pusher) Push(ctx context.Context, runID string) error {
	if p == nil {
		return nil
	}
	pusher := push.New(p.url, p.job).Gatherer(p.gatherer)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", p.url, err)
	}
	return nil
}
