package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPipelineMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPipelineMetrics(reg)
	stage := "loading"
	metrics.ObserveDuration(stage, 250*time.Millisecond)
	metrics.IncSuccess(stage)
	metrics.IncFailure(stage, "PERSISTENCE_ERROR")
	metrics.AddRecords("events_written", 7)
	metrics.AddRecords("events_written", 0)
	metrics.IncRetry("catalog_api")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "funnel_stage_success_total", "stage", stage); err != nil {
		t.Fatalf("fetch success: %v", err)
	} else if got != 1 {
		t.Fatalf("expected success=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "funnel_stage_failure_total", "code", "PERSISTENCE_ERROR"); err != nil {
		t.Fatalf("fetch failure: %v", err)
	} else if got != 1 {
		t.Fatalf("expected failure=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "funnel_records_total", "kind", "events_written"); err != nil {
		t.Fatalf("fetch records: %v", err)
	} else if got != 7 {
		t.Fatalf("expected records=7, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "funnel_retries_total", "target", "catalog_api"); err != nil {
		t.Fatalf("fetch retries: %v", err)
	} else if got != 1 {
		t.Fatalf("expected retries=1, got %f", got)
	}

	if got, err := fetchHistogramSum(mfs, "funnel_stage_duration_seconds", "stage", stage); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f", got)
	}
}

func TestPipelineMetricsNilSafe(t *testing.T) {
	var metrics *PipelineMetrics
	metrics.ObserveDuration("fetching", time.Second)
	metrics.IncSuccess("fetching")
	metrics.IncFailure("fetching", "")
	metrics.AddRecords("products_fetched", 3)
	metrics.IncRetry("catalog_api")

	NewPipelineMetrics(nil).IncSuccess("fetching")
}

func TestPusherSendsRegistry(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	NewPipelineMetrics(reg).IncSuccess("done")

	pusher := NewPusher(srv.URL, "funnel_test", reg)
	if err := pusher.Push(context.Background(), "run-1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if !strings.Contains(gotPath, "/job/funnel_test") || !strings.Contains(gotPath, "/run_id/run-1") {
		t.Fatalf("unexpected push path %q", gotPath)
	}
	if gotBody == "" {
		t.Fatal("expected a non-empty push body")
	}
}

func TestNewPusherDisabledWithoutURL(t *testing.T) {
	if p := NewPusher("  ", "job", prometheus.NewRegistry()); p != nil {
		t.Fatal("expected nil pusher without url")
	}
	var p *Pusher
	if err := p.Push(context.Background(), "run"); err != nil {
		t.Fatalf("nil pusher should be a no-op: %v", err)
	}
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
