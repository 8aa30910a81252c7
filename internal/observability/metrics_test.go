package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics_RegistersWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.ChangesTotal == nil {
		t.Error("ChangesTotal is nil")
	}
	if m.MessagesPublished == nil {
		t.Error("MessagesPublished is nil")
	}
	if m.TombstonesTotal == nil {
		t.Error("TombstonesTotal is nil")
	}
	if m.PublishErrors == nil {
		t.Error("PublishErrors is nil")
	}
	if m.PublishDuration == nil {
		t.Error("PublishDuration is nil")
	}
	if m.TopicsCreated == nil {
		t.Error("TopicsCreated is nil")
	}
	if m.SnapshotPages == nil {
		t.Error("SnapshotPages is nil")
	}
	if m.SnapshotResources == nil {
		t.Error("SnapshotResources is nil")
	}
}

func TestMetrics_IncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ChangesTotal.WithLabelValues("c", "success").Inc()
	m.MessagesPublished.WithLabelValues("FHIRCDC-Patient").Add(2)
	m.TombstonesTotal.WithLabelValues("FHIRCDC-Patient").Inc()
	m.PublishErrors.WithLabelValues("publish").Inc()
	m.TopicsCreated.Inc()
	m.SnapshotRuns.WithLabelValues("success").Inc()
	m.SnapshotPages.WithLabelValues("Patient").Inc()
	m.SnapshotResources.WithLabelValues("Patient").Add(10)
	m.CatalogReloads.WithLabelValues("success").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"changefeed_changes_total",
		"changefeed_messages_published_total",
		"changefeed_tombstones_total",
		"changefeed_publish_errors_total",
		"changefeed_topics_created_total",
		"changefeed_snapshot_runs_total",
		"changefeed_snapshot_pages_total",
		"changefeed_snapshot_resources_total",
		"changefeed_catalog_reloads_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("expected metric %s not found", name)
		}
	}
}

func TestMetrics_ObserveHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PublishDuration.WithLabelValues("publish").Observe(0.05)
	m.PublishDuration.WithLabelValues("publish_batch").Observe(0.12)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "changefeed_publish_duration_seconds" {
			found = true
			break
		}
	}
	if !found {
		t.Error("histogram metric not found")
	}
}
