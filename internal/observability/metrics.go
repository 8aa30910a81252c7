package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all changefeed Prometheus metrics.
type Metrics struct {
	ChangesTotal      *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	TombstonesTotal   *prometheus.CounterVec
	PublishErrors     *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	TopicsCreated     prometheus.Counter
	SnapshotRuns      *prometheus.CounterVec
	SnapshotPages     *prometheus.CounterVec
	SnapshotResources *prometheus.CounterVec
	CatalogReloads    *prometheus.CounterVec
}

// NewMetrics creates and registers all changefeed metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changefeed_changes_total",
			Help: "Lifecycle events captured by operation and outcome.",
		}, []string{"op", "status"}),

		MessagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changefeed_messages_published_total",
			Help: "Messages acknowledged by the broker.",
		}, []string{"topic"}),

		TombstonesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changefeed_tombstones_total",
			Help: "Tombstones acknowledged by the broker.",
		}, []string{"topic"}),

		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changefeed_publish_errors_total",
			Help: "Failed publish operations.",
		}, []string{"operation"}),

		PublishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "changefeed_publish_duration_seconds",
			Help:    "Time from send to broker acknowledgement.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		TopicsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "changefeed_topics_created_total",
			Help: "Topics provisioned on first use.",
		}),

		SnapshotRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changefeed_snapshot_runs_total",
			Help: "Snapshot exports by outcome.",
		}, []string{"status"}),

		SnapshotPages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changefeed_snapshot_pages_total",
			Help: "Pages flushed by the snapshot exporter.",
		}, []string{"resource_type"}),

		SnapshotResources: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changefeed_snapshot_resources_total",
			Help: "Resources replayed by the snapshot exporter.",
		}, []string{"resource_type"}),

		CatalogReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "changefeed_catalog_reloads_total",
			Help: "Resource-type catalog reloads by outcome.",
		}, []string{"status"}),
	}
}
