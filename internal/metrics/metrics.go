// Package metrics exposes storage and replication counters to Prometheus.
//
// Every Record method is safe on a nil *Registry, so callers can leave
// metrics disabled without nil checks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all forksync metrics.
type Registry struct {
	// Storage Metrics
	StorageWritesTotal *prometheus.CounterVec

	// Replication Metrics
	ReplicationDocumentsTotal *prometheus.CounterVec
	ReplicationConflictsTotal prometheus.Counter
	ReplicationErrorsTotal    *prometheus.CounterVec
	ReplicationRetriesTotal   *prometheus.CounterVec
	ReplicationActive         *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewRegistry creates a registry with all metrics initialized.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}
	r.initStorageMetrics()
	r.initReplicationMetrics()
	return r
}

func (r *Registry) initStorageMetrics() {
	r.StorageWritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "forksync_storage_writes_total",
			Help: "Total number of document writes by outcome",
		},
		[]string{"result"}, // success, conflict
	)
}

func (r *Registry) initReplicationMetrics() {
	r.ReplicationDocumentsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "forksync_replication_documents_total",
			Help: "Total number of documents replicated",
		},
		[]string{"direction"}, // push, pull
	)

	r.ReplicationConflictsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "forksync_replication_conflicts_total",
			Help: "Total number of conflicts resolved during push",
		},
	)

	r.ReplicationErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "forksync_replication_errors_total",
			Help: "Total number of replication errors",
		},
		[]string{"direction", "code"},
	)

	r.ReplicationRetriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "forksync_replication_retries_total",
			Help: "Total number of retry waits entered",
		},
		[]string{"direction"},
	)

	r.ReplicationActive = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "forksync_replication_active",
			Help: "Whether a replication direction is currently processing a batch",
		},
		[]string{"direction"},
	)
}

// GetPrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordWrites records the outcome of one bulk write.
func (r *Registry) RecordWrites(succeeded, conflicted int) {
	if r == nil {
		return
	}
	r.StorageWritesTotal.WithLabelValues("success").Add(float64(succeeded))
	r.StorageWritesTotal.WithLabelValues("conflict").Add(float64(conflicted))
}

// RecordDocuments records n documents replicated in direction.
func (r *Registry) RecordDocuments(direction string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.ReplicationDocumentsTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordConflicts records n resolved conflicts.
func (r *Registry) RecordConflicts(n int) {
	if r == nil || n == 0 {
		return
	}
	r.ReplicationConflictsTotal.Add(float64(n))
}

// RecordError records one replication error.
func (r *Registry) RecordError(direction, code string) {
	if r == nil {
		return
	}
	r.ReplicationErrorsTotal.WithLabelValues(direction, code).Inc()
}

// RecordRetry records one retry wait.
func (r *Registry) RecordRetry(direction string) {
	if r == nil {
		return
	}
	r.ReplicationRetriesTotal.WithLabelValues(direction).Inc()
}

// SetActive sets the active gauge of direction.
func (r *Registry) SetActive(direction string, active bool) {
	if r == nil {
		return
	}
	if active {
		r.ReplicationActive.WithLabelValues(direction).Set(1)
	} else {
		r.ReplicationActive.WithLabelValues(direction).Set(0)
	}
}
