package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	changesProcessedTotal *prometheus.CounterVec
	changeConflictsTotal  *prometheus.CounterVec
	changeLatencySeconds  *prometheus.HistogramVec

	auditWriteFailuresTotal *prometheus.CounterVec
	cacheFailuresTotal      *prometheus.CounterVec
	retentionDeletedTotal   *prometheus.CounterVec

	realtimeEventsTotal   *prometheus.CounterVec
	realtimeClientsActive prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used across the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		changesProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "changes_processed_total",
			Help: "Change pipeline runs by entity type and outcome.",
		}, []string{"entity_type", "outcome"})

		changeConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "change_conflicts_total",
			Help: "Conflicts detected by the change pipeline.",
		}, []string{"conflict_type"})

		changeLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "change_operation_seconds",
			Help:    "Latency of change service operations.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"operation"})

		auditWriteFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit and activity writes that failed and were swallowed.",
		}, []string{"kind"})

		cacheFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_failures_total",
			Help: "Cache operations that failed and were ignored.",
		}, []string{"operation"})

		retentionDeletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_deleted_rows_total",
			Help: "Rows removed by the log retention job.",
		}, []string{"kind"})

		realtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Realtime events delivered to the local hub.",
		}, []string{"type"})

		realtimeClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_clients_active",
			Help: "Connected realtime subscribers.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			changesProcessedTotal, changeConflictsTotal, changeLatencySeconds,
			auditWriteFailuresTotal, cacheFailuresTotal, retentionDeletedTotal,
			realtimeEventsTotal, realtimeClientsActive,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// ChangesProcessed counts pipeline outcomes (applied, conflict, invalid, error).
func ChangesProcessed() *prometheus.CounterVec {
	RegisterMetrics()
	return changesProcessedTotal
}

// ChangeConflicts counts detected conflicts by type.
func ChangeConflicts() *prometheus.CounterVec {
	RegisterMetrics()
	return changeConflictsTotal
}

// ChangeLatency observes change service operation latency.
func ChangeLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return changeLatencySeconds
}

// AuditWriteFailures counts swallowed audit/activity persistence errors.
func AuditWriteFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return auditWriteFailuresTotal
}

// CacheFailures counts swallowed cache errors.
func CacheFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return cacheFailuresTotal
}

// RetentionDeleted counts rows removed by log retention.
func RetentionDeleted() *prometheus.CounterVec {
	RegisterMetrics()
	return retentionDeletedTotal
}

// RealtimeEvents counts events fanned out to local subscribers.
func RealtimeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeEventsTotal
}

// RealtimeClients tracks connected realtime subscribers.
func RealtimeClients() prometheus.Gauge {
	RegisterMetrics()
	return realtimeClientsActive
}
