package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the view builder node
type Metrics struct {
	// Staging registration metrics
	StagingFilesRegisteredTotal prometheus.Counter
	RegistrationWaitDuration    prometheus.Histogram
	RegistrationPermits         prometheus.Gauge
	QueuedStagingFiles          prometheus.Gauge

	// Processing metrics
	StagingFilesProcessedTotal prometheus.Counter
	StagingFailuresTotal       prometheus.Counter
	StagingProcessingDuration  prometheus.Histogram
	RowsProcessedTotal         prometheus.Counter
	ViewUpdatesTotal           prometheus.Counter

	// Relocation metrics
	RelocationsTotal     prometheus.CounterVec
	RelocationDuration   prometheus.Histogram
	RelocatedFilesTotal  prometheus.Counter
	PendingRelocateFiles prometheus.Gauge

	// View write metrics
	ViewSSTablesWrittenTotal prometheus.CounterVec
	ViewWriteDuration        prometheus.Histogram

	// Admin API metrics
	HTTPRequestsTotal   prometheus.CounterVec
	HTTPRequestDuration prometheus.HistogramVec

	// Gossip metrics
	GossipMembersTotal prometheus.Gauge
	PeerQueuedFiles    prometheus.GaugeVec

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		StagingFilesRegisteredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "staging_files_registered_total",
			Help:        "Total number of staging files registered for view building",
			ConstLabels: labels,
		}),
		RegistrationWaitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "registration_wait_seconds",
			Help:        "Time registrants spent waiting for a registration permit",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		}),
		RegistrationPermits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "registration_permits",
			Help:        "Available registration permits, negative when registrations ran ahead of the worker",
			ConstLabels: labels,
		}),
		QueuedStagingFiles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "queued_staging_files",
			Help:        "Staging files waiting to be processed",
			ConstLabels: labels,
		}),
		StagingFilesProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "staging_files_processed_total",
			Help:        "Total number of staging files whose rows were fully processed",
			ConstLabels: labels,
		}),
		StagingFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "staging_failures_total",
			Help:        "Total number of failed staging file processing attempts",
			ConstLabels: labels,
		}),
		StagingProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "staging_processing_seconds",
			Help:        "Histogram of staging file processing durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		RowsProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "rows_processed_total",
			Help:        "Total number of base rows read from staging files",
			ConstLabels: labels,
		}),
		ViewUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "view_updates_total",
			Help:        "Total number of view updates sent to the proxy",
			ConstLabels: labels,
		}),
		RelocationsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "relocations_total",
			Help:        "Total number of per-table relocation calls by status",
			ConstLabels: labels,
		}, []string{"status"}),
		RelocationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "relocation_seconds",
			Help:        "Histogram of per-table relocation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		RelocatedFilesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "relocated_files_total",
			Help:        "Total number of staging files moved into live directories",
			ConstLabels: labels,
		}),
		PendingRelocateFiles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_update",
			Name:        "pending_relocate_files",
			Help:        "Processed staging files waiting for relocation",
			ConstLabels: labels,
		}),
		ViewSSTablesWrittenTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_writer",
			Name:        "sstables_written_total",
			Help:        "Total number of view sstables written",
			ConstLabels: labels,
		}, []string{"view"}),
		ViewWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "view_writer",
			Name:        "write_seconds",
			Help:        "Histogram of view update batch write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		HTTPRequestsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "admin",
			Name:        "http_requests_total",
			Help:        "Total number of admin API requests",
			ConstLabels: labels,
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: *factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "admin",
			Name:        "http_request_duration_seconds",
			Help:        "Histogram of admin API request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),
		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Number of gossip cluster members",
			ConstLabels: labels,
		}),
		PeerQueuedFiles: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "peer_queued_staging_files",
			Help:        "Queued staging files reported by each peer",
			ConstLabels: labels,
		}, []string{"peer"}),
		DiskUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Disk usage in bytes",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordRegistration records a registered staging file and how long the
// registrant waited for a permit
func (m *Metrics) RecordRegistration(waitSeconds float64) {
	m.StagingFilesRegisteredTotal.Inc()
	m.RegistrationWaitDuration.Observe(waitSeconds)
}

// UpdateBacklog updates the backlog gauges
func (m *Metrics) UpdateBacklog(queued, pendingRelocate, permits int) {
	m.QueuedStagingFiles.Set(float64(queued))
	m.PendingRelocateFiles.Set(float64(pendingRelocate))
	m.RegistrationPermits.Set(float64(permits))
}

// RecordStagingProcessed records a fully processed staging file
func (m *Metrics) RecordStagingProcessed(duration float64) {
	m.StagingFilesProcessedTotal.Inc()
	m.StagingProcessingDuration.Observe(duration)
}

// RecordStagingFailure records a failed processing attempt
func (m *Metrics) RecordStagingFailure() {
	m.StagingFailuresTotal.Inc()
}

// RecordRowsProcessed records base rows read from a staging file
func (m *Metrics) RecordRowsProcessed(rows int) {
	m.RowsProcessedTotal.Add(float64(rows))
}

// RecordViewUpdates records view updates handed to the proxy
func (m *Metrics) RecordViewUpdates(updates int) {
	m.ViewUpdatesTotal.Add(float64(updates))
}

// RecordRelocation records one per-table relocation call
func (m *Metrics) RecordRelocation(status string, files int, duration float64) {
	m.RelocationsTotal.WithLabelValues(status).Inc()
	m.RelocationDuration.Observe(duration)
	if status == "success" {
		m.RelocatedFilesTotal.Add(float64(files))
	}
}

// RecordViewWrite records a view update batch written to local view tables
func (m *Metrics) RecordViewWrite(views []string, duration float64) {
	for _, view := range views {
		m.ViewSSTablesWrittenTotal.WithLabelValues(view).Inc()
	}
	m.ViewWriteDuration.Observe(duration)
}

// RecordHTTPRequest records an admin API request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

// UpdateGossipStats updates gossip statistics
func (m *Metrics) UpdateGossipStats(totalMembers int, peerQueued map[string]int) {
	m.GossipMembersTotal.Set(float64(totalMembers))
	m.PeerQueuedFiles.Reset()
	for peer, queued := range peerQueued {
		m.PeerQueuedFiles.WithLabelValues(peer).Set(float64(queued))
	}
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if diskUsage+diskAvailable > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(diskUsage+diskAvailable) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
