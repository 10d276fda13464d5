package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Shard map metrics
	ShardsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dd_shards_total",
			Help: "Total number of shards in the shard map",
		},
	)

	StorageServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dd_storage_servers_total",
			Help: "Total number of storage servers by data center and excluded state",
		},
		[]string{"datacenter", "excluded"},
	)

	// Data move metrics
	DataMovesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dd_data_moves_in_flight",
			Help: "Number of data moves currently queued or running",
		},
	)

	DataMovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dd_data_moves_total",
			Help: "Total number of data moves by trigger reason and outcome",
		},
		[]string{"reason", "outcome"},
	)

	DataMoveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dd_data_move_duration_seconds",
			Help:    "Time taken to complete a data move in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Move-keys lock metrics
	MoveKeysLockHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dd_move_keys_lock_held",
			Help: "Whether this Data Distributor instance currently holds the move-keys lock (1 = held, 0 = not held)",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dd_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dd_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dd_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dd_api_requests_total",
			Help: "Total number of control API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dd_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Tracker metrics
	TrackerScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dd_tracker_scan_duration_seconds",
			Help:    "Time taken for a shard tracker scan cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TrackerScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dd_tracker_scans_total",
			Help: "Total number of shard tracker scan cycles completed",
		},
	)

	// Relocation queue metrics
	RelocationQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dd_relocation_queue_depth",
			Help: "Number of relocation requests waiting to be serviced",
		},
	)

	// Wiggler metrics
	WigglerCursorPosition = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dd_wiggler_cursor_position",
			Help: "Index of the storage server currently being wiggled, in priority order",
		},
	)

	ServersWiggledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dd_servers_wiggled_total",
			Help: "Total number of storage servers replaced by the wiggler",
		},
	)

	// Audit metrics
	AuditTasksRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dd_audit_tasks_running",
			Help: "Number of audit tasks currently running by audit type",
		},
		[]string{"type"},
	)

	AuditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dd_audits_total",
			Help: "Total number of audits by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	AuditDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dd_audit_duration_seconds",
			Help:    "Time taken for an audit to complete in seconds",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 7200},
		},
		[]string{"type"},
	)

	// Tenant metrics
	TenantCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dd_tenant_count",
			Help: "Total number of tenants",
		},
	)

	TenantOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dd_tenant_operations_total",
			Help: "Total number of tenant operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	TenantOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dd_tenant_operation_duration_seconds",
			Help:    "Tenant operation duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(ShardsTotal)
	prometheus.MustRegister(StorageServersTotal)
	prometheus.MustRegister(DataMovesInFlight)
	prometheus.MustRegister(DataMovesTotal)
	prometheus.MustRegister(DataMoveDuration)
	prometheus.MustRegister(MoveKeysLockHeld)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(TrackerScanDuration)
	prometheus.MustRegister(TrackerScansTotal)
	prometheus.MustRegister(RelocationQueueDepth)
	prometheus.MustRegister(WigglerCursorPosition)
	prometheus.MustRegister(ServersWiggledTotal)
	prometheus.MustRegister(AuditTasksRunning)
	prometheus.MustRegister(AuditsTotal)
	prometheus.MustRegister(AuditDuration)
	prometheus.MustRegister(TenantCount)
	prometheus.MustRegister(TenantOperationsTotal)
	prometheus.MustRegister(TenantOperationDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
