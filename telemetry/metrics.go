package telemetry

// Histogram bucket definitions
var (
	// ShedPassBuckets covers a single pass, including inter-batch delays
	ShedPassBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

	// BatchSizeBuckets for number of evictions issued per batch
	BatchSizeBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500}
)

// Cluster Metrics
var (
	// ClusterNodes tracks node count by status (ALIVE, SUSPECT, DEAD)
	ClusterNodes GaugeVec = noopGaugeVec{}

	// ClusterGrowthEventsTotal counts growth observations by the coordinator
	ClusterGrowthEventsTotal Counter = NoopStat{}

	// RebalanceCommandsTotal counts shed commands sent by result (sent, failed)
	RebalanceCommandsTotal CounterVec = noopCounterVec{}

	// HeartbeatsTotal counts heartbeats by direction (sent, received)
	HeartbeatsTotal CounterVec = noopCounterVec{}

	// NodeStateTransitionsTotal counts membership transitions (from -> to)
	NodeStateTransitionsTotal CounterVec = noopCounterVec{}
)

// Shedding Metrics
var (
	// ShedPassesTotal counts passes by trigger (timer, percentage) and result
	ShedPassesTotal CounterVec = noopCounterVec{}

	// ShedPassDurationSeconds measures pass latency by trigger
	ShedPassDurationSeconds HistogramVec = noopHistogramVec{}

	// EvictionsTotal counts eviction requests by source (stats, tracker, intercept) and result
	EvictionsTotal CounterVec = noopCounterVec{}

	// EvictionBatchesTotal counts issued eviction batches
	EvictionBatchesTotal Counter = NoopStat{}

	// EvictionBatchSize measures evictions per batch
	EvictionBatchSize Histogram = NoopStat{}

	// CommandsDroppedTotal counts commands dropped because the inbox was full
	CommandsDroppedTotal Counter = NoopStat{}
)

// Activation Metrics
var (
	// LocalActivations tracks live activations on this node
	LocalActivations Gauge = NoopStat{}

	// TrackedActivations tracks references held by the activation tracker
	TrackedActivations Gauge = NoopStat{}

	// PendingEvictions tracks the tracker's pending eviction counter
	PendingEvictions Gauge = NoopStat{}
)

// InitMetrics initializes all metrics. Call after InitializeTelemetry.
func InitMetrics() {
	ClusterNodes = NewGaugeVec(
		"cluster_nodes",
		"Number of nodes in cluster by status",
		[]string{"status"},
	)
	ClusterGrowthEventsTotal = NewCounter(
		"cluster_growth_events_total",
		"Cluster growth events observed by the coordinator",
	)
	RebalanceCommandsTotal = NewCounterVec(
		"rebalance_commands_total",
		"Rebalance shed commands by result",
		[]string{"result"},
	)
	HeartbeatsTotal = NewCounterVec(
		"heartbeats_total",
		"Membership heartbeats by direction",
		[]string{"direction"},
	)
	NodeStateTransitionsTotal = NewCounterVec(
		"node_state_transitions_total",
		"Membership state transitions",
		[]string{"from", "to"},
	)

	ShedPassesTotal = NewCounterVec(
		"shed_passes_total",
		"Shed passes by trigger and result",
		[]string{"trigger", "result"},
	)
	ShedPassDurationSeconds = NewHistogramVec(
		"shed_pass_duration_seconds",
		"Shed pass duration in seconds",
		[]string{"trigger"},
		ShedPassBuckets,
	)
	EvictionsTotal = NewCounterVec(
		"evictions_total",
		"Eviction requests by source and result",
		[]string{"source", "result"},
	)
	EvictionBatchesTotal = NewCounter(
		"eviction_batches_total",
		"Total eviction batches issued",
	)
	EvictionBatchSize = NewHistogramWithBuckets(
		"eviction_batch_size",
		"Evictions issued per batch",
		BatchSizeBuckets,
	)
	CommandsDroppedTotal = NewCounter(
		"commands_dropped_total",
		"Commands dropped because the shedder inbox was full",
	)

	LocalActivations = NewGauge(
		"local_activations",
		"Live activations on this node",
	)
	TrackedActivations = NewGauge(
		"tracked_activations",
		"References held by the activation tracker",
	)
	PendingEvictions = NewGauge(
		"pending_evictions",
		"Pending eviction counter of the activation tracker",
	)
}
