package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	aggspillNamespace = "aggspill"

	subsystemSpill     = "spill"
	subsystemBucket    = "bucket"
	subsystemAggregate = "aggregate"

	opLabelName   = "op"
	modeLabelName = "mode"

	OpWrite = "write"
	OpRead  = "read"

	ModeStreaming = "streaming"
	ModeDrain     = "drain"
)

var (
	once sync.Once

	SpillBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: aggspillNamespace,
			Subsystem: subsystemSpill,
			Name:      "bytes_total",
			Help:      "Compressed bytes written to or read from spill files.",
		}, []string{
			opLabelName,
		})

	SpillRanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: aggspillNamespace,
			Subsystem: subsystemSpill,
			Name:      "ranges_total",
			Help:      "Spill ranges written or read.",
		}, []string{
			opLabelName,
		})

	SpillDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: aggspillNamespace,
			Subsystem: subsystemSpill,
			Name:      "duration_seconds",
			Help:      "Histogram of spill io duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{
			opLabelName,
		})

	BucketsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: aggspillNamespace,
			Subsystem: subsystemBucket,
			Name:      "emitted_total",
			Help:      "Buckets emitted by the partition bucket transform.",
		}, []string{
			modeLabelName,
		})

	Repartitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: aggspillNamespace,
			Subsystem: subsystemBucket,
			Name:      "repartitions_total",
			Help:      "In-memory payloads repartitioned to a higher partition count.",
		})

	GroupsFinalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: aggspillNamespace,
			Subsystem: subsystemAggregate,
			Name:      "groups_finalized_total",
			Help:      "Groups emitted by the final aggregator.",
		})

	ArenaBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: aggspillNamespace,
			Subsystem: subsystemAggregate,
			Name:      "arena_bytes",
			Help:      "Bytes held by aggregate payload arenas.",
		})
)

// Register registers the collectors on registry once.
func Register(registry prometheus.Registerer) {
	once.Do(func() {
		registry.MustRegister(SpillBytes)
		registry.MustRegister(SpillRanges)
		registry.MustRegister(SpillDuration)
		registry.MustRegister(BucketsEmitted)
		registry.MustRegister(Repartitions)
		registry.MustRegister(GroupsFinalized)
		registry.MustRegister(ArenaBytes)
	})
}
