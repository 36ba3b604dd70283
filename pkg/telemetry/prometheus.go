package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal counts every telemetry event by name.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportstream_events_total",
			Help: "Total number of telemetry events emitted",
		},
		[]string{"event"},
	)

	// RecordsTotal tracks per-batch record outcomes.
	// Labels: pipeline, outcome (in/out/failed/rejected)
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportstream_records_total",
			Help: "Total records by processing outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	// BatchDuration tracks the distribution of batch processing latencies.
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "reportstream_batch_duration_seconds",
			Help: "Batch processing latency in seconds",
			Buckets: []float64{
				0.0001, // 100μs - in-memory transforms
				0.001,  // 1ms
				0.01,   // 10ms
				0.1,    // 100ms - heavy transformers
				1,      // 1s
				5,      // 5s - transformer timeout ceiling
			},
		},
		[]string{"pipeline"},
	)

	// MemoryUsage tracks per-pipeline memory usage reported by the registry.
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reportstream_memory_usage_bytes",
			Help: "Memory usage in bytes per pipeline",
		},
		[]string{"pipeline"},
	)

	// Throughput tracks records per second per pipeline.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reportstream_throughput_records_per_second",
			Help: "Current throughput in records per second",
		},
		[]string{"pipeline"},
	)

	// GroupRejections counts group-cardinality rejections.
	GroupRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportstream_group_rejections_total",
			Help: "Records rejected by the max_groups cardinality ceiling",
		},
		[]string{"pipeline"},
	)
)

// PrometheusSink translates pipeline events into Prometheus metrics.
type PrometheusSink struct{}

// NewPrometheusSink creates a Prometheus-backed sink. Metrics are
// registered once at package load via promauto; multiple sinks share them.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{}
}

// batchOutcomes maps the outcome label to the measurement key the
// transform stage emits it under.
var batchOutcomes = map[string]string{
	"in":       KeyRecordsIn,
	"out":      KeyRecordsOut,
	"failed":   KeyRecordsFailed,
	"rejected": KeyRecordsRejected,
}

// Emit implements Sink.
func (s *PrometheusSink) Emit(event string, measurements map[string]float64, metadata map[string]string) {
	EventsTotal.WithLabelValues(event).Inc()

	pipeline := metadata[KeyPipelineID]
	if pipeline == "" {
		pipeline = "unknown"
	}

	switch event {
	case EventBatchProcessed:
		for outcome, key := range batchOutcomes {
			if v, ok := measurements[key]; ok && v > 0 {
				RecordsTotal.WithLabelValues(pipeline, outcome).Add(v)
			}
		}
		if d, ok := measurements[KeyDurationMS]; ok {
			BatchDuration.WithLabelValues(pipeline).Observe(d / 1000)
		}

	case EventHealthCheck:
		if v, ok := measurements[KeyMemoryBytes]; ok {
			MemoryUsage.WithLabelValues(pipeline).Set(v)
		}
		if v, ok := measurements[KeyThroughput]; ok {
			Throughput.WithLabelValues(pipeline).Set(v)
		}

	case EventGroupLimit:
		if v, ok := measurements[KeyRejections]; ok {
			GroupRejections.WithLabelValues(pipeline).Add(v)
		}
	}
}
