// Package telemetry provides the event emission contract for the pipeline.
//
// The pipeline never talks to a metrics backend directly. Every stage is
// handed a Sink and emits named events with numeric measurements and string
// metadata. Swapping the sink swaps the backend, and tests inject a
// recording sink to assert on emitted events.
package telemetry

import (
	"go.uber.org/zap"
)

// Event names emitted by the pipeline subsystem.
const (
	// EventBatchProcessed carries per-batch in/out/failed/rejected counts
	EventBatchProcessed = "pipeline.batch_processed"
	// EventHealthCheck carries aggregate memory and throughput measurements
	EventHealthCheck = "pipeline.health_check"
	// EventMemoryWarning signals a pipeline paused for exceeding its threshold
	EventMemoryWarning = "pipeline.memory_warning"
	// EventStalled signals a pipeline failed for lack of progress
	EventStalled = "pipeline.stalled"
	// EventException signals a fatal pipeline error (retry budget exhausted,
	// unexpected stage fault)
	EventException = "pipeline.exception"
	// EventGroupLimit signals grouped-aggregation cardinality rejections
	EventGroupLimit = "pipeline.group_limit"
	// EventStageCrashed signals a stage panic handled by the supervisor
	EventStageCrashed = "pipeline.stage_crashed"
	// EventCompleted signals normal end of stream
	EventCompleted = "pipeline.completed"
	// EventDegraded signals the fetch stage entering or leaving degraded mode
	EventDegraded = "pipeline.degraded"
)

// Measurement and metadata keys shared by emitters and sinks. Stages
// emit under these names and metric sinks read the same names, so the
// two sides cannot drift apart.
const (
	KeyPipelineID       = "pipeline_id"
	KeyRecordsIn        = "records_in"
	KeyRecordsOut       = "records_out"
	KeyRecordsFailed    = "records_failed"
	KeyRecordsRejected  = "records_rejected"
	KeyDurationMS       = "duration_ms"
	KeyMemoryBytes      = "memory_bytes"
	KeyTotalMemoryBytes = "total_memory_bytes"
	KeyThroughput       = "throughput"
	KeyRejections       = "rejections"
)

// Sink receives telemetry events. Implementations must be safe for
// concurrent use; the pipeline emits from multiple goroutines.
type Sink interface {
	Emit(event string, measurements map[string]float64, metadata map[string]string)
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(string, map[string]float64, map[string]string) {}

// LogSink writes events to a zap logger at debug level, warnings and
// exceptions at warn level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink backed by the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "telemetry"))}
}

// Emit implements Sink.
func (s *LogSink) Emit(event string, measurements map[string]float64, metadata map[string]string) {
	fields := make([]zap.Field, 0, len(measurements)+len(metadata)+1)
	fields = append(fields, zap.String("event", event))
	for k, v := range measurements {
		fields = append(fields, zap.Float64(k, v))
	}
	for k, v := range metadata {
		fields = append(fields, zap.String(k, v))
	}

	switch event {
	case EventMemoryWarning, EventStalled, EventException, EventStageCrashed:
		s.logger.Warn("telemetry event", fields...)
	default:
		s.logger.Debug("telemetry event", fields...)
	}
}

// MultiSink fans an event out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks; nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	ms := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			ms.sinks = append(ms.sinks, s)
		}
	}
	return ms
}

// Emit implements Sink.
func (ms *MultiSink) Emit(event string, measurements map[string]float64, metadata map[string]string) {
	for _, s := range ms.sinks {
		s.Emit(event, measurements, metadata)
	}
}
