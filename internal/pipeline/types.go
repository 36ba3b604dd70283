// Package pipeline implements the streaming report data pipeline: a
// demand-driven chunked fetch stage, transform/aggregate workers with
// bounded-cardinality grouping, a consistent-hash partition layer with
// deterministic merge, and the registry/health/cache infrastructure
// around them.
package pipeline

import (
	"time"
)

// Status is the lifecycle state of a pipeline.
type Status string

const (
	// StatusRunning means the pipeline is actively streaming
	StatusRunning Status = "running"
	// StatusPaused means the circuit breaker has halted fetching
	StatusPaused Status = "paused"
	// StatusCompleted means the source was exhausted normally
	StatusCompleted Status = "completed"
	// StatusFailed means a fatal error ended the pipeline
	StatusFailed Status = "failed"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// sticky: once set, a pipeline never transitions again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PipelineState is the registry's record for one pipeline. It is mutated
// only through Registry methods, never directly.
type PipelineState struct {
	ID               string            `json:"id"`
	Status           Status            `json:"status"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	RecordsProcessed int64             `json:"records_processed"`
	MemoryUsageBytes int64             `json:"memory_usage_bytes"`
	LastUpdatedAt    time.Time         `json:"last_updated_at"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Throughput returns records per second since the pipeline started.
func (ps *PipelineState) Throughput(now time.Time) float64 {
	elapsed := now.Sub(ps.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(ps.RecordsProcessed) / elapsed
}

// FetchState is the fetch stage's internal state. Paused and degraded
// are modifiers of active; completed and failed are terminal.
type FetchState string

const (
	FetchActive    FetchState = "active"
	FetchPaused    FetchState = "paused"
	FetchDegraded  FetchState = "degraded"
	FetchCompleted FetchState = "completed"
	FetchFailed    FetchState = "failed"
)
