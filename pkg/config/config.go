// Package config provides the unified configuration system for reportstream.
// It defines a single PipelineConfig structure used by every pipeline,
// ensuring consistent configuration across the entire system.
//
// The configuration is organized into logical sections:
//   - Fetch: Chunked paged-fetch behavior and retry budget
//   - Transform: Transformer timeout, aggregation and grouping setup
//   - Flow: Demand/backpressure tuning
//   - Partition: Fan-out width
//   - Cache: Paged-fetch result cache ceilings and TTL
//   - Health: Periodic health sweep thresholds
//   - Observability: Metrics, tracing, logging
//
// Example usage:
//
//	cfg := config.NewPipelineConfig("daily-revenue")
//	cfg.Fetch.ChunkSize = 5000
//	cfg.Transform.GroupBy = []string{"region"}
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// PipelineConfig is the single unified configuration structure for a pipeline.
type PipelineConfig struct {
	// Name identifies the pipeline instance
	Name string `yaml:"name" json:"name"`
	// Version indicates the configuration version
	Version string `yaml:"version" json:"version"`

	// Fetch settings control the chunked paged-fetch stage
	Fetch FetchConfig `yaml:"fetch" json:"fetch"`

	// Transform settings control the transform/aggregate stage
	Transform TransformConfig `yaml:"transform" json:"transform"`

	// Flow settings tune demand-driven flow control
	Flow FlowConfig `yaml:"flow" json:"flow"`

	// Partition settings control fan-out across workers
	Partition PartitionConfig `yaml:"partition" json:"partition"`

	// Cache settings for the paged-fetch result cache
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Health settings for the periodic health sweep
	Health HealthConfig `yaml:"health" json:"health"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// FetchConfig contains paged-fetch settings.
type FetchConfig struct {
	// ChunkSize is the page size requested from the data source
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// MemoryLimitBytes is the circuit-breaker / degraded-mode threshold
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes" json:"memory_limit_bytes"`
	// MaxRetries is the fetch retry budget per page
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryBackoffBase is the initial retry delay, doubled per attempt
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base" json:"retry_backoff_base"`
	// ResumePollInterval is how often a paused fetch polls for resume
	ResumePollInterval time.Duration `yaml:"resume_poll_interval" json:"resume_poll_interval"`
	// MemoryCheckInterval is how often degraded mode samples memory
	MemoryCheckInterval time.Duration `yaml:"memory_check_interval" json:"memory_check_interval"`
}

// TransformConfig contains transform/aggregate settings.
type TransformConfig struct {
	// TransformerTimeout is the per-record transformer budget
	TransformerTimeout time.Duration `yaml:"transformer_timeout" json:"transformer_timeout"`
	// NumericFields lists fields coerced to float64 before aggregation
	NumericFields []string `yaml:"numeric_fields" json:"numeric_fields"`
	// Aggregations lists the global aggregation kinds to compute
	// (sum, count, avg, min, max, running_total)
	Aggregations []string `yaml:"aggregations" json:"aggregations"`
	// GroupBy lists the fields forming the group key tuple
	GroupBy []string `yaml:"group_by" json:"group_by"`
	// MaxGroups caps distinct group values per grouping configuration
	MaxGroups int `yaml:"max_groups" json:"max_groups"`
}

// FlowConfig contains demand/backpressure tuning.
type FlowConfig struct {
	// BufferSize sets the stage channel capacity in batches
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
	// MaxDemand is the largest outstanding demand a consumer issues
	MaxDemand int `yaml:"max_demand" json:"max_demand"`
	// MinDemand is the low-water mark that triggers a demand refill
	MinDemand int `yaml:"min_demand" json:"min_demand"`
}

// PartitionConfig contains fan-out settings.
type PartitionConfig struct {
	// Count is the number of parallel transform/aggregate workers
	Count int `yaml:"count" json:"count"`
	// MergeTimeout bounds the per-worker state query during merge
	MergeTimeout time.Duration `yaml:"merge_timeout" json:"merge_timeout"`
}

// CacheConfig contains result cache settings.
type CacheConfig struct {
	// TTL is the entry time-to-live
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// MaxEntries is the entry-count ceiling
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
	// MaxMemoryMB is the total byte-size ceiling in megabytes
	MaxMemoryMB int `yaml:"max_memory_mb" json:"max_memory_mb"`
	// SweepInterval is how often TTL-expired entries are collected
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// HealthConfig contains health sweep settings.
type HealthConfig struct {
	// CheckInterval is the sweep period
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
	// StallTimeout marks a pipeline failed when no update arrives within it
	StallTimeout time.Duration `yaml:"stall_timeout" json:"stall_timeout"`
	// MemoryThresholdBytes pauses a pipeline above this usage.
	// Zero means inherit Fetch.MemoryLimitBytes.
	MemoryThresholdBytes int64 `yaml:"memory_threshold_bytes" json:"memory_threshold_bytes"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// EnableMetrics activates the Prometheus telemetry sink
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// EnableTracing activates OpenTelemetry spans
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// NewPipelineConfig creates a PipelineConfig with production defaults.
// Specific pipelines override fields as needed.
func NewPipelineConfig(name string) *PipelineConfig {
	return &PipelineConfig{
		Name:    name,
		Version: "1.0.0",
		Fetch: FetchConfig{
			ChunkSize:           1000,
			MemoryLimitBytes:    500 * 1024 * 1024,
			MaxRetries:          3,
			RetryBackoffBase:    time.Second,
			ResumePollInterval:  time.Second,
			MemoryCheckInterval: time.Second,
		},
		Transform: TransformConfig{
			TransformerTimeout: 5 * time.Second,
			Aggregations:       []string{"sum", "count", "avg", "min", "max", "running_total"},
			MaxGroups:          10000,
		},
		Flow: FlowConfig{
			BufferSize: 1000,
			MaxDemand:  500,
			MinDemand:  100,
		},
		Partition: PartitionConfig{
			Count:        1,
			MergeTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			TTL:           300 * time.Second,
			MaxEntries:    1000,
			MaxMemoryMB:   100,
			SweepInterval: time.Minute,
		},
		Health: HealthConfig{
			CheckInterval: 5 * time.Second,
			StallTimeout:  30 * time.Second,
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
			EnableTracing: false,
			LogLevel:      "info",
		},
	}
}

// MemoryThreshold returns the effective pause threshold for the health sweep.
func (pc *PipelineConfig) MemoryThreshold() int64 {
	if pc.Health.MemoryThresholdBytes > 0 {
		return pc.Health.MemoryThresholdBytes
	}
	return pc.Fetch.MemoryLimitBytes
}

// Validate validates the configuration for correctness.
// Pipelines should call this after loading configuration to catch errors early.
func (pc *PipelineConfig) Validate() error {
	if pc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if pc.Fetch.ChunkSize <= 0 {
		return fmt.Errorf("fetch.chunk_size must be positive")
	}
	if pc.Fetch.MemoryLimitBytes <= 0 {
		return fmt.Errorf("fetch.memory_limit_bytes must be positive")
	}
	if pc.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries cannot be negative")
	}
	if pc.Transform.TransformerTimeout <= 0 {
		return fmt.Errorf("transform.transformer_timeout must be positive")
	}
	if pc.Transform.MaxGroups <= 0 {
		return fmt.Errorf("transform.max_groups must be positive")
	}
	if pc.Flow.BufferSize <= 0 {
		return fmt.Errorf("flow.buffer_size must be positive")
	}
	if pc.Flow.MaxDemand <= 0 {
		return fmt.Errorf("flow.max_demand must be positive")
	}
	if pc.Flow.MinDemand <= 0 || pc.Flow.MinDemand > pc.Flow.MaxDemand {
		return fmt.Errorf("flow.min_demand must be positive and not exceed max_demand")
	}
	if pc.Partition.Count <= 0 {
		return fmt.Errorf("partition.count must be positive")
	}
	if pc.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if pc.Cache.MaxMemoryMB <= 0 {
		return fmt.Errorf("cache.max_memory_mb must be positive")
	}
	if pc.Health.CheckInterval <= 0 {
		return fmt.Errorf("health.check_interval must be positive")
	}
	if pc.Health.StallTimeout <= 0 {
		return fmt.Errorf("health.stall_timeout must be positive")
	}
	for _, kind := range pc.Transform.Aggregations {
		switch kind {
		case "sum", "count", "avg", "min", "max", "running_total":
		default:
			return fmt.Errorf("unknown aggregation kind %q", kind)
		}
	}
	return nil
}
