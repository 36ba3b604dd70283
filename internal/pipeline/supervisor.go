package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/accountex-org/reportstream/pkg/config"
	"github.com/accountex-org/reportstream/pkg/errors"
	"github.com/accountex-org/reportstream/pkg/observability"
	"github.com/accountex-org/reportstream/pkg/source"
	"github.com/accountex-org/reportstream/pkg/telemetry"
)

// Supervisor wires one pipeline run end to end: it registers the run,
// drives the demand loop from the fetch stage into the partition
// workers, and merges the partial aggregation states when the stream
// ends. Shared infrastructure (registry, cache, health monitor) is
// passed in so concurrent runs reuse it.
type Supervisor struct {
	cfg          config.PipelineConfig
	src          source.PagedDataSource
	query        source.Query
	transformers func() []Transformer
	registry     *Registry
	cache        *Cache
	sink         telemetry.Sink
	logger       *zap.Logger
}

// RunReport is the outcome of one pipeline run. On failure Result holds
// whatever was aggregated before the run died, so partial progress is
// inspectable rather than discarded.
type RunReport struct {
	PipelineID string        `json:"pipeline_id"`
	Result     *Result       `json:"result,omitempty"`
	State      PipelineState `json:"state"`
	Duration   time.Duration `json:"duration"`
}

// NewSupervisor creates a supervisor for one query against one source.
// A nil transformer factory runs records through unchanged.
func NewSupervisor(cfg config.PipelineConfig, src source.PagedDataSource, query source.Query,
	transformers func() []Transformer, registry *Registry, cache *Cache,
	sink telemetry.Sink, logger *zap.Logger) *Supervisor {

	if sink == nil {
		sink = telemetry.NopSink{}
	}
	if transformers == nil {
		transformers = func() []Transformer { return nil }
	}

	return &Supervisor{
		cfg:          cfg,
		src:          src,
		query:        query,
		transformers: transformers,
		registry:     registry,
		cache:        cache,
		sink:         sink,
		logger:       logger.With(zap.String("component", "supervisor")),
	}
}

// Run executes the pipeline to completion. The returned report carries
// the merged result; on failure it carries the partial result alongside
// the error.
func (sv *Supervisor) Run(ctx context.Context) (*RunReport, error) {
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "pipeline.run",
		attribute.String("pipeline_name", sv.cfg.Name),
		attribute.Int("partitions", sv.cfg.Partition.Count))
	defer span.End()

	done := make(chan struct{})
	defer close(done)

	id := sv.registry.Register(done, map[string]string{
		"name":    sv.cfg.Name,
		"version": sv.cfg.Version,
		"source":  sv.query.Source,
	})
	logger := sv.logger.With(zap.String("pipeline_id", id))
	logger.Info("pipeline run starting",
		zap.String("name", sv.cfg.Name),
		zap.Int("chunk_size", sv.cfg.Fetch.ChunkSize),
		zap.Int("partitions", sv.cfg.Partition.Count))

	fetch := NewFetchStage(id, sv.src, sv.query, sv.cfg.Fetch, sv.registry, sv.cache, sv.sink, logger)
	fetch.Start(ctx)
	defer fetch.Stop()

	partitions := NewPartitionLayer(id, sv.cfg, sv.transformers, sv.sink, logger)
	partitions.Start(ctx)

	runErr := sv.demandLoop(ctx, fetch, partitions)

	merged, mergeErr := partitions.MergeResults(ctx)
	if runErr == nil {
		runErr = mergeErr
	} else if mergeErr != nil {
		logger.Warn("merge also failed after run error", zap.Error(mergeErr))
	}

	report := &RunReport{
		PipelineID: id,
		Duration:   time.Since(start),
	}
	if merged != nil {
		report.Result = merged.Finalize()
	}

	if runErr != nil {
		// Keep the partial result; the registry may already hold the
		// failure from the stage that died.
		if st, ok := sv.registry.Status(id); ok && !st.IsTerminal() {
			_ = sv.registry.UpdateStatus(id, StatusFailed)
		}
		if state, ok := sv.registry.Get(id); ok {
			report.State = state
		}
		logger.Error("pipeline run failed",
			zap.Duration("duration", report.Duration),
			zap.Error(runErr))
		return report, runErr
	}

	if st, ok := sv.registry.Status(id); ok && st == StatusFailed {
		runErr = errors.New(errors.ErrorTypeFetch, "pipeline failed during fetch")
	}

	if state, ok := sv.registry.Get(id); ok {
		report.State = state
	}

	if runErr != nil {
		logger.Error("pipeline run failed",
			zap.Duration("duration", report.Duration),
			zap.Int64("records_processed", report.State.RecordsProcessed),
			zap.Error(runErr))
		return report, runErr
	}

	in, out, failed, filtered, rejected := partitions.Counters()
	logger.Info("pipeline run completed",
		zap.Duration("duration", report.Duration),
		zap.Int64("records_in", in),
		zap.Int64("records_out", out),
		zap.Int64("records_failed", failed),
		zap.Int64("records_filtered", filtered),
		zap.Int64("records_rejected", rejected))

	return report, nil
}

// demandLoop pulls from the fetch stage and feeds the partition layer
// until the source is exhausted or the run dies. Backpressure comes
// from Dispatch blocking on a full worker buffer, which stalls the next
// demand.
func (sv *Supervisor) demandLoop(ctx context.Context, fetch *FetchStage, partitions *PartitionLayer) error {
	demand := sv.cfg.Flow.MaxDemand
	if demand <= 0 {
		demand = sv.cfg.Fetch.ChunkSize
	}
	if demand <= 0 {
		demand = 1
	}

	for !fetch.Done() {
		batch, err := fetch.Demand(ctx, demand)
		if len(batch) > 0 {
			if dispatchErr := partitions.Dispatch(ctx, batch); dispatchErr != nil {
				return errors.Wrap(dispatchErr, errors.ErrorTypeInternal,
					fmt.Sprintf("dispatch failed after %d records", len(batch)))
			}
		}
		if err != nil {
			return err
		}
	}

	return nil
}
