package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/accountex-org/reportstream/pkg/config"
	"github.com/accountex-org/reportstream/pkg/errors"
	"github.com/accountex-org/reportstream/pkg/models"
	"github.com/accountex-org/reportstream/pkg/telemetry"
)

// maxWorkerRestarts bounds how many times a crashed partition worker is
// respawned before the pipeline is declared failed.
const maxWorkerRestarts = 3

// partitionWorker is one parallel aggregation lane. Its transform stage
// and aggregation state are owned by its runner goroutine.
type partitionWorker struct {
	index int
	stage *TransformStage
	input chan []*models.Record
	done  chan struct{}

	// written by the runner before closing done
	finalState *AggregationState
	runErr     error
}

// PartitionLayer fans batches out to N workers by group key hash so the
// same group always lands in the same worker, making the final merge a
// disjoint union.
type PartitionLayer struct {
	pipelineID string
	cfg        config.PipelineConfig
	workers    []*partitionWorker
	sink       telemetry.Sink
	logger     *zap.Logger

	closeOnce sync.Once
}

// NewPartitionLayer creates count workers, each with its own transform
// stage built from the factory. The factory runs once per worker so
// stateful transformers are not shared across lanes.
func NewPartitionLayer(pipelineID string, cfg config.PipelineConfig, transformers func() []Transformer, sink telemetry.Sink, logger *zap.Logger) *PartitionLayer {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	count := cfg.Partition.Count
	if count < 1 {
		count = 1
	}

	p := &PartitionLayer{
		pipelineID: pipelineID,
		cfg:        cfg,
		workers:    make([]*partitionWorker, count),
		sink:       sink,
		logger:     logger.With(zap.String("component", "partition_layer")),
	}

	for i := 0; i < count; i++ {
		p.workers[i] = &partitionWorker{
			index: i,
			stage: NewTransformStage(pipelineID, cfg.Transform, transformers(), sink, logger),
			input: make(chan []*models.Record, cfg.Flow.BufferSize),
			done:  make(chan struct{}),
		}
	}

	return p
}

// Start launches the worker runners.
func (p *PartitionLayer) Start(ctx context.Context) {
	for _, w := range p.workers {
		go p.runWorker(ctx, w)
	}
	p.logger.Info("partition workers started",
		zap.Int("count", len(p.workers)),
		zap.Int("buffer_size", p.cfg.Flow.BufferSize))
}

// runWorker drains the worker's input channel until it closes, then
// publishes the final aggregation state. A panicking batch crashes only
// this worker; it is restarted with fresh state up to the restart
// budget, after which the error is published instead.
func (p *PartitionLayer) runWorker(ctx context.Context, w *partitionWorker) {
	defer close(w.done)

	restarts := 0
	for {
		err := p.consume(ctx, w)
		if err == nil {
			w.finalState = w.stage.State()
			return
		}

		if ctx.Err() != nil {
			w.runErr = ctx.Err()
			return
		}

		p.sink.Emit(telemetry.EventStageCrashed, map[string]float64{
			"partition": float64(w.index),
			"restarts":  float64(restarts),
		}, map[string]string{
			telemetry.KeyPipelineID: p.pipelineID,
			"reason":                err.Error(),
		})

		if restarts >= maxWorkerRestarts {
			w.runErr = errors.Wrap(err, errors.ErrorTypeInternal,
				fmt.Sprintf("partition %d exceeded restart budget", w.index))
			p.logger.Error("partition worker gave up",
				zap.Int("partition", w.index),
				zap.Int("restarts", restarts),
				zap.Error(err))
			return
		}

		restarts++
		w.stage.Reset()
		p.logger.Warn("partition worker restarted with fresh state",
			zap.Int("partition", w.index),
			zap.Int("restart", restarts),
			zap.Error(err))
	}
}

// consume processes batches until the input closes. A panic below the
// transform stage's own guards is recovered into an error so the runner
// can restart the worker.
func (p *PartitionLayer) consume(ctx context.Context, w *partitionWorker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrorTypeInternal,
				fmt.Sprintf("partition worker panic: %v", r))
		}
	}()

	for {
		select {
		case batch, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.stage.ProcessBatch(ctx, batch); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// routeKey is the string hashed to pick a record's partition. Records
// route by the first configured group field's value, which colocates
// every record of a group (and of any composite group sharing that
// first value) in one worker, keeping the final merge a disjoint
// union. Without grouping the record's canonical form spreads records
// across workers.
func (p *PartitionLayer) routeKey(rec *models.Record) string {
	if groupBy := p.cfg.Transform.GroupBy; len(groupBy) > 0 {
		return rec.FieldString(groupBy[0])
	}
	return rec.CanonicalString()
}

// Route returns the partition index for a record.
func (p *PartitionLayer) Route(rec *models.Record) int {
	return int(xxhash.Sum64String(p.routeKey(rec)) % uint64(len(p.workers)))
}

// Dispatch splits a batch by partition and enqueues the sub-batches.
// It blocks when a worker's buffer is full, propagating backpressure to
// the demand loop. A worker that already died surfaces its error here.
func (p *PartitionLayer) Dispatch(ctx context.Context, batch []*models.Record) error {
	if len(batch) == 0 {
		return nil
	}

	split := make([][]*models.Record, len(p.workers))
	for _, rec := range batch {
		idx := p.Route(rec)
		split[idx] = append(split[idx], rec)
	}

	for i, sub := range split {
		if len(sub) == 0 {
			continue
		}
		w := p.workers[i]
		select {
		case w.input <- sub:
		case <-w.done:
			if w.runErr != nil {
				return w.runErr
			}
			return errors.New(errors.ErrorTypeInternal,
				fmt.Sprintf("partition %d stopped accepting batches", i))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// MergeResults closes the worker inputs, waits for each worker's final
// state within the merge timeout, and folds the partial states into one.
// A worker that fails to hand over its state within the timeout turns
// the whole merge into an error rather than a silently partial result.
func (p *PartitionLayer) MergeResults(ctx context.Context) (*AggregationState, error) {
	p.closeOnce.Do(func() {
		for _, w := range p.workers {
			close(w.input)
		}
	})

	timeout := p.cfg.Partition.MergeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var merged *AggregationState
	for _, w := range p.workers {
		select {
		case <-w.done:
		case <-deadline.C:
			return nil, errors.New(errors.ErrorTypeMerge,
				fmt.Sprintf("partition %d did not report state within %s", w.index, timeout))
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if w.runErr != nil {
			return nil, errors.Wrap(w.runErr, errors.ErrorTypeMerge,
				fmt.Sprintf("partition %d failed before merge", w.index))
		}

		if merged == nil {
			merged = w.finalState
			continue
		}
		if err := merged.Merge(w.finalState); err != nil {
			return nil, err
		}
	}

	return merged, nil
}

// Counters sums the transform counters across workers.
func (p *PartitionLayer) Counters() (in, out, failed, filtered, rejected int64) {
	for _, w := range p.workers {
		wi, wo, wf, wfl, wr := w.stage.Counters()
		in += wi
		out += wo
		failed += wf
		filtered += wfl
		rejected += wr
	}
	return
}

// WorkerCount reports the number of partitions.
func (p *PartitionLayer) WorkerCount() int {
	return len(p.workers)
}
