package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/accountex-org/reportstream/pkg/config"
	"github.com/accountex-org/reportstream/pkg/errors"
	"github.com/accountex-org/reportstream/pkg/models"
	"github.com/accountex-org/reportstream/pkg/telemetry"
)

// Transformer mutates or replaces a record. Returning ErrFiltered drops
// the record without counting it as a failure; a transform, validation
// or timeout error counts as a record-level failure and drops the
// record. A nil returned record also filters it. Any other error or a
// panic crashes the owning worker, which restarts with fresh state.
type Transformer func(*models.Record) (*models.Record, error)

// ErrFiltered is the sentinel a transformer returns to drop a record.
var ErrFiltered = stderrors.New("record filtered")

// TransformStage applies a transformer chain and folds surviving
// records into an aggregation state. One stage instance is owned by one
// partition worker, so the aggregation state needs no locking.
type TransformStage struct {
	pipelineID   string
	cfg          config.TransformConfig
	transformers []Transformer
	state        *AggregationState
	sink         telemetry.Sink
	logger       *zap.Logger

	recordsIn  int64
	recordsOut int64
	failed     int64
	filtered   int64
	rejected   int64
}

// NewTransformStage creates a stage with a fresh aggregation state.
func NewTransformStage(pipelineID string, cfg config.TransformConfig, transformers []Transformer, sink telemetry.Sink, logger *zap.Logger) *TransformStage {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	var groupings [][]string
	if len(cfg.GroupBy) > 0 {
		groupings = [][]string{cfg.GroupBy}
	}
	return &TransformStage{
		pipelineID:   pipelineID,
		cfg:          cfg,
		transformers: transformers,
		state:        NewAggregationState(cfg.Aggregations, cfg.NumericFields, groupings, cfg.MaxGroups),
		sink:         sink,
		logger:       logger.With(zap.String("component", "transform_stage")),
	}
}

// ProcessBatch runs the transformer chain over a batch and aggregates
// the survivors. Expected record-level failures (transform errors,
// validation errors, timeouts) drop the record and continue; anything
// outside that set, including panics, returns as an error and crashes
// the stage so the owning worker restarts it. Context cancellation also
// returns as an error.
func (t *TransformStage) ProcessBatch(ctx context.Context, batch []*models.Record) error {
	start := time.Now()
	in := len(batch)
	atomic.AddInt64(&t.recordsIn, int64(in))

	var out, failed, filtered, rejected int

	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}

		transformed, err := t.applyTransformers(ctx, rec)
		if err != nil {
			if stderrors.Is(err, ErrFiltered) {
				filtered++
				continue
			}
			if !errors.IsRecordLevel(err) {
				// A panic or an error outside the expected classes is
				// a stage crash, not a bad record; the worker runner
				// restarts us fresh.
				atomic.AddInt64(&t.recordsOut, int64(out))
				atomic.AddInt64(&t.failed, int64(failed))
				atomic.AddInt64(&t.filtered, int64(filtered))
				atomic.AddInt64(&t.rejected, int64(rejected))
				return err
			}
			failed++
			t.logger.Debug("record dropped",
				zap.String("record_id", rec.ID),
				zap.Error(err))
			continue
		}
		if transformed == nil {
			filtered++
			continue
		}

		rejected += t.state.Apply(transformed)
		out++
	}

	atomic.AddInt64(&t.recordsOut, int64(out))
	atomic.AddInt64(&t.failed, int64(failed))
	atomic.AddInt64(&t.filtered, int64(filtered))
	atomic.AddInt64(&t.rejected, int64(rejected))

	t.sink.Emit(telemetry.EventBatchProcessed, map[string]float64{
		telemetry.KeyRecordsIn:       float64(in),
		telemetry.KeyRecordsOut:      float64(out),
		telemetry.KeyRecordsFailed:   float64(failed),
		telemetry.KeyRecordsRejected: float64(rejected),
		telemetry.KeyDurationMS:      float64(time.Since(start).Milliseconds()),
	}, map[string]string{
		telemetry.KeyPipelineID: t.pipelineID,
	})

	if rejected > 0 {
		// One event per batch, not per record, to keep the sink quiet
		// under sustained cardinality pressure.
		t.sink.Emit(telemetry.EventGroupLimit, map[string]float64{
			telemetry.KeyRejections: float64(rejected),
			"group_count":           float64(t.state.GroupCount()),
			"max_groups":            float64(t.cfg.MaxGroups),
		}, map[string]string{
			telemetry.KeyPipelineID: t.pipelineID,
		})
		t.logger.Warn("group cardinality ceiling reached",
			zap.Int("rejections", rejected),
			zap.Int("max_groups", t.cfg.MaxGroups))
	}

	return nil
}

// applyTransformers runs the chain over one record. Each transformer
// runs in its own goroutine under the configured timeout. Timeouts and
// typed transform/validation errors are record-level; a panic or any
// untyped error escalates to a stage crash. A timed-out transformer's
// goroutine is abandoned, its eventual result discarded.
func (t *TransformStage) applyTransformers(ctx context.Context, rec *models.Record) (*models.Record, error) {
	current := rec
	for i, fn := range t.transformers {
		transformed, err := t.runGuarded(ctx, fn, current)
		if err != nil {
			if stderrors.Is(err, ErrFiltered) || !errors.IsRecordLevel(err) {
				return nil, err
			}
			return nil, errors.Wrap(err, errorTypeFor(err),
				fmt.Sprintf("transformer %d failed for record %s", i, rec.ID))
		}
		if transformed == nil {
			return nil, nil
		}
		current = transformed
	}
	return current, nil
}

type transformResult struct {
	record *models.Record
	err    error
}

func (t *TransformStage) runGuarded(ctx context.Context, fn Transformer, rec *models.Record) (*models.Record, error) {
	timeout := t.cfg.TransformerTimeout
	if timeout <= 0 {
		return runRecovered(fn, rec)
	}

	done := make(chan transformResult, 1)
	go func() {
		r, err := runRecovered(fn, rec)
		done <- transformResult{record: r, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.record, res.err
	case <-timer.C:
		return nil, errors.New(errors.ErrorTypeTransformTimeout,
			fmt.Sprintf("transformer exceeded %s budget", timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runRecovered(fn Transformer, rec *models.Record) (result *models.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.New(errors.ErrorTypeInternal,
				fmt.Sprintf("transformer panic: %v", r))
		}
	}()
	return fn(rec)
}

func errorTypeFor(err error) errors.ErrorType {
	switch {
	case errors.IsType(err, errors.ErrorTypeTransformTimeout):
		return errors.ErrorTypeTransformTimeout
	case errors.IsType(err, errors.ErrorTypeValidation):
		return errors.ErrorTypeValidation
	default:
		return errors.ErrorTypeTransform
	}
}

// State returns the stage's aggregation state for merging. Call only
// after the owning worker has stopped feeding batches.
func (t *TransformStage) State() *AggregationState {
	return t.state
}

// Reset replaces the aggregation state and zeroes counters. Used when a
// supervisor restarts a crashed worker with fresh state.
func (t *TransformStage) Reset() {
	var groupings [][]string
	if len(t.cfg.GroupBy) > 0 {
		groupings = [][]string{t.cfg.GroupBy}
	}
	t.state = NewAggregationState(t.cfg.Aggregations, t.cfg.NumericFields, groupings, t.cfg.MaxGroups)
	atomic.StoreInt64(&t.recordsIn, 0)
	atomic.StoreInt64(&t.recordsOut, 0)
	atomic.StoreInt64(&t.failed, 0)
	atomic.StoreInt64(&t.filtered, 0)
	atomic.StoreInt64(&t.rejected, 0)
}

// Counters reports cumulative in/out/failed/filtered/rejected counts.
func (t *TransformStage) Counters() (in, out, failed, filtered, rejected int64) {
	return atomic.LoadInt64(&t.recordsIn),
		atomic.LoadInt64(&t.recordsOut),
		atomic.LoadInt64(&t.failed),
		atomic.LoadInt64(&t.filtered),
		atomic.LoadInt64(&t.rejected)
}
