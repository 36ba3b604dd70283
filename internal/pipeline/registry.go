package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/accountex-org/reportstream/pkg/errors"
	"github.com/accountex-org/reportstream/pkg/telemetry"
)

const (
	// registrySweepInterval is how often terminal entries are collected
	registrySweepInterval = time.Minute
	// terminalRetention is how long terminal entries stay queryable
	terminalRetention = time.Hour
)

// Registry is the keyed store of pipeline state plus liveness monitoring
// of stage processes. All mutation goes through its methods; callers
// only ever see copies of the state. The store is the single shared
// resource in the system and is serialized behind one mutex with
// minimal critical sections.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*PipelineState

	sink   telemetry.Sink
	logger *zap.Logger

	sweepInterval time.Duration
	retention     time.Duration
}

// NewRegistry creates a registry. The sink receives exception events for
// pipelines whose monitored stage dies unexpectedly.
func NewRegistry(sink telemetry.Sink, logger *zap.Logger) *Registry {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Registry{
		pipelines:     make(map[string]*PipelineState),
		sink:          sink,
		logger:        logger.With(zap.String("component", "registry")),
		sweepInterval: registrySweepInterval,
		retention:     terminalRetention,
	}
}

// Start launches the background sweep that removes terminal-state
// entries older than the retention window. It returns immediately.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(time.Now())
			}
		}
	}()
}

// Register creates a fresh pipeline record and begins monitoring the
// given liveness handle. If done closes while the pipeline is still
// non-terminal, the status auto-transitions to failed.
func (r *Registry) Register(done <-chan struct{}, metadata map[string]string) string {
	id := uuid.NewString()
	now := time.Now()

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	r.mu.Lock()
	r.pipelines[id] = &PipelineState{
		ID:            id,
		Status:        StatusRunning,
		StartedAt:     now,
		LastUpdatedAt: now,
		Metadata:      md,
	}
	r.mu.Unlock()

	r.logger.Info("pipeline registered", zap.String("pipeline_id", id))

	if done != nil {
		go r.monitor(id, done)
	}

	return id
}

// monitor watches a pipeline's liveness handle.
func (r *Registry) monitor(id string, done <-chan struct{}) {
	<-done

	r.mu.Lock()
	state, ok := r.pipelines[id]
	var died bool
	if ok && !state.Status.IsTerminal() {
		died = true
		r.transitionLocked(state, StatusFailed)
	}
	r.mu.Unlock()

	if died {
		r.logger.Error("monitored pipeline terminated unexpectedly",
			zap.String("pipeline_id", id))
		r.sink.Emit(telemetry.EventException, nil, map[string]string{
			telemetry.KeyPipelineID: id,
			"reason":                "stage_terminated",
		})
	}
}

// Deregister removes a pipeline record explicitly.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	delete(r.pipelines, id)
	r.mu.Unlock()
}

// Get returns a copy of a pipeline's state.
func (r *Registry) Get(id string) (PipelineState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.pipelines[id]
	if !ok {
		return PipelineState{}, false
	}
	return *state, true
}

// Status returns just the status for a pipeline, for hot-path polling
// by the fetch stage's circuit breaker.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.pipelines[id]
	if !ok {
		return "", false
	}
	return state.Status, true
}

// List returns copies of all pipeline states.
func (r *Registry) List() []PipelineState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PipelineState, 0, len(r.pipelines))
	for _, state := range r.pipelines {
		out = append(out, *state)
	}
	return out
}

// UpdateStatus transitions a pipeline's status. Terminal statuses are
// sticky: attempts to leave completed/failed return an error.
func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.pipelines[id]
	if !ok {
		return errors.New(errors.ErrorTypeNotFound, "pipeline not registered").WithDetail("pipeline_id", id)
	}
	if state.Status.IsTerminal() {
		if state.Status == status {
			return nil
		}
		return errors.New(errors.ErrorTypeValidation, "pipeline is in a terminal state").
			WithDetail("pipeline_id", id).
			WithDetail("status", string(state.Status))
	}

	r.transitionLocked(state, status)
	return nil
}

func (r *Registry) transitionLocked(state *PipelineState, status Status) {
	state.Status = status
	state.LastUpdatedAt = time.Now()
	if status.IsTerminal() {
		now := state.LastUpdatedAt
		state.CompletedAt = &now
	}
}

// RecordProgress adds processed records and updates memory usage. It is
// an O(1) keyed write and refreshes the stall-detection clock.
func (r *Registry) RecordProgress(id string, records, memoryBytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.pipelines[id]
	if !ok {
		return errors.New(errors.ErrorTypeNotFound, "pipeline not registered").WithDetail("pipeline_id", id)
	}

	state.RecordsProcessed += records
	if memoryBytes >= 0 {
		state.MemoryUsageBytes = memoryBytes
	}
	state.LastUpdatedAt = time.Now()
	return nil
}

// sweep removes terminal-state entries older than the retention window.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, state := range r.pipelines {
		if state.Status.IsTerminal() && state.CompletedAt != nil &&
			now.Sub(*state.CompletedAt) > r.retention {
			delete(r.pipelines, id)
			r.logger.Debug("swept terminal pipeline", zap.String("pipeline_id", id))
		}
	}
}
