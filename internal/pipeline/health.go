package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/accountex-org/reportstream/pkg/config"
	"github.com/accountex-org/reportstream/pkg/telemetry"
)

// HealthMonitor periodically inspects registered pipelines. It pauses
// pipelines whose memory usage crosses the threshold, resumes them when
// usage drops back under it, and fails pipelines that have made no
// progress for longer than the stall timeout.
type HealthMonitor struct {
	registry *Registry
	cfg      config.HealthConfig
	sink     telemetry.Sink
	logger   *zap.Logger

	mu          sync.Mutex
	pausedByMem map[string]bool
	stopOnce    sync.Once
	stop        chan struct{}
}

// NewHealthMonitor creates a monitor over the given registry.
func NewHealthMonitor(registry *Registry, cfg config.HealthConfig, sink telemetry.Sink, logger *zap.Logger) *HealthMonitor {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &HealthMonitor{
		registry:    registry,
		cfg:         cfg,
		sink:        sink,
		logger:      logger.With(zap.String("component", "health_monitor")),
		pausedByMem: make(map[string]bool),
		stop:        make(chan struct{}),
	}
}

// Start begins periodic health checks until the context is cancelled or
// Stop is called.
func (h *HealthMonitor) Start(ctx context.Context) {
	interval := h.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.check(time.Now())
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			}
		}
	}()

	h.logger.Info("health monitor started",
		zap.Duration("check_interval", interval),
		zap.Duration("stall_timeout", h.cfg.StallTimeout))
}

// Stop halts the check loop.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// check runs one health pass over every registered pipeline.
func (h *HealthMonitor) check(now time.Time) {
	states := h.registry.List()

	// Summed usage of running pipelines, reported in every health event.
	var totalMemory int64
	for _, state := range states {
		if state.Status == StatusRunning {
			totalMemory += state.MemoryUsageBytes
		}
	}

	seen := make(map[string]bool, len(states))
	for _, state := range states {
		seen[state.ID] = true

		h.sink.Emit(telemetry.EventHealthCheck, map[string]float64{
			telemetry.KeyMemoryBytes:      float64(state.MemoryUsageBytes),
			telemetry.KeyTotalMemoryBytes: float64(totalMemory),
			"records_processed":           float64(state.RecordsProcessed),
			telemetry.KeyThroughput:       state.Throughput(now),
		}, map[string]string{
			telemetry.KeyPipelineID: state.ID,
			"status":                string(state.Status),
		})

		if state.Status.IsTerminal() {
			continue
		}

		if h.checkStall(state, now) {
			continue
		}
		h.checkMemory(state)
	}

	h.prunePaused(seen)
}

// prunePaused drops pause bookkeeping for pipelines that reached a
// terminal state or were deregistered, so the map cannot grow without
// bound in a long-lived monitor.
func (h *HealthMonitor) prunePaused(seen map[string]bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.pausedByMem {
		if !seen[id] {
			delete(h.pausedByMem, id)
			continue
		}
		if status, ok := h.registry.Status(id); ok && status.IsTerminal() {
			delete(h.pausedByMem, id)
		}
	}
}

// checkStall fails a pipeline whose last progress update is older than
// the stall timeout. Returns true if the pipeline was failed.
func (h *HealthMonitor) checkStall(state PipelineState, now time.Time) bool {
	if h.cfg.StallTimeout <= 0 {
		return false
	}
	idle := now.Sub(state.LastUpdatedAt)
	if idle < h.cfg.StallTimeout {
		return false
	}

	if err := h.registry.UpdateStatus(state.ID, StatusFailed); err != nil {
		return false
	}

	h.sink.Emit(telemetry.EventStalled, map[string]float64{
		"idle_seconds": idle.Seconds(),
	}, map[string]string{
		telemetry.KeyPipelineID: state.ID,
	})
	h.logger.Error("pipeline stalled",
		zap.String("pipeline_id", state.ID),
		zap.Duration("idle", idle),
		zap.Duration("stall_timeout", h.cfg.StallTimeout))
	return true
}

// checkMemory pauses a pipeline whose own reported memory usage
// crosses the threshold and resumes one it previously paused once that
// usage is back under it.
func (h *HealthMonitor) checkMemory(state PipelineState) {
	if h.cfg.MemoryThresholdBytes <= 0 {
		return
	}

	h.mu.Lock()
	pausedByUs := h.pausedByMem[state.ID]
	h.mu.Unlock()

	over := state.MemoryUsageBytes > h.cfg.MemoryThresholdBytes

	switch {
	case over && state.Status == StatusRunning:
		if err := h.registry.UpdateStatus(state.ID, StatusPaused); err != nil {
			return
		}
		h.mu.Lock()
		h.pausedByMem[state.ID] = true
		h.mu.Unlock()

		h.sink.Emit(telemetry.EventMemoryWarning, map[string]float64{
			telemetry.KeyMemoryBytes: float64(state.MemoryUsageBytes),
			"threshold_bytes":        float64(h.cfg.MemoryThresholdBytes),
		}, map[string]string{
			telemetry.KeyPipelineID: state.ID,
		})
		h.logger.Warn("pipeline paused on memory pressure",
			zap.String("pipeline_id", state.ID),
			zap.Int64("memory_usage_bytes", state.MemoryUsageBytes),
			zap.Int64("threshold_bytes", h.cfg.MemoryThresholdBytes))

	case !over && state.Status == StatusPaused && pausedByUs:
		// Only resume pauses this monitor applied; an operator pause
		// stays paused.
		if err := h.registry.UpdateStatus(state.ID, StatusRunning); err != nil {
			return
		}
		h.mu.Lock()
		delete(h.pausedByMem, state.ID)
		h.mu.Unlock()

		h.logger.Info("pipeline resumed after memory recovery",
			zap.String("pipeline_id", state.ID),
			zap.Int64("memory_usage_bytes", state.MemoryUsageBytes))
	}
}
