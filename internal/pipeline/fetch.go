package pipeline

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/accountex-org/reportstream/pkg/config"
	"github.com/accountex-org/reportstream/pkg/errors"
	"github.com/accountex-org/reportstream/pkg/models"
	"github.com/accountex-org/reportstream/pkg/observability"
	"github.com/accountex-org/reportstream/pkg/source"
	"github.com/accountex-org/reportstream/pkg/telemetry"
)

// degradedThreshold is the fraction of the memory limit above which the
// fetch stage halves its effective chunk size.
const degradedThreshold = 0.8

// FetchStage is the demand-driven chunked fetch producer. On a demand
// of n items it pulls successive pages from the paged source until at
// least n records are produced or the source is exhausted, honoring
// the registry's circuit breaker, the retry policy, and degraded mode.
//
// Demand must be called from a single consumer goroutine; the memory
// monitor is the only concurrent writer and touches the effective
// chunk size through atomics.
type FetchStage struct {
	pipelineID string
	src        source.PagedDataSource
	query      source.Query
	cfg        config.FetchConfig

	registry *Registry
	cache    *Cache
	retry    *RetryPolicy
	sink     telemetry.Sink
	logger   *zap.Logger

	// offset is the next page offset; owned by the demand loop
	offset int64

	baseChunk      int32
	effectiveChunk int32
	degraded       int32
	retryCount     int32
	completed      int32
	failed         int32
	completeOnce   sync.Once

	resumePoll time.Duration

	// memProbe reports current process memory usage; replaceable in tests
	memProbe func() int64

	monitorStop chan struct{}
	monitorOnce sync.Once
}

// NewFetchStage creates a fetch stage for a registered pipeline. The
// cache may be nil to bypass result caching.
func NewFetchStage(pipelineID string, src source.PagedDataSource, query source.Query,
	cfg config.FetchConfig, registry *Registry, cache *Cache,
	sink telemetry.Sink, logger *zap.Logger) *FetchStage {

	if sink == nil {
		sink = telemetry.NopSink{}
	}

	retry := NewRetryPolicy(cfg.MaxRetries, cfg.RetryBackoffBase)
	if cfg.RetryBackoffBase <= 0 {
		retry.InitialDelay = time.Second
	}

	resumePoll := cfg.ResumePollInterval
	if resumePoll <= 0 {
		resumePoll = time.Second
	}

	return &FetchStage{
		pipelineID:     pipelineID,
		src:            src,
		query:          query,
		cfg:            cfg,
		registry:       registry,
		cache:          cache,
		retry:          retry,
		sink:           sink,
		logger:         logger.With(zap.String("component", "fetch"), zap.String("pipeline_id", pipelineID)),
		baseChunk:      int32(cfg.ChunkSize),
		effectiveChunk: int32(cfg.ChunkSize),
		resumePoll:     resumePoll,
		memProbe:       processMemoryBytes,
		monitorStop:    make(chan struct{}),
	}
}

// Start launches the degraded-mode memory monitor.
func (s *FetchStage) Start(ctx context.Context) {
	interval := s.cfg.MemoryCheckInterval
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.monitorStop:
				return
			case <-ticker.C:
				s.checkMemory()
			}
		}
	}()
}

// Stop halts the memory monitor. Idempotent.
func (s *FetchStage) Stop() {
	s.monitorOnce.Do(func() { close(s.monitorStop) })
}

// Demand pulls at least n records (rounded up to page granularity)
// from the source. It returns whatever was fetched; completion and
// failure surface via Done/State and the registry, not as a demand
// error. The only error returned is context cancellation.
func (s *FetchStage) Demand(ctx context.Context, n int) ([]*models.Record, error) {
	if s.Done() || n <= 0 {
		return nil, nil
	}

	ctx, span := observability.StartSpan(ctx, "fetch.demand",
		attribute.String("pipeline_id", s.pipelineID),
		attribute.Int("demand", n))
	defer span.End()

	var out []*models.Record
	for len(out) < n && !s.Done() {
		if err := s.waitWhilePaused(ctx); err != nil {
			return out, err
		}
		if s.Done() {
			break
		}

		limit := int(atomic.LoadInt32(&s.effectiveChunk))
		if limit <= 0 {
			limit = 1
		}

		page, ok := s.fetchPage(ctx, int(atomic.LoadInt64(&s.offset)), limit)
		if !ok {
			// Retry budget exhausted; pipeline already marked failed.
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		if len(page) > 0 {
			out = append(out, page...)
			atomic.AddInt64(&s.offset, int64(len(page)))
			if err := s.registry.RecordProgress(s.pipelineID, int64(len(page)), s.memProbe()); err != nil {
				s.logger.Warn("failed to record progress", zap.Error(err))
			}
		}

		// A page shorter than the requested limit means exhaustion.
		if len(page) < limit {
			s.markCompleted()
		}
	}

	return out, nil
}

// fetchPage serves one page, consulting the cache before the source and
// applying the retry policy to source failures. The second return is
// false when the retry budget was exhausted.
func (s *FetchStage) fetchPage(ctx context.Context, offset, limit int) ([]*models.Record, bool) {
	key := GenerateKey(s.query, offset, limit)
	if s.cache != nil {
		if page, hit := s.cache.Get(key); hit {
			return page, true
		}
	}

	var page []*models.Record
	err := s.retry.Execute(ctx, func() error {
		fetched, ferr := s.src.Fetch(ctx, s.query, offset, limit)
		if ferr != nil {
			atomic.AddInt32(&s.retryCount, 1)
			if errors.IsType(ferr, errors.ErrorTypeFetch) {
				return ferr
			}
			return errors.Wrap(ferr, errors.ErrorTypeFetch, "page fetch failed").
				WithDetail("offset", offset).
				WithDetail("limit", limit)
		}
		page = fetched
		return nil
	}, func(attempt int) {
		s.logger.Warn("retrying page fetch",
			zap.Int("offset", offset),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", s.retry.GetDelay(attempt-1)))
	})

	if err != nil {
		if ctx.Err() != nil {
			return nil, true
		}
		s.markFailed(err)
		return nil, false
	}

	// A successful page resets the retry counter.
	atomic.StoreInt32(&s.retryCount, 0)

	if s.cache != nil {
		s.cache.Put(key, page)
	}
	return page, true
}

// waitWhilePaused implements the circuit breaker: while the registry
// marks the pipeline paused, fetching stops and the stage polls for
// resume. No offset progress is lost across a pause.
func (s *FetchStage) waitWhilePaused(ctx context.Context) error {
	for {
		status, ok := s.registry.Status(s.pipelineID)
		if !ok {
			return errors.New(errors.ErrorTypeNotFound, "pipeline no longer registered")
		}

		switch status {
		case StatusPaused:
			// Keep the registry's memory reading fresh while paused so
			// the health monitor can observe recovery and resume us.
			if err := s.registry.RecordProgress(s.pipelineID, 0, s.memProbe()); err != nil {
				s.logger.Warn("failed to refresh memory usage", zap.Error(err))
			}
			s.logger.Debug("circuit breaker open, polling for resume",
				zap.Int64("offset", atomic.LoadInt64(&s.offset)))
		case StatusFailed:
			atomic.StoreInt32(&s.failed, 1)
			return nil
		case StatusCompleted:
			atomic.StoreInt32(&s.completed, 1)
			return nil
		default:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.resumePoll):
		}
	}
}

// checkMemory implements degraded mode: above 80% of the memory limit
// the effective chunk size is halved; once usage drops it is restored.
func (s *FetchStage) checkMemory() {
	if s.cfg.MemoryLimitBytes <= 0 {
		return
	}

	usage := s.memProbe()
	threshold := int64(float64(s.cfg.MemoryLimitBytes) * degradedThreshold)

	if usage > threshold {
		current := atomic.LoadInt32(&s.effectiveChunk)
		halved := current / 2
		if halved < 1 {
			halved = 1
		}
		atomic.StoreInt32(&s.effectiveChunk, halved)

		if atomic.CompareAndSwapInt32(&s.degraded, 0, 1) {
			s.logger.Warn("entering degraded mode",
				zap.Int64("memory_usage_bytes", usage),
				zap.Int64("memory_limit_bytes", s.cfg.MemoryLimitBytes),
				zap.Int32("effective_chunk_size", halved))
			s.sink.Emit(telemetry.EventDegraded,
				map[string]float64{"active": 1, "memory_usage_bytes": float64(usage)},
				map[string]string{telemetry.KeyPipelineID: s.pipelineID})
		}
		return
	}

	if atomic.CompareAndSwapInt32(&s.degraded, 1, 0) {
		atomic.StoreInt32(&s.effectiveChunk, atomic.LoadInt32(&s.baseChunk))
		s.logger.Info("leaving degraded mode",
			zap.Int64("memory_usage_bytes", usage))
		s.sink.Emit(telemetry.EventDegraded,
			map[string]float64{"active": 0, "memory_usage_bytes": float64(usage)},
			map[string]string{telemetry.KeyPipelineID: s.pipelineID})
	}
}

func (s *FetchStage) markCompleted() {
	s.completeOnce.Do(func() {
		atomic.StoreInt32(&s.completed, 1)
		if err := s.registry.UpdateStatus(s.pipelineID, StatusCompleted); err != nil {
			s.logger.Warn("failed to mark pipeline completed", zap.Error(err))
		}
		s.logger.Info("source exhausted, pipeline completed",
			zap.Int64("records_fetched", atomic.LoadInt64(&s.offset)))
		s.sink.Emit(telemetry.EventCompleted,
			map[string]float64{"records": float64(atomic.LoadInt64(&s.offset))},
			map[string]string{telemetry.KeyPipelineID: s.pipelineID})
	})
}

func (s *FetchStage) markFailed(err error) {
	atomic.StoreInt32(&s.failed, 1)
	if uerr := s.registry.UpdateStatus(s.pipelineID, StatusFailed); uerr != nil {
		s.logger.Warn("failed to mark pipeline failed", zap.Error(uerr))
	}
	s.logger.Error("fetch retry budget exhausted, pipeline failed",
		zap.Int64("offset", atomic.LoadInt64(&s.offset)),
		zap.Error(err))
	s.sink.Emit(telemetry.EventException,
		map[string]float64{"offset": float64(atomic.LoadInt64(&s.offset))},
		map[string]string{
			telemetry.KeyPipelineID: s.pipelineID,
			"reason":                "retry_exhausted",
			"error":                 err.Error(),
		})
}

// Done reports whether the stage reached a terminal state.
func (s *FetchStage) Done() bool {
	return atomic.LoadInt32(&s.completed) == 1 || atomic.LoadInt32(&s.failed) == 1
}

// Offset returns the next page offset.
func (s *FetchStage) Offset() int64 {
	return atomic.LoadInt64(&s.offset)
}

// RetryCount returns consecutive failed fetch attempts since the last
// successful page.
func (s *FetchStage) RetryCount() int {
	return int(atomic.LoadInt32(&s.retryCount))
}

// EffectiveChunkSize returns the current page size, reduced while in
// degraded mode.
func (s *FetchStage) EffectiveChunkSize() int {
	return int(atomic.LoadInt32(&s.effectiveChunk))
}

// State returns the stage's current state. Paused and degraded are
// modifiers of active; degraded wins when both apply to keep the more
// actionable signal visible.
func (s *FetchStage) State() FetchState {
	switch {
	case atomic.LoadInt32(&s.failed) == 1:
		return FetchFailed
	case atomic.LoadInt32(&s.completed) == 1:
		return FetchCompleted
	case atomic.LoadInt32(&s.degraded) == 1:
		return FetchDegraded
	}
	if status, ok := s.registry.Status(s.pipelineID); ok && status == StatusPaused {
		return FetchPaused
	}
	return FetchActive
}

// processMemoryBytes returns the process resident set size, falling
// back to zero when the probe fails.
func processMemoryBytes() int64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0
	}
	return int64(info.RSS)
}
