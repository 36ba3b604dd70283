package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/accountex-org/reportstream/pkg/errors"
	"github.com/accountex-org/reportstream/pkg/models"
	"github.com/accountex-org/reportstream/pkg/source"
)

// FlakySource wraps a PagedDataSource and fails a configured number of
// times before delegating. Failures are transient fetch errors, so the
// fetch stage's retry policy should absorb them.
type FlakySource struct {
	inner    source.PagedDataSource
	failures int32
	calls    int64
}

// NewFlakySource creates a source that fails the first failures calls.
func NewFlakySource(inner source.PagedDataSource, failures int) *FlakySource {
	return &FlakySource{inner: inner, failures: int32(failures)}
}

// Fetch implements source.PagedDataSource.
func (s *FlakySource) Fetch(ctx context.Context, query source.Query, offset, limit int) ([]*models.Record, error) {
	atomic.AddInt64(&s.calls, 1)
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return nil, errors.New(errors.ErrorTypeFetch, "injected transient failure")
	}
	return s.inner.Fetch(ctx, query, offset, limit)
}

// Calls returns the total number of Fetch invocations.
func (s *FlakySource) Calls() int64 {
	return atomic.LoadInt64(&s.calls)
}

// FailingSource always fails. Used for retry-exhaustion tests.
type FailingSource struct {
	calls int64
}

// NewFailingSource creates a source whose Fetch never succeeds.
func NewFailingSource() *FailingSource {
	return &FailingSource{}
}

// Fetch implements source.PagedDataSource.
func (s *FailingSource) Fetch(context.Context, source.Query, int, int) ([]*models.Record, error) {
	atomic.AddInt64(&s.calls, 1)
	return nil, errors.New(errors.ErrorTypeFetch, "permanent failure")
}

// Calls returns the total number of Fetch invocations.
func (s *FailingSource) Calls() int64 {
	return atomic.LoadInt64(&s.calls)
}

// BlockingSource delegates to an inner source but can be paused so that
// tests can hold the fetch stage mid-stream at a known offset.
type BlockingSource struct {
	inner   source.PagedDataSource
	mu      sync.Mutex
	gate    chan struct{}
	fetched int64
}

// NewBlockingSource creates an unblocked source over inner.
func NewBlockingSource(inner source.PagedDataSource) *BlockingSource {
	return &BlockingSource{inner: inner}
}

// Block causes subsequent Fetch calls to wait until Unblock.
func (s *BlockingSource) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Unblock releases any waiting Fetch calls.
func (s *BlockingSource) Unblock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Fetch implements source.PagedDataSource.
func (s *BlockingSource) Fetch(ctx context.Context, query source.Query, offset, limit int) ([]*models.Record, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	page, err := s.inner.Fetch(ctx, query, offset, limit)
	if err == nil {
		atomic.AddInt64(&s.fetched, int64(len(page)))
	}
	return page, err
}

// Fetched returns the total number of records served.
func (s *BlockingSource) Fetched() int64 {
	return atomic.LoadInt64(&s.fetched)
}
