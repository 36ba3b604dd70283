// Package source defines the paged data source contract consumed by the
// fetch stage, plus built-in sources. Sources are stateless between calls;
// the paging loop is owned by the fetch stage.
package source

import (
	"context"
	"sync"

	"github.com/accountex-org/reportstream/pkg/models"
)

// Query identifies what a pipeline fetches. Together with a pagination
// window it forms the cache fingerprint, so two pipelines issuing the
// same query at the same offset share cached pages.
type Query struct {
	// Source names the underlying dataset (table, resource, file)
	Source string `yaml:"source" json:"source"`
	// Filter is an opaque filter expression owned by the collaborator
	Filter string `yaml:"filter" json:"filter"`
	// Sort is an opaque sort expression owned by the collaborator
	Sort string `yaml:"sort" json:"sort"`
	// LoadSpec names related data to load alongside each record
	LoadSpec string `yaml:"load_spec" json:"load_spec"`
}

// PagedDataSource serves bounded pages of records. Implementations must
// be safe for concurrent use and stateless between calls: identical
// (query, offset, limit) arguments return identical pages.
type PagedDataSource interface {
	// Fetch returns up to limit records starting at offset. A page
	// shorter than limit (including empty) signals exhaustion.
	Fetch(ctx context.Context, query Query, offset, limit int) ([]*models.Record, error)
}

// SliceSource serves records from an in-memory slice. It is the
// deterministic backbone for tests and synthetic workloads.
type SliceSource struct {
	records []*models.Record
	mu      sync.RWMutex
}

// NewSliceSource creates a source over the given records.
func NewSliceSource(records []*models.Record) *SliceSource {
	return &SliceSource{records: records}
}

// Fetch implements PagedDataSource.
func (s *SliceSource) Fetch(ctx context.Context, _ Query, offset, limit int) ([]*models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset >= len(s.records) || limit <= 0 {
		return nil, nil
	}

	end := offset + limit
	if end > len(s.records) {
		end = len(s.records)
	}

	page := make([]*models.Record, end-offset)
	copy(page, s.records[offset:end])
	return page, nil
}

// Len returns the number of records the source holds.
func (s *SliceSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
