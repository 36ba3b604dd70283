package source

import (
	"context"
	"encoding/csv"
	"os"
	"sync"

	"github.com/accountex-org/reportstream/pkg/errors"
	"github.com/accountex-org/reportstream/pkg/models"
)

// CSVSource serves pages from a CSV file with a header row. The file is
// parsed once on first fetch; subsequent pages are served from memory so
// that identical (offset, limit) windows stay identical across calls.
type CSVSource struct {
	path    string
	loadErr error
	records []*models.Record
	once    sync.Once
}

// NewCSVSource creates a paged source over the given CSV file.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

// Fetch implements PagedDataSource.
func (s *CSVSource) Fetch(ctx context.Context, _ Query, offset, limit int) ([]*models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.once.Do(s.load)
	if s.loadErr != nil {
		return nil, errors.Wrap(s.loadErr, errors.ErrorTypeFetch, "failed to load CSV source")
	}

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

func (s *CSVSource) load() {
	f, err := os.Open(s.path) //nolint:gosec // G304: path supplied by operator
	if err != nil {
		s.loadErr = err
		return
	}
	defer f.Close()

	reader := csv.NewReader(f)
	rows, err := reader.ReadAll()
	if err != nil {
		s.loadErr = err
		return
	}

	if len(rows) == 0 {
		return
	}

	header := rows[0]
	records := make([]*models.Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		data := make(map[string]interface{}, len(header))
		for j, col := range header {
			if j < len(row) {
				data[col] = row[j]
			}
		}
		rec := models.NewRecord(s.path, data)
		rec.Metadata.Offset = int64(i)
		records = append(records, rec)
	}
	s.records = records
}
