package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accountex-org/reportstream/pkg/models"
)

func sliceOf(n int) []*models.Record {
	records := make([]*models.Record, n)
	for i := 0; i < n; i++ {
		records[i] = models.NewRecord("test", map[string]interface{}{"id": i})
	}
	return records
}

func TestSliceSourcePaging(t *testing.T) {
	src := NewSliceSource(sliceOf(25))
	ctx := context.Background()

	page, err := src.Fetch(ctx, Query{}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page, 10)

	page, err = src.Fetch(ctx, Query{}, 20, 10)
	require.NoError(t, err)
	assert.Len(t, page, 5)

	page, err = src.Fetch(ctx, Query{}, 25, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	// identical windows return identical pages
	a, _ := src.Fetch(ctx, Query{}, 5, 5)
	b, _ := src.Fetch(ctx, Query{}, 5, 5)
	assert.Equal(t, a, b)
}

func TestCSVSourcePaging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.csv")
	content := "region,amount\nna,10\nna,20\neu,30\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src := NewCSVSource(path)
	ctx := context.Background()

	page, err := src.Fetch(ctx, Query{}, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "na", page[0].FieldString("region"))

	// string cells coerce to numbers on demand
	amount, ok := page[1].Float("amount")
	require.True(t, ok)
	assert.Equal(t, 20.0, amount)

	page, err = src.Fetch(ctx, Query{}, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Equal(t, "eu", page[0].FieldString("region"))
}

func TestCSVSourceMissingFile(t *testing.T) {
	src := NewCSVSource(filepath.Join(t.TempDir(), "absent.csv"))
	_, err := src.Fetch(context.Background(), Query{}, 0, 10)
	assert.Error(t, err)
}

func TestCSVSourceCancelledContext(t *testing.T) {
	src := NewCSVSource("irrelevant.csv")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Fetch(ctx, Query{}, 0, 10)
	assert.ErrorIs(t, err, context.Canceled)
}
