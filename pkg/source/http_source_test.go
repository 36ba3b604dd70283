package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/accountex-org/reportstream/pkg/errors"
)

func pagedHandler(t *testing.T, total int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[`)
		wrote := 0
		for i := offset; i < total && i < offset+limit; i++ {
			if wrote > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"id":"r%d","region":"na","amount":%d}`, i, i)
			wrote++
		}
		fmt.Fprint(w, `]}`)
	}
}

func TestHTTPSourcePaging(t *testing.T) {
	srv := httptest.NewServer(pagedHandler(t, 25))
	defer srv.Close()

	cfg := NewHTTPSourceConfig(srv.URL)
	cfg.RecordsField = "data"
	cfg.IDField = "id"
	src := NewHTTPSource(cfg, zaptest.NewLogger(t))

	page, err := src.Fetch(context.Background(), Query{Source: "orders"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, "r0", page[0].ID)
	assert.Equal(t, int64(0), page[0].Metadata.Offset)

	amount, ok := page[3].Float("amount")
	require.True(t, ok)
	assert.Equal(t, 3.0, amount)

	// short final page signals exhaustion
	page, err = src.Fetch(context.Background(), Query{}, 20, 10)
	require.NoError(t, err)
	assert.Len(t, page, 5)
}

func TestHTTPSourceTopLevelArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"amount":1},{"amount":2}]`)
	}))
	defer srv.Close()

	src := NewHTTPSource(NewHTTPSourceConfig(srv.URL), zaptest.NewLogger(t))
	page, err := src.Fetch(context.Background(), Query{}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestHTTPSourceServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewHTTPSource(NewHTTPSourceConfig(srv.URL), zaptest.NewLogger(t))
	_, err := src.Fetch(context.Background(), Query{}, 0, 10)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestHTTPSourceClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	src := NewHTTPSource(NewHTTPSourceConfig(srv.URL), zaptest.NewLogger(t))
	_, err := src.Fetch(context.Background(), Query{}, 0, 10)
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestHTTPSourceForwardsQueryAndHeaders(t *testing.T) {
	var gotFilter, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilter = r.URL.Query().Get("filter")
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	cfg := NewHTTPSourceConfig(srv.URL)
	cfg.Headers = map[string]string{"Authorization": "Bearer token"}
	src := NewHTTPSource(cfg, zaptest.NewLogger(t))

	_, err := src.Fetch(context.Background(), Query{Filter: "status=paid"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "status=paid", gotFilter)
	assert.Equal(t, "Bearer token", gotAuth)
}
