package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testFetcher() *Fetcher {
	return New(Options{
		BaseBackoff: time.Millisecond,
		Limiter:     rate.NewLimiter(rate.Inf, 1),
	})
}

func TestIsRemote(t *testing.T) {
	assert.True(t, IsRemote("https://example.com/spons.xlsx"))
	assert.True(t, IsRemote("http://example.com/spons.csv"))
	assert.False(t, IsRemote("exports/spons.csv"))
	assert.False(t, IsRemote("/tmp/https.csv"))
}

func TestDownloadToTemp(t *testing.T) {
	body := "item_code,description,unit\nM10,Pump,nr\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "spons-match/1.0", r.UserAgent())
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	path, n, err := testFetcher().DownloadToTemp(context.Background(), srv.URL+"/exports/Mechanical.CSV")
	require.NoError(t, err)
	defer os.Remove(path) //nolint:errcheck

	assert.Equal(t, ".csv", filepath.Ext(path))
	assert.Equal(t, int64(len(body)), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "M10,Pump,nr")
}

func TestDownloadToTemp_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	path, _, err := testFetcher().DownloadToTemp(context.Background(), srv.URL+"/spons.xlsx")
	require.NoError(t, err)
	defer os.Remove(path) //nolint:errcheck

	assert.Equal(t, int32(3), calls.Load())
}

func TestDownloadToTemp_RetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, _, err := testFetcher().DownloadToTemp(context.Background(), srv.URL+"/spons.xlsx")
	assert.ErrorContains(t, err, "all retries exhausted")
}

func TestDownloadToTemp_NotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, _, err := testFetcher().DownloadToTemp(context.Background(), srv.URL+"/missing.csv")
	assert.ErrorContains(t, err, "unexpected status 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDownloadToTemp_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := New(Options{}).DownloadToTemp(ctx, "https://example.com/spons.csv")
	assert.Error(t, err)
}
