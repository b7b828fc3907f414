package fetch_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"splatstream/internal/cache"
	"splatstream/internal/fetch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWarmer_Success verifies a successful warm-up on the first attempt.
func TestWarmer_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "splat data")
	}))
	defer server.Close()

	warmer := fetch.NewWarmer(fetch.New(fetch.NewHTTPClient(nil, 0)))
	res := warmer.Warm(context.Background(), server.URL+"/a.ply")
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(len("splat data")), res.Bytes)
	assert.Equal(t, 1, res.Attempts)
}

// TestWarmer_RetryThenSuccess verifies that failed attempts are retried.
func TestWarmer_RetryThenSuccess(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requestCount, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "final splat data")
	}))
	defer server.Close()

	warmer := fetch.NewWarmer(fetch.New(fetch.NewHTTPClient(nil, 0))).WithRetries(3, time.Millisecond)
	res := warmer.Warm(context.Background(), server.URL+"/a.ply")
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requestCount), "Expected exactly 3 attempts")
}

// TestWarmer_GivesUp verifies the error after the last attempt.
func TestWarmer_GivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	warmer := fetch.NewWarmer(fetch.New(fetch.NewHTTPClient(nil, 0))).WithRetries(2, 0)
	res := warmer.Warm(context.Background(), server.URL+"/a.ply")
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "after 2 attempts")
	assert.Contains(t, res.Err.Error(), "502")
}

// TestWarmer_WarmAllRespectsLimit verifies ordering and the concurrency bound.
func TestWarmer_WarmAllRespectsLimit(t *testing.T) {
	var inFlight, maxInFlight int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		if r.URL.Path == "/bad.ply" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, r.URL.Path)
	}))
	defer server.Close()

	urls := []string{
		server.URL + "/a.ply",
		server.URL + "/bad.ply",
		server.URL + "/c.ply",
		server.URL + "/d.ply",
		server.URL + "/e.ply",
	}
	warmer := fetch.NewWarmer(fetch.New(fetch.NewHTTPClient(nil, 0))).WithRetries(1, 0)
	results := warmer.WarmAll(context.Background(), urls, 2)

	require.Len(t, results, len(urls))
	for i, res := range results {
		assert.Equal(t, urls[i], res.URL)
	}
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[4].Err)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
}

// TestWarmer_ClientErrorIsNotRetried verifies that a 404 fails on the first attempt.
func TestWarmer_ClientErrorIsNotRetried(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	warmer := fetch.NewWarmer(fetch.New(fetch.NewHTTPClient(nil, 0))).WithRetries(3, 0)
	res := warmer.Warm(context.Background(), server.URL+"/gone.ply")
	require.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	assert.Contains(t, res.Err.Error(), "after 1 attempts")
}

// TestWarmer_TooManyRequestsIsRetried verifies that throttling responses are retried.
func TestWarmer_TooManyRequestsIsRetried(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requestCount, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "splat")
	}))
	defer server.Close()

	warmer := fetch.NewWarmer(fetch.New(fetch.NewHTTPClient(nil, 0))).WithRetries(3, 0)
	res := warmer.Warm(context.Background(), server.URL+"/a.ply")
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
}

// TestWarmer_StoresWithoutBuffering verifies that a drained body still lands in the runtime cache.
func TestWarmer_StoresWithoutBuffering(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		fmt.Fprint(w, "ply body")
	}))
	defer server.Close()

	rc := cache.New(cache.NewMemoryStorage(nil), nil, cache.Options{})
	require.NoError(t, rc.Start(context.Background()))
	f := fetch.New(fetch.NewHTTPClient(rc, 0))

	res := fetch.NewWarmer(f).Warm(context.Background(), server.URL+"/room.ply")
	require.NoError(t, res.Err)
	assert.Equal(t, int64(len("ply body")), res.Bytes)

	data, err := f.Fetch(context.Background(), server.URL+"/room.ply", nil)
	require.NoError(t, err)
	assert.Equal(t, "ply body", string(data))
	assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
}
