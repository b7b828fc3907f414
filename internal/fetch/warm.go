package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultWarmRetries    = 3
	defaultWarmRetryDelay = 100 * time.Millisecond
)

// WarmResult reports the outcome of prefetching one URL.
type WarmResult struct {
	URL      string
	Bytes    int64
	Attempts int
	Err      error
}

// Warmer downloads URLs through a Fetcher only for the side effect of
// populating the cache underneath it. Unlike asset loads it retries.
type Warmer struct {
	fetcher    *Fetcher
	retries    int
	retryDelay time.Duration
}

// NewWarmer creates a Warmer on top of fetcher.
func NewWarmer(fetcher *Fetcher) *Warmer {
	return &Warmer{
		fetcher:    fetcher,
		retries:    defaultWarmRetries,
		retryDelay: defaultWarmRetryDelay,
	}
}

// WithRetries overrides the attempts per URL and the delay between them.
func (w *Warmer) WithRetries(retries int, delay time.Duration) *Warmer {
	if retries > 0 {
		w.retries = retries
	}
	w.retryDelay = delay
	return w
}

// Warm downloads url without keeping the body, retrying failed attempts.
// Client errors (4xx other than 408 and 429) are not retried.
func (w *Warmer) Warm(ctx context.Context, url string) WarmResult {
	res := WarmResult{URL: url}
	var lastErr error
	for attempt := 1; attempt <= w.retries; attempt++ {
		res.Attempts = attempt
		w.fetcher.logger.Debugf("Warming %s (Attempt %d/%d)", url, attempt, w.retries)
		n, err := w.fetcher.Drain(ctx, url)
		if err == nil {
			res.Bytes = n
			return res
		}
		lastErr = fmt.Errorf("warm attempt %d failed for %s: %w", attempt, url, err)
		w.fetcher.logger.Warnf("%v", lastErr)
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		if attempt < w.retries && w.retryDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.retryDelay):
			}
		}
	}
	res.Err = fmt.Errorf("failed to warm %s after %d attempts: %w", url, res.Attempts, lastErr)
	return res
}

func retryable(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return true
	}
	switch statusErr.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return statusErr.StatusCode < 400 || statusErr.StatusCode >= 500
}

// WarmAll warms every URL with at most parallel downloads in flight. Results
// come back in input order; failed URLs do not stop the others.
func (w *Warmer) WarmAll(ctx context.Context, urls []string, parallel int) []WarmResult {
	if parallel <= 0 {
		parallel = 1
	}
	results := make([]WarmResult, len(urls))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			res := w.Warm(gctx, url)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
