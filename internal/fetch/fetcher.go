package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"splatstream/internal/logger"
	"splatstream/internal/metrics"
)

const defaultChunkSize = 64 * 1024

// maxPrealloc caps how much a Content-Length header may make us allocate up front.
const maxPrealloc = 1 << 30

// ErrNoBody is returned when a response carries no readable body stream.
var ErrNoBody = errors.New("response has no readable body")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d from %s", e.StatusCode, e.URL)
}

// ProgressFunc receives the cumulative bytes received and the expected total (> 0).
type ProgressFunc func(received, total int64)

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads one URL at a time while reporting byte-level progress.
// It holds no per-download state, so one Fetcher may serve concurrent downloads.
type Fetcher struct {
	httpClient Doer
	logger     logger.Logger
	userAgent  string
	chunkSize  int
}

// New creates a Fetcher on top of client.
func New(client Doer, opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: client,
		logger:     logger.Discard{},
		chunkSize:  defaultChunkSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Client returns the underlying client.
func (f *Fetcher) Client() Doer {
	return f.httpClient
}

// Fetch performs a GET on url and returns the whole body as one buffer.
//
// onProgress is called after every chunk when the Content-Length is known; with an unknown
// length nothing is reported. Cancelling ctx aborts the transfer.
func (f *Fetcher) Fetch(ctx context.Context, url string, onProgress ProgressFunc) ([]byte, error) {
	resp, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	total := ContentLength(resp.Header)

	var out bytes.Buffer
	if total > 0 && total <= maxPrealloc {
		out.Grow(int(total))
	}

	buf := make([]byte, f.chunkSize)
	var received int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
			received += int64(n)
			metrics.FetchedBytes.Add(float64(n))
			if total > 0 && onProgress != nil {
				onProgress(received, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed while reading body of %s: %w", url, readErr)
		}
	}

	f.logger.Debugf("Fetched %s: %d bytes (expected %d)", url, received, total)
	return out.Bytes(), nil
}

// Drain performs a GET on url and discards the body, returning its size. Nothing
// is buffered here, but transports underneath (the runtime cache) still see the
// whole body.
func (f *Fetcher) Drain(ctx context.Context, url string) (int64, error) {
	resp, err := f.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	metrics.FetchedBytes.Add(float64(n))
	if err != nil {
		return n, fmt.Errorf("failed while reading body of %s: %w", url, err)
	}
	f.logger.Debugf("Drained %s: %d bytes", url, n)
	return n, nil
}

// get sends the request and checks the status. On success the body is non-nil
// and owned by the caller.
func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	f.logger.Debugf("Fetching %s", url)
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	if resp.Body == nil {
		return nil, ErrNoBody
	}
	return resp, nil
}

// ContentLength returns the Content-Length header value, or 0 when absent or invalid.
func ContentLength(h http.Header) int64 {
	v := h.Get("Content-Length")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
