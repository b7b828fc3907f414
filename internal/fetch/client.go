package fetch

import (
	"net/http"
	"time"

	"splatstream/internal/logger"
)

// NewHTTPClient builds the client used for asset downloads.
//
// next is the transport requests go through (typically the runtime cache); nil uses a
// fresh transport. timeout bounds a whole download, zero leaves it to the transport.
func NewHTTPClient(next http.RoundTripper, timeout time.Duration) *http.Client {
	if next == nil {
		next = NewTransport()
	}
	return &http.Client{
		Transport: next,
		Timeout:   timeout,
	}
}

// NewTransport returns the network transport asset downloads end up on.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithChunkSize sets the read buffer size, i.e. the maximum bytes between progress reports.
func WithChunkSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.chunkSize = n
		}
	}
}

// WithLogger sets the fetcher's logger.
func WithLogger(log logger.Logger) Option {
	return func(f *Fetcher) { f.logger = log }
}
