package shim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

const blobScheme = "blob"

// ErrUnknownBlob is returned when fetching a blob URL that was never created or is revoked.
var ErrUnknownBlob = errors.New("unknown or revoked blob URL")

type blob struct {
	data        []byte
	contentType string
}

// BlobStore hands out process-local blob: URLs for in-memory buffers, so a
// handler that can only load from a URL can read bytes we already hold.
type BlobStore struct {
	origin string

	mutex sync.RWMutex
	blobs map[string]blob
}

// NewBlobStore creates an empty store. origin becomes part of every URL.
func NewBlobStore(origin string) *BlobStore {
	if origin == "" {
		origin = "splatstream"
	}
	return &BlobStore{origin: origin, blobs: make(map[string]blob)}
}

// Create registers data and returns the URL it can be fetched from.
func (s *BlobStore) Create(data []byte, contentType string) string {
	url := fmt.Sprintf("%s:%s/%s", blobScheme, s.origin, uuid.NewString())
	s.mutex.Lock()
	s.blobs[url] = blob{data: data, contentType: contentType}
	s.mutex.Unlock()
	return url
}

// Revoke releases url. Revoking an unknown URL is a no-op.
func (s *BlobStore) Revoke(url string) {
	s.mutex.Lock()
	delete(s.blobs, url)
	s.mutex.Unlock()
}

// Len returns the number of live blob URLs.
func (s *BlobStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.blobs)
}

// RoundTrip serves GET requests for blob: URLs.
func (s *BlobStore) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != blobScheme {
		return nil, fmt.Errorf("blob store cannot serve scheme %q", req.URL.Scheme)
	}
	url := req.URL.String()
	s.mutex.RLock()
	b, found := s.blobs[url]
	s.mutex.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlob, url)
	}

	header := http.Header{}
	header.Set("Content-Length", strconv.Itoa(len(b.data)))
	if b.contentType != "" {
		header.Set("Content-Type", b.contentType)
	}
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(b.data)),
		ContentLength: int64(len(b.data)),
		Request:       req,
	}, nil
}

// Wrap returns a transport that serves blob: URLs from the store and sends everything else to next.
func (s *BlobStore) Wrap(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Scheme == blobScheme {
			return s.RoundTrip(req)
		}
		return next.RoundTrip(req)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
