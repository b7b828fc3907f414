package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Store.Match when no entry matches the request.
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationGone is returned when writing into a generation that was deleted.
	ErrGenerationGone = errors.New("cache generation no longer exists")
	// ErrStorageClosed is returned after the storage has been closed.
	ErrStorageClosed = errors.New("cache storage closed")
)

// Entry is one stored response.
type Entry struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Response rebuilds an http.Response for req from the stored entry.
// Every call returns an independent body.
func (e *Entry) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Store holds the entries of one cache generation.
type Store interface {
	// Match returns the entry stored for req or ErrNotFound.
	Match(req *http.Request) (*Entry, error)
	// Put stores e for req, replacing any previous entry. Concurrent puts for the
	// same request are allowed; the last one wins.
	Put(req *http.Request, e *Entry) error
}

// Storage is a set of named cache generations.
type Storage interface {
	// Open returns the named generation, creating it if needed.
	Open(name string) (Store, error)
	// Delete removes a generation and reports whether it existed.
	Delete(name string) (bool, error)
	// Keys lists the names of all stored generations.
	Keys() ([]string, error)
}

// RequestKey is the key an entry is stored under: method and full URL.
func RequestKey(req *http.Request) string {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + req.URL.String()
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid cache generation name %q", name)
	}
	return nil
}
