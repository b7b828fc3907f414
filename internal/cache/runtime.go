package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"splatstream/internal/logger"
	"splatstream/internal/metrics"
)

const (
	// DefaultGeneration is the cache generation name used when none is configured.
	DefaultGeneration = "ply-model-cache-v1"
	// DefaultExtension selects the requests the cache intercepts.
	DefaultExtension = ".ply"

	maxBufferedBody = 1 << 30
)

// State is the lifecycle state of a RuntimeCache.
type State int

const (
	// StateNew has not been installed yet.
	StateNew State = iota
	// StateInstalled owns its generation but does not intercept yet.
	StateInstalled
	// StateActive intercepts matching requests.
	StateActive
	// StatePurged lost its generation to a newer one and passes everything through.
	StatePurged
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	case StatePurged:
		return "purged"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a RuntimeCache.
type Options struct {
	Generation string
	Extension  string
	Logger     logger.Logger
	// Now stamps stored entries; defaults to time.Now.
	Now func() time.Time
}

// RuntimeCache is an http.RoundTripper that serves GET requests for model
// files from a named cache generation and falls through to the network on a
// miss, storing successful responses for later.
type RuntimeCache struct {
	storage    Storage
	next       http.RoundTripper
	generation string
	extension  string
	logger     logger.Logger
	now        func() time.Time

	mutex sync.RWMutex
	state State
	store Store
}

var _ http.RoundTripper = &RuntimeCache{}

// New creates a RuntimeCache on top of storage. next is used for every request
// the cache does not answer itself; nil means http.DefaultTransport.
func New(storage Storage, next http.RoundTripper, opts Options) *RuntimeCache {
	if next == nil {
		next = http.DefaultTransport
	}
	if opts.Generation == "" {
		opts.Generation = DefaultGeneration
	}
	if opts.Extension == "" {
		opts.Extension = DefaultExtension
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RuntimeCache{
		storage:    storage,
		next:       next,
		generation: opts.Generation,
		extension:  strings.ToLower(opts.Extension),
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Generation returns the generation this cache owns.
func (c *RuntimeCache) Generation() string {
	return c.generation
}

// State returns the current lifecycle state.
func (c *RuntimeCache) State() State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state
}

// Install opens the cache generation. It does not wait for older
// generations to be released; Activate may follow immediately.
func (c *RuntimeCache) Install() error {
	store, err := c.storage.Open(c.generation)
	if err != nil {
		return fmt.Errorf("failed to install cache generation %s: %w", c.generation, err)
	}
	c.mutex.Lock()
	c.store = store
	c.state = StateInstalled
	c.mutex.Unlock()
	c.logger.Infof("Installed runtime cache generation %s", c.generation)
	return nil
}

// Activate deletes every generation other than this one and starts
// intercepting requests. Purge failures are collected and returned together;
// the cache is active even when some of them failed.
func (c *RuntimeCache) Activate(ctx context.Context) error {
	if c.State() == StateNew {
		if err := c.Install(); err != nil {
			return err
		}
	}

	names, err := c.storage.Keys()
	if err != nil {
		return fmt.Errorf("failed to list cache generations: %w", err)
	}

	var result *multierror.Error
	for _, name := range names {
		if name == c.generation {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.logger.Infof("Deleting old cache generation %s", name)
		if _, err := c.storage.Delete(name); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to delete cache generation %s: %w", name, err))
			continue
		}
		metrics.CachePurges.Inc()
	}

	c.mutex.Lock()
	c.state = StateActive
	c.mutex.Unlock()
	c.logger.Infof("Runtime cache generation %s is active", c.generation)
	return result.ErrorOrNil()
}

// Start installs and activates the cache in one step.
func (c *RuntimeCache) Start(ctx context.Context) error {
	if err := c.Install(); err != nil {
		return err
	}
	return c.Activate(ctx)
}

// Intercepts reports whether req would be answered through the cache.
func (c *RuntimeCache) Intercepts(req *http.Request) bool {
	if c.State() != StateActive {
		return false
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return false
	}
	return strings.HasSuffix(strings.ToLower(req.URL.Path), c.extension)
}

// RoundTrip implements http.RoundTripper.
//
// A stored response for req is returned without touching the network. On a
// miss the request goes to the network unchanged; a 2xx response is handed
// back immediately and a copy of its body is stored once the caller has read
// it to the end. Network errors are returned as they are.
func (c *RuntimeCache) RoundTrip(req *http.Request) (*http.Response, error) {
	if !c.Intercepts(req) {
		metrics.CacheRequests.WithLabelValues(c.generation, "bypass").Inc()
		return c.next.RoundTrip(req)
	}

	c.mutex.RLock()
	store := c.store
	c.mutex.RUnlock()

	entry, err := store.Match(req)
	if err == nil {
		metrics.CacheRequests.WithLabelValues(c.generation, "hit").Inc()
		c.logger.Debugf("Serving %s from cache %s", req.URL, c.generation)
		return entry.Response(req), nil
	}
	if !errors.Is(err, ErrNotFound) {
		c.logger.Warnf("Cache lookup for %s failed, using network: %v", req.URL, err)
	}

	metrics.CacheRequests.WithLabelValues(c.generation, "miss").Inc()
	resp, err := c.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.Body == nil {
		return resp, nil
	}

	tee := &teeBody{
		ReadCloser: resp.Body,
		onComplete: func(body []byte) { c.put(store, req, resp, body) },
	}
	if resp.ContentLength > 0 && resp.ContentLength <= maxBufferedBody {
		tee.buf.Grow(int(resp.ContentLength))
	}
	resp.Body = tee
	return resp, nil
}

func (c *RuntimeCache) put(store Store, req *http.Request, resp *http.Response, body []byte) {
	entry := &Entry{
		Method:     http.MethodGet,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   c.now(),
	}
	if err := store.Put(req, entry); err != nil {
		if errors.Is(err, ErrGenerationGone) {
			c.mutex.Lock()
			c.state = StatePurged
			c.mutex.Unlock()
			c.logger.Warnf("Cache generation %s was deleted, passing requests through", c.generation)
			return
		}
		c.logger.Warnf("Failed to store %s in cache %s: %v", req.URL, c.generation, err)
		return
	}
	metrics.CacheStores.WithLabelValues(c.generation).Inc()
}

// teeBody copies everything read through it and reports the copy once the
// underlying body reached EOF. Bodies closed early or failing are not reported.
type teeBody struct {
	io.ReadCloser
	buf        bytes.Buffer
	onComplete func([]byte)
	done       bool
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.ReadCloser.Read(p)
	if n > 0 && !t.done {
		t.buf.Write(p[:n])
	}
	if err == io.EOF && !t.done {
		t.done = true
		t.onComplete(t.buf.Bytes())
		t.buf = bytes.Buffer{}
	} else if err != nil {
		t.done = true
	}
	return n, err
}
