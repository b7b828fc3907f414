package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"splatstream/internal/asset"
	"splatstream/internal/logger"
	"splatstream/internal/metrics"
)

const (
	// DefaultGraceDelay keeps loading true after completion so a UI can show 100%.
	DefaultGraceDelay = 500 * time.Millisecond
	// DefaultAssetType is the record type created for splat URLs.
	DefaultAssetType = "gsplat"
	// UnavailableMessage is the error shown when no URL or platform is available.
	UnavailableMessage = "Source URL or platform app not available."
)

// ErrUnavailable is returned by SetURL when the URL is empty or there is no loader.
var ErrUnavailable = errors.New("source URL or platform app not available")

// Loader is the part of the asset registry the controller drives.
type Loader interface {
	Add(rec *asset.Record)
	Load(ctx context.Context, rec *asset.Record)
}

// remover is implemented by loaders that can forget abandoned records.
type remover interface {
	Remove(rec *asset.Record)
}

// State is the externally visible load state.
type State struct {
	URL      string
	Asset    *asset.Record
	Loading  bool
	Error    string
	Progress int
}

// Visible reports whether a progress indicator should be shown.
func (s State) Visible() bool {
	return s.Loading || s.Error != ""
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the clock used for the grace delay.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

// WithGraceDelay overrides DefaultGraceDelay.
func WithGraceDelay(d time.Duration) Option {
	return func(ctrl *Controller) { ctrl.graceDelay = d }
}

// WithOnProgress sets a callback receiving every emitted percentage, including the final 100.
func WithOnProgress(fn func(percent int)) Option {
	return func(ctrl *Controller) { ctrl.onProgress = fn }
}

// WithAssetType overrides DefaultAssetType.
func WithAssetType(t string) Option {
	return func(ctrl *Controller) { ctrl.assetType = t }
}

// WithLogger sets the controller's logger.
func WithLogger(log logger.Logger) Option {
	return func(ctrl *Controller) { ctrl.logger = log }
}

// Controller owns the asset for the current URL. Every URL change abandons the
// previous record, cancels its download and starts a new one.
type Controller struct {
	loader     Loader
	clock      clock.WithDelayedExecution
	graceDelay time.Duration
	onProgress func(int)
	assetType  string
	logger     logger.Logger

	mutex      sync.Mutex
	state      State
	generation uint64
	record     *asset.Record
	subs       []asset.Subscription
	cancel     context.CancelFunc
	timer      clock.Timer
	closed     bool
	done       chan struct{}

	subMutex    sync.Mutex
	nextSub     uint64
	subscribers map[uint64]func(State)
}

// New creates a controller. A nil loader means the platform is not available;
// every SetURL then fails with ErrUnavailable.
func New(loader Loader, opts ...Option) *Controller {
	c := &Controller{
		loader:      loader,
		clock:       clock.RealClock{},
		graceDelay:  DefaultGraceDelay,
		assetType:   DefaultAssetType,
		logger:      logger.Discard{},
		state:       State{Loading: true},
		done:        make(chan struct{}),
		subscribers: make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// Done is closed once the controller is closed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Subscribe calls fn with the new state after every change. The returned function detaches fn.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.subMutex.Lock()
	defer c.subMutex.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subscribers[id] = fn
	return func() {
		c.subMutex.Lock()
		defer c.subMutex.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *Controller) notify(s State) {
	c.subMutex.Lock()
	fns := make([]func(State), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.subMutex.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// SetURL starts loading url, abandoning whatever was loading before.
func (c *Controller) SetURL(url string) error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return fmt.Errorf("controller is closed")
	}
	c.teardownLocked()

	if url == "" || c.loader == nil {
		c.state = State{URL: url, Loading: false, Error: UnavailableMessage}
		s := c.state
		c.mutex.Unlock()
		c.logger.Warnf("Cannot load splat %q: %s", url, UnavailableMessage)
		c.notify(s)
		return ErrUnavailable
	}

	rec := asset.NewRecord(c.assetType, url)
	gen := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.record = rec
	c.cancel = cancel
	c.state = State{URL: url, Loading: true}
	c.subs = []asset.Subscription{
		rec.OnProgress(func(received, total int64) { c.handleProgress(gen, received, total) }),
		rec.OnLoad(func() { c.handleLoad(gen, rec) }),
		rec.OnError(func(err error) { c.handleError(gen, url, err) }),
	}
	// Added under the lock so a concurrent teardown always finds the record to remove.
	c.loader.Add(rec)
	s := c.state
	c.mutex.Unlock()

	c.logger.Infof("Loading splat %s as asset %s", url, rec.ID)
	c.notify(s)

	c.mutex.Lock()
	current := gen == c.generation
	c.mutex.Unlock()
	if !current {
		c.logger.Debugf("Asset %s superseded before its load started", rec.ID)
		return nil
	}
	c.loader.Load(ctx, rec)
	return nil
}

// Close abandons the current load. The controller cannot be reused afterwards.
func (c *Controller) Close() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.teardownLocked()
	c.closed = true
	c.mutex.Unlock()
	close(c.done)
}

// teardownLocked detaches listeners before cancelling, so the cancelled load's
// error event reaches nobody.
func (c *Controller) teardownLocked() {
	c.generation++
	if c.record != nil {
		c.record.Off(c.subs...)
		if !c.record.Terminated() {
			metrics.AssetLoads.WithLabelValues("cancelled").Inc()
		}
		if r, ok := c.loader.(remover); ok {
			r.Remove(c.record)
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.record = nil
	c.subs = nil
	c.cancel = nil
	c.timer = nil
}

func percentage(received, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(received) / float64(total) * 100))
}

func (c *Controller) handleProgress(gen uint64, received, total int64) {
	c.mutex.Lock()
	if gen != c.generation {
		c.mutex.Unlock()
		return
	}
	pct := percentage(received, total)
	c.state.Progress = pct
	s := c.state
	c.mutex.Unlock()

	c.notify(s)
	if c.onProgress != nil {
		c.onProgress(pct)
	}
}

func (c *Controller) handleLoad(gen uint64, rec *asset.Record) {
	c.mutex.Lock()
	if gen != c.generation {
		c.mutex.Unlock()
		return
	}
	c.state.Asset = rec
	c.state.Progress = 100
	c.timer = c.clock.AfterFunc(c.graceDelay, func() { c.finishLoading(gen) })
	s := c.state
	c.mutex.Unlock()

	metrics.AssetLoads.WithLabelValues("loaded").Inc()
	c.logger.Infof("Splat asset %s loaded", rec.ID)
	c.notify(s)
	if c.onProgress != nil {
		c.onProgress(100)
	}
}

func (c *Controller) finishLoading(gen uint64) {
	c.mutex.Lock()
	if gen != c.generation {
		c.mutex.Unlock()
		return
	}
	c.state.Loading = false
	c.timer = nil
	s := c.state
	c.mutex.Unlock()
	c.notify(s)
}

func (c *Controller) handleError(gen uint64, url string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = fmt.Sprintf("Failed to load splat asset: %s", url)
	}

	c.mutex.Lock()
	if gen != c.generation {
		c.mutex.Unlock()
		return
	}
	c.state.Error = msg
	c.state.Loading = false
	s := c.state
	c.mutex.Unlock()

	metrics.AssetLoads.WithLabelValues("failed").Inc()
	c.logger.Errorf("Failed to load splat %s: %s", url, msg)
	c.notify(s)
}
