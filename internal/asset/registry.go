package asset

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"splatstream/internal/logger"
)

// ErrNoHandler is returned when no handler is registered for a record's type.
var ErrNoHandler = errors.New("no handler registered for asset type")

// Handler loads resources of one asset type.
//
// Load blocks until the resource is parsed. Returning a resource corresponds to a
// successful callback, returning an error to a failed one.
type Handler interface {
	Load(ctx context.Context, url string, rec *Record) (Resource, error)
	Resolve(ctx context.Context, url string, rec *Record) error
}

// Opener is implemented by handlers that can build a resource from bytes already in memory.
type Opener interface {
	Open(url string, data []byte, rec *Record) (Resource, error)
}

// ErrorFunc receives errors from the registry's generic error channel. rec may be nil.
type ErrorFunc func(err error, rec *Record)

type registration struct {
	name    string
	handler Handler
}

// Registry owns asset records and dispatches loads to type-specific handlers.
type Registry struct {
	log logger.Logger

	mutex    sync.RWMutex
	records  map[string]*Record
	handlers map[string]registration

	errMutex   sync.Mutex
	errNext    uint64
	errorFuncs map[uint64]ErrorFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		log:        log,
		records:    make(map[string]*Record),
		handlers:   make(map[string]registration),
		errorFuncs: make(map[uint64]ErrorFunc),
	}
}

// Register sets the handler for assetType, replacing any previous one.
func (r *Registry) Register(assetType, name string, h Handler) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.handlers[assetType] = registration{name: name, handler: h}
}

// RegisterIfAbsent installs a handler called name for assetType unless a handler with the
// same name is already installed there. build receives the handler it replaces (nil if none)
// and is only called when the registration happens.
func (r *Registry) RegisterIfAbsent(assetType, name string, build func(prev Handler) Handler) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	current, found := r.handlers[assetType]
	if found && current.name == name {
		return false
	}
	r.handlers[assetType] = registration{name: name, handler: build(current.handler)}
	return true
}

// Handler returns the handler registered for assetType.
func (r *Registry) Handler(assetType string) (Handler, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	reg, found := r.handlers[assetType]
	return reg.handler, found
}

// HandlerName returns the name the current handler for assetType was registered under.
func (r *Registry) HandlerName(assetType string) string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.handlers[assetType].name
}

// Add registers a record.
func (r *Registry) Add(rec *Record) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.records[rec.ID] = rec
}

// Remove drops a record from the registry.
func (r *Registry) Remove(rec *Record) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.records, rec.ID)
}

// Get looks up a record by id.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	rec, found := r.records[id]
	return rec, found
}

// Len returns the number of registered records.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.records)
}

// Load starts loading rec in the background. Exactly one terminal event fires on rec.
func (r *Registry) Load(ctx context.Context, rec *Record) {
	go func() {
		_, _ = r.LoadSync(ctx, rec)
	}()
}

// LoadSync loads rec on the calling goroutine and fires the terminal event before returning.
func (r *Registry) LoadSync(ctx context.Context, rec *Record) (Resource, error) {
	h, found := r.Handler(rec.Type)
	if !found {
		err := fmt.Errorf("%w: %s", ErrNoHandler, rec.Type)
		r.fail(ctx, rec, err)
		return nil, err
	}

	if err := h.Resolve(ctx, rec.SourceURL, rec); err != nil {
		err = fmt.Errorf("failed to resolve asset %s: %w", rec.ID, err)
		r.fail(ctx, rec, err)
		return nil, err
	}

	r.log.Debugf("Loading asset %s (%s) from %s", rec.ID, rec.Type, rec.SourceURL)
	res, err := h.Load(ctx, rec.SourceURL, rec)
	if err != nil {
		r.fail(ctx, rec, err)
		return nil, err
	}

	if rec.Resource() == nil {
		// Handlers that don't attach the resource themselves still get it recorded.
		_ = rec.SetResource(res)
	}
	rec.FireLoad()
	r.log.Debugf("Asset %s loaded", rec.ID)
	return res, nil
}

func (r *Registry) fail(ctx context.Context, rec *Record, err error) {
	rec.FireError(err)
	if ctx.Err() != nil {
		r.log.Debugf("Load of asset %s abandoned: %v", rec.ID, ctx.Err())
		return
	}
	r.ReportError(err, rec)
}

// OnError subscribes fn to the generic error channel and returns a function that detaches it.
func (r *Registry) OnError(fn ErrorFunc) func() {
	r.errMutex.Lock()
	defer r.errMutex.Unlock()
	r.errNext++
	id := r.errNext
	r.errorFuncs[id] = fn
	return func() {
		r.errMutex.Lock()
		defer r.errMutex.Unlock()
		delete(r.errorFuncs, id)
	}
}

// ReportError publishes err on the generic error channel.
func (r *Registry) ReportError(err error, rec *Record) {
	r.errMutex.Lock()
	fns := make([]ErrorFunc, 0, len(r.errorFuncs))
	for _, fn := range r.errorFuncs {
		fns = append(fns, fn)
	}
	r.errMutex.Unlock()

	for _, fn := range fns {
		fn(err, rec)
	}
}
