package asset

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Resource is whatever a handler produced for a record, e.g. a parsed splat.
type Resource any

// ProgressFunc receives the cumulative bytes received and the expected total.
// A total of zero means the size is unknown.
type ProgressFunc func(received, total int64)

// ErrResourceSet is returned when a record's resource is assigned twice.
var ErrResourceSet = errors.New("asset resource already set")

// Subscription identifies one listener attached to a Record.
type Subscription struct {
	id uint64
}

// Record identifies one loadable resource and carries its terminal result.
//
// Progress listeners may fire any number of times; load and error listeners fire at most
// once, and nothing fires after the first terminal event.
type Record struct {
	ID        string
	Type      string
	SourceURL string

	mu         sync.Mutex
	resource   Resource
	hasRes     bool
	terminated bool
	nextSub    uint64
	progress   map[uint64]ProgressFunc
	loads      map[uint64]func()
	errs       map[uint64]func(error)
}

// NewRecord creates a record for url with an id unique per load attempt.
func NewRecord(assetType, url string) *Record {
	return &Record{
		ID:        NewID(url, time.Now()),
		Type:      assetType,
		SourceURL: url,
		progress:  make(map[uint64]ProgressFunc),
		loads:     make(map[uint64]func()),
		errs:      make(map[uint64]func(error)),
	}
}

// NewID derives a record id from a timestamp and the file name of url.
// A random suffix keeps ids distinct when two attempts land in the same millisecond.
func NewID(url string, now time.Time) string {
	file := url
	if i := strings.IndexAny(file, "?#"); i >= 0 {
		file = file[:i]
	}
	file = path.Base(file)
	if file == "." || file == "/" {
		file = ""
	}
	return fmt.Sprintf("splat-asset-%d-%s-%s", now.UnixMilli(), file, uuid.NewString()[:8])
}

// Resource returns the parsed resource, nil until loading completes.
func (r *Record) Resource() Resource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resource
}

// SetResource attaches the parsed result. It can only succeed once per record.
func (r *Record) SetResource(res Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasRes {
		return ErrResourceSet
	}
	r.resource = res
	r.hasRes = true
	return nil
}

// Terminated reports whether a load or error event has fired.
func (r *Record) Terminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// OnProgress subscribes fn to every progress event.
func (r *Record) OnProgress(fn ProgressFunc) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.newSub()
	r.progress[sub.id] = fn
	return sub
}

// OnLoad subscribes fn to the load event. It fires at most once.
func (r *Record) OnLoad(fn func()) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.newSub()
	r.loads[sub.id] = fn
	return sub
}

// OnError subscribes fn to the error event. It fires at most once.
func (r *Record) OnError(fn func(error)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.newSub()
	r.errs[sub.id] = fn
	return sub
}

// Off detaches listeners. Unknown or already-fired subscriptions are ignored.
func (r *Record) Off(subs ...Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range subs {
		delete(r.progress, s.id)
		delete(r.loads, s.id)
		delete(r.errs, s.id)
	}
}

// Listeners returns the number of attached listeners.
func (r *Record) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progress) + len(r.loads) + len(r.errs)
}

// FireProgress notifies progress listeners. Dropped once the record has terminated.
func (r *Record) FireProgress(received, total int64) {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return
	}
	fns := make([]ProgressFunc, 0, len(r.progress))
	for _, fn := range r.progress {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(received, total)
	}
}

// FireLoad fires the terminal load event. It returns false if a terminal event already fired.
func (r *Record) FireLoad() bool {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return false
	}
	r.terminated = true
	fns := make([]func(), 0, len(r.loads))
	for _, fn := range r.loads {
		fns = append(fns, fn)
	}
	r.loads = make(map[uint64]func())
	r.errs = make(map[uint64]func(error))
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return true
}

// FireError fires the terminal error event. It returns false if a terminal event already fired.
func (r *Record) FireError(err error) bool {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return false
	}
	r.terminated = true
	fns := make([]func(error), 0, len(r.errs))
	for _, fn := range r.errs {
		fns = append(fns, fn)
	}
	r.loads = make(map[uint64]func())
	r.errs = make(map[uint64]func(error))
	r.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
	return true
}

func (r *Record) newSub() Subscription {
	r.nextSub++
	return Subscription{id: r.nextSub}
}
