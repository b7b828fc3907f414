package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/projectionfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/opencontainers/go-digest"
)

const (
	metaSuffix = ".json"
	bodySuffix = ".body"
	tmpPrefix  = ".tmp-"

	encodingZstd = "zstd"
)

// entryMeta is the on-disk description of one cached response.
type entryMeta struct {
	Method     string        `json:"method"`
	URL        string        `json:"url"`
	StatusCode int           `json:"status"`
	Header     http.Header   `json:"header,omitempty"`
	Digest     digest.Digest `json:"digest"`
	Encoding   string        `json:"encoding,omitempty"`
	StoredAt   time.Time     `json:"storedAt"`
}

// FSStorage persists generations on a virtual filesystem.
//
// Layout: /<generation>/<key digest>.json holds the response metadata and
// /<generation>/<key digest>.body the (optionally zstd compressed) body.
// Files are written to a temporary name and renamed into place, so the last
// completed write wins. A body whose digest does not match its metadata is
// treated as a miss.
type FSStorage struct {
	log      logr.Logger
	fs       vfs.FileSystem
	compress bool

	mux    sync.RWMutex
	closed bool

	// serializes replacing entry files
	renameMux sync.Mutex

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFSStorage creates a storage rooted at the given filesystem.
func NewFSStorage(log logr.Logger, fs vfs.FileSystem, compress bool) (*FSStorage, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create zstd decoder: %w", err)
	}
	return &FSStorage{
		log:      log,
		fs:       fs,
		compress: compress,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// NewOSStorage creates a storage in dir on the host filesystem.
func NewOSStorage(log logr.Logger, dir string, compress bool) (*FSStorage, error) {
	base := osfs.New()
	if err := base.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("unable to create cache directory %q: %w", dir, err)
	}
	fs, err := projectionfs.New(base, dir)
	if err != nil {
		return nil, fmt.Errorf("unable to project cache directory %q: %w", dir, err)
	}
	return NewFSStorage(log, fs, compress)
}

// Close releases the codecs. Further calls return ErrStorageClosed.
func (s *FSStorage) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.decoder.Close()
	return s.encoder.Close()
}

var _ io.Closer = &FSStorage{}

// Open returns the named generation, creating its directory if needed.
func (s *FSStorage) Open(name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	if err := s.fs.MkdirAll(path.Join("/", name), os.ModePerm); err != nil {
		return nil, fmt.Errorf("unable to create cache generation %q: %w", name, err)
	}
	s.log.V(5).Info("opened cache generation", "generation", name)
	return &fsStore{storage: s, dir: path.Join("/", name)}, nil
}

// Delete removes a generation directory with all its entries.
func (s *FSStorage) Delete(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	dir := path.Join("/", name)
	exists, err := vfs.DirExists(s.fs, dir)
	if err != nil {
		return false, fmt.Errorf("unable to stat cache generation %q: %w", name, err)
	}
	if !exists {
		return false, nil
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("unable to delete cache generation %q: %w", name, err)
	}
	s.log.Info("deleted cache generation", "generation", name)
	return true, nil
}

// Keys lists the generation directories.
func (s *FSStorage) Keys() ([]string, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	files, err := vfs.ReadDir(s.fs, "/")
	if err != nil {
		return nil, fmt.Errorf("unable to read cache generations: %w", err)
	}
	names := make([]string, 0, len(files))
	for _, file := range files {
		if !file.IsDir() || strings.HasPrefix(file.Name(), ".") {
			continue
		}
		names = append(names, file.Name())
	}
	sort.Strings(names)
	return names, nil
}

type fsStore struct {
	storage *FSStorage
	dir     string
}

func (s *fsStore) paths(req *http.Request) (meta, body string) {
	base := path.Join(s.dir, digest.FromString(RequestKey(req)).Encoded())
	return base + metaSuffix, base + bodySuffix
}

func (s *fsStore) Match(req *http.Request) (*Entry, error) {
	st := s.storage
	st.mux.RLock()
	defer st.mux.RUnlock()
	if st.closed {
		return nil, ErrStorageClosed
	}

	metaPath, bodyPath := s.paths(req)
	metaData, err := vfs.ReadFile(st.fs, metaPath)
	if err != nil {
		if vfs.IsErrNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("unable to read cache metadata for %s: %w", req.URL, err)
	}
	var meta entryMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		st.log.V(3).Info("ignoring corrupt cache metadata", "path", metaPath, "error", err.Error())
		return nil, ErrNotFound
	}

	data, err := vfs.ReadFile(st.fs, bodyPath)
	if err != nil {
		if vfs.IsErrNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("unable to read cached body for %s: %w", req.URL, err)
	}
	if meta.Encoding == encodingZstd {
		data, err = st.decoder.DecodeAll(data, nil)
		if err != nil {
			st.log.V(3).Info("ignoring undecodable cached body", "path", bodyPath, "error", err.Error())
			return nil, ErrNotFound
		}
	}

	// metadata and body are renamed separately, a concurrent writer may have replaced one of them
	if err := meta.Digest.Validate(); err != nil || meta.Digest != digest.FromBytes(data) {
		st.log.V(3).Info("cached body does not match its digest", "url", meta.URL, "digest", meta.Digest.String())
		return nil, ErrNotFound
	}

	return &Entry{
		Method:     meta.Method,
		URL:        meta.URL,
		StatusCode: meta.StatusCode,
		Header:     meta.Header,
		Body:       data,
		StoredAt:   meta.StoredAt,
	}, nil
}

func (s *fsStore) Put(req *http.Request, e *Entry) error {
	st := s.storage
	st.mux.RLock()
	defer st.mux.RUnlock()
	if st.closed {
		return ErrStorageClosed
	}
	exists, err := vfs.DirExists(st.fs, s.dir)
	if err != nil {
		return fmt.Errorf("unable to stat cache generation %q: %w", s.dir, err)
	}
	if !exists {
		return ErrGenerationGone
	}

	meta := entryMeta{
		Method:     e.Method,
		URL:        e.URL,
		StatusCode: e.StatusCode,
		Header:     e.Header,
		Digest:     digest.FromBytes(e.Body),
		StoredAt:   e.StoredAt,
	}
	body := e.Body
	if st.compress {
		body = st.encoder.EncodeAll(e.Body, make([]byte, 0, len(e.Body)/2))
		meta.Encoding = encodingZstd
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("unable to encode cache metadata: %w", err)
	}

	metaPath, bodyPath := s.paths(req)
	if err := s.writeAtomic(bodyPath, body); err != nil {
		return err
	}
	if err := s.writeAtomic(metaPath, metaData); err != nil {
		return err
	}
	st.log.V(5).Info("stored cache entry", "url", e.URL, "size", len(e.Body), "stored", len(body))
	return nil
}

func (s *fsStore) writeAtomic(target string, data []byte) error {
	fs := s.storage.fs
	tmp := path.Join(s.dir, tmpPrefix+uuid.NewString())
	if err := vfs.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("unable to write %q: %w", tmp, err)
	}
	s.storage.renameMux.Lock()
	defer s.storage.renameMux.Unlock()
	err := fs.Rename(tmp, target)
	if err != nil && errors.Is(err, os.ErrExist) {
		// not every vfs implementation replaces an existing target on rename
		if rmErr := fs.Remove(target); rmErr == nil || vfs.IsErrNotExist(rmErr) {
			err = fs.Rename(tmp, target)
		}
	}
	if err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("unable to move %q to %q: %w", tmp, target, err)
	}
	return nil
}
