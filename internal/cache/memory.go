package cache

import (
	"net/http"
	"sort"
	"sync"

	"splatstream/internal/logger"
)

// MemoryStorage keeps every generation in process memory.
// It is safe for concurrent use and does not survive a restart.
type MemoryStorage struct {
	mutex       sync.RWMutex
	generations map[string]map[string]*Entry
	logger      logger.Logger
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage(log logger.Logger) *MemoryStorage {
	if log == nil {
		log = logger.Discard{}
	}
	return &MemoryStorage{
		generations: make(map[string]map[string]*Entry),
		logger:      log,
	}
}

// Open returns the named generation, creating it if needed.
func (ms *MemoryStorage) Open(name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	if _, found := ms.generations[name]; !found {
		ms.generations[name] = make(map[string]*Entry)
		ms.logger.Debugf("Created in-memory cache generation %s", name)
	}
	return &memoryStore{storage: ms, name: name}, nil
}

// Delete removes a generation.
func (ms *MemoryStorage) Delete(name string) (bool, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	entries, found := ms.generations[name]
	if !found {
		return false, nil
	}
	delete(ms.generations, name)
	ms.logger.Infof("Deleted in-memory cache generation %s (%d entries)", name, len(entries))
	return true, nil
}

// Keys lists the stored generation names in sorted order.
func (ms *MemoryStorage) Keys() ([]string, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	names := make([]string, 0, len(ms.generations))
	for name := range ms.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Len returns the number of entries in a generation.
func (ms *MemoryStorage) Len(name string) int {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	return len(ms.generations[name])
}

type memoryStore struct {
	storage *MemoryStorage
	name    string
}

func (s *memoryStore) Match(req *http.Request) (*Entry, error) {
	s.storage.mutex.RLock()
	defer s.storage.mutex.RUnlock()
	entry, found := s.storage.generations[s.name][RequestKey(req)]
	if !found {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *memoryStore) Put(req *http.Request, e *Entry) error {
	s.storage.mutex.Lock()
	defer s.storage.mutex.Unlock()
	entries, found := s.storage.generations[s.name]
	if !found {
		return ErrGenerationGone
	}
	entries[RequestKey(req)] = e
	s.storage.logger.Debugf("Cached %s in %s, size: %d bytes", RequestKey(req), s.name, len(e.Body))
	return nil
}
