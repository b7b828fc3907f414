package viewer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"splatstream/internal/controller"
	"splatstream/internal/logger"
)

// ErrNotFound is returned for viewer IDs without a controller.
var ErrNotFound = errors.New("viewer not found")

// Factory builds the controller for a new viewer.
type Factory func(id string) *controller.Controller

// Manager keeps one controller per viewer ID.
type Manager struct {
	mutex   sync.RWMutex
	viewers map[string]*controller.Controller
	factory Factory
	logger  logger.Logger
	stopped bool
}

// NewManager creates a manager building controllers with factory.
func NewManager(log logger.Logger, factory Factory) *Manager {
	if log == nil {
		log = logger.Discard{}
	}
	return &Manager{
		viewers: make(map[string]*controller.Controller),
		factory: factory,
		logger:  log,
	}
}

// GetOrCreate returns the controller for id, creating it on first use.
func (m *Manager) GetOrCreate(id string) (*controller.Controller, error) {
	if id == "" {
		return nil, fmt.Errorf("viewer ID must not be empty")
	}

	m.mutex.RLock()
	c, found := m.viewers[id]
	m.mutex.RUnlock()
	if found {
		return c, nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if c, found = m.viewers[id]; found {
		return c, nil
	}
	if m.stopped {
		return nil, fmt.Errorf("viewer manager is stopped")
	}

	m.logger.Infof("No viewer found for ID: %s. Creating a new one.", id)
	c = m.factory(id)
	m.viewers[id] = c
	return c, nil
}

// Get returns the controller for id.
func (m *Manager) Get(id string) (*controller.Controller, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	c, found := m.viewers[id]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Remove closes and forgets the controller for id, abandoning its load.
func (m *Manager) Remove(id string) error {
	m.mutex.Lock()
	c, found := m.viewers[id]
	delete(m.viewers, id)
	m.mutex.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.Close()
	m.logger.Infof("Viewer %s removed", id)
	return nil
}

// IDs returns the sorted IDs of all live viewers.
func (m *Manager) IDs() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ids := make([]string, 0, len(m.viewers))
	for id := range m.viewers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop closes every viewer. GetOrCreate fails afterwards.
func (m *Manager) Stop() {
	m.logger.Infof("Stopping viewer manager and all viewers...")
	m.mutex.Lock()
	viewers := m.viewers
	m.viewers = make(map[string]*controller.Controller)
	m.stopped = true
	m.mutex.Unlock()

	for _, c := range viewers {
		c.Close()
	}
	m.logger.Infof("Viewer manager stopped.")
}
