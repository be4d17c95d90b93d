package shmem

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var log = slog.Default()

// Manager owns every region created for one pool.
type Manager struct {
	mu      sync.Mutex
	prefix  string
	regions map[string]*Region
	started bool
	stopped bool
}

// NewManager creates a manager whose regions are named "<prefix>-<name>".
func NewManager(prefix string) *Manager {
	return &Manager{
		prefix:  prefix,
		regions: make(map[string]*Region),
	}
}

// Prefix returns the naming prefix.
func (m *Manager) Prefix() string {
	return m.prefix
}

// Start makes the manager usable.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}
	if m.started {
		return errors.New("shmem: manager already started")
	}
	m.started = true
	return nil
}

// Started reports whether Start has completed and Shutdown has not.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.stopped
}

func (m *Manager) checkLocked() error {
	if m.stopped {
		return ErrManagerStopped
	}
	if !m.started {
		return ErrManagerNotStarted
	}
	return nil
}

// Create allocates a new region of size bytes.
func (m *Manager) Create(name string, size int) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	if _, ok := m.regions[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionExists, name)
	}

	region, err := create(m.prefix+"-"+name, size)
	if err != nil {
		return nil, err
	}
	m.regions[name] = region

	log.Debug("Shared region created", "name", region.Name, "path", region.Path, "bytes", size)
	return region, nil
}

// Region returns a previously created region.
func (m *Manager) Region(name string) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	region, ok := m.regions[name]
	if !ok {
		return nil, fmt.Errorf("shmem: unknown region %q", name)
	}
	return region, nil
}

// Shutdown unmaps, closes and unlinks every owned region. It is idempotent.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true

	names := make([]string, 0, len(m.regions))
	for name := range m.regions {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		region := m.regions[name]
		if err := region.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := region.Unlink(); err != nil {
			errs = append(errs, err)
		}
	}
	m.regions = nil

	return errors.Join(errs...)
}
