package stores

import (
	"errors"
	"sync/atomic"
	"time"
)

// Source records where the active catalog came from.
type Source string

const (
	SourceUnknown Source = "unknown"
	SourceSeed    Source = "seed"
	SourceS3      Source = "s3"
)

var ErrNoCatalog = errors.New("no store catalog loaded")

type snapshot struct {
	catalog  *Catalog
	source   Source
	loadedAt time.Time
}

// Manager holds the active catalog. Reads are lock-free.
type Manager struct {
	active atomic.Pointer[snapshot]
}

func NewManager() *Manager { return &Manager{} }

// Set swaps in c as the active catalog.
func (m *Manager) Set(c *Catalog, src Source) {
	if c == nil {
		return
	}
	m.active.Store(&snapshot{catalog: c, source: src, loadedAt: time.Now().UTC()})
}

func (m *Manager) Catalog() (*Catalog, bool) {
	s := m.active.Load()
	if s == nil {
		return nil, false
	}
	return s.catalog, true
}

func (m *Manager) Source() Source {
	s := m.active.Load()
	if s == nil {
		return SourceUnknown
	}
	return s.source
}

func (m *Manager) LoadedAt() time.Time {
	s := m.active.Load()
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// ReadyErr is nil once a catalog is loaded, for the readiness probe.
func (m *Manager) ReadyErr() error {
	if m.active.Load() == nil {
		return ErrNoCatalog
	}
	return nil
}
