package catalog

import (
	"fmt"
	"sync/atomic"
)

// Store holds the active catalog behind an atomic pointer. Readers get a
// consistent snapshot for the duration of a turn; reconfiguration replaces
// the whole catalog and never mutates entries in place.
type Store struct {
	current atomic.Pointer[Catalog]
}

// NewStore creates a store seeded with an initial catalog.
func NewStore(initial *Catalog) (*Store, error) {
	if initial == nil {
		return nil, fmt.Errorf("catalog store requires an initial catalog")
	}
	s := &Store{}
	s.current.Store(initial)
	return s, nil
}

// Load returns the active catalog snapshot.
func (s *Store) Load() *Catalog {
	return s.current.Load()
}

// Swap atomically replaces the active catalog. In-flight turns keep the
// snapshot they loaded at turn start.
func (s *Store) Swap(next *Catalog) error {
	if next == nil {
		return fmt.Errorf("cannot swap in a nil catalog")
	}
	s.current.Store(next)
	return nil
}
