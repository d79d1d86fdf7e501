// Package workflow registers the kinds of embedded workflows the host can
// open in a client frame.
package workflow

import (
	"fmt"
	"sync"
)

// Store exposes workflow type lookup for handlers and the host feeder.
type Store interface {
	List(tabs ...string) []Type
	FindByID(id string) (Type, bool)
}

// MemoryStore implements Store in memory. It accepts additions until frozen.
type MemoryStore struct {
	mu     sync.RWMutex
	items  []Type
	frozen bool
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied types.
func NewMemoryStore(items []Type) (*MemoryStore, error) {
	s := &MemoryStore{}
	for _, item := range items {
		if err := s.Add(item); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a new type. Base ids and display names must be unique.
func (s *MemoryStore) Add(t Type) error {
	if err := t.Normalize(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return ErrFrozen
	}
	for _, existing := range s.items {
		if existing.BaseID == t.BaseID {
			return fmt.Errorf("%w: %s", ErrDuplicateID, t.BaseID)
		}
		if existing.DisplayName == t.DisplayName {
			return fmt.Errorf("%w: %q is used by %s", ErrDuplicateDisplayName, t.DisplayName, existing.BaseID)
		}
	}
	s.items = append(s.items, t)
	return nil
}

// Freeze rejects any further change.
func (s *MemoryStore) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// List returns types present on at least one of tabs, or all types.
func (s *MemoryStore) List(tabs ...string) []Type {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Type, 0, len(s.items))
	for _, item := range s.items {
		if len(tabs) == 0 || len(item.IDs(tabs...)) > 0 {
			out = append(out, item)
		}
	}
	return out
}

// FindByID resolves a tab-qualified id such as "postprocess_txt2img".
func (s *MemoryStore) FindByID(id string) (Type, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, item := range s.items {
		if item.HasID(id) {
			return item, true
		}
	}
	return Type{}, false
}

// IDs returns every tab-qualified id of every type on the given tabs.
func (s *MemoryStore) IDs(tabs ...string) []string {
	var ids []string
	for _, t := range s.List(tabs...) {
		ids = append(ids, t.IDs(tabs...)...)
	}
	return ids
}
