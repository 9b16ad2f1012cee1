package flow

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mitmgo/mitmproxy/internal/perr"
)

// Store is the C2 flow store: a concurrent-safe table of flows keyed by id,
// preserving insertion order for listing.
type Store struct {
	mu    sync.RWMutex
	order []uuid.UUID
	byID  map[uuid.UUID]*Flow
}

// NewStore creates an empty flow store.
func NewStore() *Store {
	return &Store{byID: make(map[uuid.UUID]*Flow)}
}

// Insert adds a flow to the store, appending it to insertion order the
// first time its id is seen. Insert does not merge: a second Insert for an
// id already present replaces the stored flow wholesale rather than
// combining fields with it, per spec.md §4.8. Callers updating a flow
// already known to the store should use Update instead.
func (s *Store) Insert(f *Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[f.ID]; !exists {
		s.order = append(s.order, f.ID)
	}
	s.byID[f.ID] = f
}

// Update replaces the stored flow for f.ID in place. Unlike Insert, Update
// fails if the id is not already present rather than silently inserting it
// (spec.md §4.8: "update ... by id, fails if absent").
func (s *Store) Update(f *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[f.ID]; !exists {
		return perr.NewFlow("update", "no flow with id "+f.ID.String())
	}
	s.byID[f.ID] = f
	return nil
}

// Get returns a snapshot of the flow for id, or nil if absent. The returned
// flow is a copy: mutating it has no effect on the stored flow, which must
// go through Update to change (spec.md §9: "no direct handles escape").
func (s *Store) Get(id uuid.UUID) *Flow {
	s.mu.RLock()
	f, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return f.Snapshot()
}

// GetAll returns a snapshot of every flow in insertion order.
func (s *Store) GetAll() []*Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Flow, 0, len(s.order))
	for _, id := range s.order {
		if f, ok := s.byID[id]; ok {
			out = append(out, f.Snapshot())
		}
	}
	return out
}

// Filtered returns every flow matching pred, in insertion order.
func (s *Store) Filtered(pred *Predicate) []*Flow {
	all := s.GetAll()
	if pred == nil {
		return all
	}
	out := make([]*Flow, 0, len(all))
	for _, f := range all {
		if pred.Matches(f) {
			out = append(out, f)
		}
	}
	return out
}

// Remove deletes a flow from the store. Returns false if it wasn't present.
func (s *Store) Remove(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Clear removes every flow from the store, optionally restricted to pred.
func (s *Store) Clear(pred *Predicate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pred == nil {
		s.order = nil
		s.byID = make(map[uuid.UUID]*Flow)
		return
	}
	var kept []uuid.UUID
	for _, id := range s.order {
		f := s.byID[id]
		if f != nil && pred.Matches(f) {
			delete(s.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

// Len reports how many flows the store currently holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Duplicate inserts and returns a replay clone of the flow with id, or nil if
// the source flow doesn't exist.
func (s *Store) Duplicate(id uuid.UUID) *Flow {
	s.mu.Lock()
	src, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	cp := src.Clone()
	s.Insert(cp)
	return cp
}
