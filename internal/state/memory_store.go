package state

import (
	"sync"
	"time"
)

// MemoryStore keeps metric snapshots in process memory.
// The outer lock guards the slot map only; each alert has its own slot lock
// so evaluations of different alerts never contend.
// Params: slot map and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	slots map[string]*memorySlot
}

type memorySlot struct {
	mu        sync.Mutex
	values    map[string]float64
	revision  uint64
	updatedAt time.Time
	removed   bool
}

// NewMemoryStore creates in-memory snapshot store.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:   now,
		slots: make(map[string]*memorySlot),
	}
}

// Update applies fn to the alert snapshot under the alert lock.
// Params: alert ID and transform receiving a copy of the previous snapshot.
// Returns: none; the returned map is copied into the store.
func (s *MemoryStore) Update(alertID string, fn func(previous map[string]float64) map[string]float64) {
	for {
		slot := s.slot(alertID)
		slot.mu.Lock()
		if slot.removed {
			// Deleted between lookup and lock; retry on the fresh slot.
			slot.mu.Unlock()
			continue
		}
		next := fn(copyValues(slot.values))
		slot.values = copyValues(next)
		slot.revision++
		slot.updatedAt = s.now()
		slot.mu.Unlock()
		return
	}
}

// Get returns a copy of the stored snapshot.
// Params: alert ID key.
// Returns: snapshot or ErrNotFound.
func (s *MemoryStore) Get(alertID string) (map[string]float64, error) {
	s.mu.RLock()
	slot, ok := s.slots[alertID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.removed || slot.values == nil {
		return nil, ErrNotFound
	}
	return copyValues(slot.values), nil
}

// Revision returns how many times the alert snapshot was written.
func (s *MemoryStore) Revision(alertID string) uint64 {
	s.mu.RLock()
	slot, ok := s.slots[alertID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.revision
}

// Delete drops the alert snapshot.
// Params: alert ID key.
func (s *MemoryStore) Delete(alertID string) {
	s.mu.Lock()
	slot, ok := s.slots[alertID]
	delete(s.slots, alertID)
	s.mu.Unlock()
	if ok {
		slot.mu.Lock()
		slot.removed = true
		slot.mu.Unlock()
	}
}

// Reset drops every snapshot.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	old := s.slots
	s.slots = make(map[string]*memorySlot)
	s.mu.Unlock()
	for _, slot := range old {
		slot.mu.Lock()
		slot.removed = true
		slot.mu.Unlock()
	}
}

// Len returns number of alerts with stored snapshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// PruneIdle removes snapshots not written within idle.
// Params: idle duration; <=0 disables pruning.
// Returns: number of removed snapshots.
func (s *MemoryStore) PruneIdle(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for alertID, slot := range s.slots {
		slot.mu.Lock()
		stale := slot.updatedAt.Before(cutoff)
		if stale {
			slot.removed = true
		}
		slot.mu.Unlock()
		if stale {
			delete(s.slots, alertID)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) slot(alertID string) *memorySlot {
	s.mu.RLock()
	slot, ok := s.slots[alertID]
	s.mu.RUnlock()
	if ok {
		return slot
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok = s.slots[alertID]; ok {
		return slot
	}
	slot = &memorySlot{}
	s.slots[alertID] = slot
	return slot
}

func copyValues(values map[string]float64) map[string]float64 {
	if values == nil {
		return nil
	}
	out := make(map[string]float64, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}
