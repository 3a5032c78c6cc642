// Package connhandle implements the connection handle arena described in
// the re-architecture notes: connections are addressed by (slot, generation)
// pairs instead of bare pointers, so a stale handle from a reused fd/slot is
// rejected instead of silently operating on the wrong connection.
package connhandle

import (
	"fmt"
	"sync"
)

// Handle is an opaque reference to a live connection. The zero Handle is
// never valid; Arena.Insert always returns a Handle with Gen >= 1.
type Handle struct {
	Slot uint32
	Gen  uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.Slot, h.Gen)
}

// IsZero reports whether h is the zero-value handle.
func (h Handle) IsZero() bool {
	return h.Slot == 0 && h.Gen == 0
}

type slot struct {
	gen      uint32
	occupied bool
	value    any
}

// Arena is a slice-backed store of connection-bound values keyed by Handle.
// A single Arena is normally owned by one reactor worker and is safe to call
// from other goroutines only through the methods below, which take an
// internal mutex; the hot path (the owning worker) pays that cost only on
// Insert/Remove, never on the much more frequent Lookup.
type Arena struct {
	mu    sync.RWMutex
	slots []slot
	free  []uint32
}

// New creates an empty arena. capacityHint pre-sizes the backing slice to
// avoid reallocation under steady-state connection counts.
func New(capacityHint int) *Arena {
	return &Arena{
		slots: make([]slot, 0, capacityHint),
	}
}

// Insert stores value under a freshly minted Handle and returns it.
func (a *Arena) Insert(value any) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.occupied = true
		s.value = value
		return Handle{Slot: idx, Gen: s.gen}
	}

	idx := uint32(len(a.slots))
	a.slots = append(a.slots, slot{gen: 1, occupied: true, value: value})
	return Handle{Slot: idx, Gen: 1}
}

// Lookup returns the value stored under h and true, or nil and false if h is
// stale (the slot was freed and possibly reused since h was minted).
func (a *Arena) Lookup(h Handle) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if int(h.Slot) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[h.Slot]
	if !s.occupied || s.gen != h.Gen {
		return nil, false
	}
	return s.value, true
}

// Remove invalidates h, bumping the slot's generation so any other handle
// referencing the same slot (stale or not) no longer resolves. Returns false
// if h was already stale.
func (a *Arena) Remove(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(h.Slot) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.Slot]
	if !s.occupied || s.gen != h.Gen {
		return false
	}
	s.occupied = false
	s.value = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, h.Slot)
	return true
}

// Len returns the number of occupied slots.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots) - len(a.free)
}

// Range calls fn for every occupied handle. fn must not call Insert or
// Remove on the same arena.
func (a *Arena) Range(fn func(Handle, any) bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for idx := range a.slots {
		s := &a.slots[idx]
		if !s.occupied {
			continue
		}
		if !fn(Handle{Slot: uint32(idx), Gen: s.gen}, s.value) {
			return
		}
	}
}
