// Package entity implements the id-indexed entity arena described in
// spec.md §9: integer ids refer into a slot table, each slot carrying a
// generation counter so a destroyed-and-reused slot never aliases a stale
// id held elsewhere (e.g. in a visibility set).
//
// No direct teacher precedent exists (server/room.go keeps a flat
// map[uint16]*Client with no generation tracking); this follows the
// standard Go generational-index arena idiom the spec calls for.
package entity

import "errors"

// ErrNotFound is returned when an id's generation no longer matches the
// slot's current occupant (destroyed, or never allocated).
var ErrNotFound = errors.New("entity: not found")

// ID is a stable external handle: (index, generation) packed into one
// value so equality comparison is a single integer compare.
type ID uint64

func makeID(index uint32, generation uint32) ID {
	return ID(uint64(generation)<<32 | uint64(index))
}

func (id ID) index() uint32      { return uint32(id) }
func (id ID) generation() uint32 { return uint32(id >> 32) }

// Index returns the slot index portion of id, stable for the lifetime of
// whatever currently occupies that slot. Useful for external callers (e.g.
// the relay's wire protocol) that need a plain numeric id distinct from
// this package's generation-checked handle.
func (id ID) Index() uint32 { return id.index() }

type slot struct {
	generation uint32
	occupied   bool
	value      any
}

// Arena is a generational-index store keyed by ID. Not safe for concurrent
// use; callers needing concurrency should guard it with their own mutex
// (the server tick loop in this module is single-threaded per room).
type Arena struct {
	slots []slot
	free  []uint32
}

// New returns an empty Arena.
func New() *Arena {
	return &Arena{}
}

// Insert allocates a new slot (reusing a freed one if available) holding
// value, and returns its ID.
func (a *Arena) Insert(value any) ID {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.occupied = true
		s.value = value
		return makeID(idx, s.generation)
	}

	idx := uint32(len(a.slots))
	a.slots = append(a.slots, slot{generation: 0, occupied: true, value: value})
	return makeID(idx, 0)
}

// Get returns the value for id, or ErrNotFound if id refers to a freed or
// never-allocated slot.
func (a *Arena) Get(id ID) (any, error) {
	idx := id.index()
	if int(idx) >= len(a.slots) {
		return nil, ErrNotFound
	}
	s := &a.slots[idx]
	if !s.occupied || s.generation != id.generation() {
		return nil, ErrNotFound
	}
	return s.value, nil
}

// Set replaces the value stored at id, failing with ErrNotFound if id is stale.
func (a *Arena) Set(id ID, value any) error {
	idx := id.index()
	if int(idx) >= len(a.slots) {
		return ErrNotFound
	}
	s := &a.slots[idx]
	if !s.occupied || s.generation != id.generation() {
		return ErrNotFound
	}
	s.value = value
	return nil
}

// Remove frees id's slot, bumping its generation so any other ID value
// referencing the same index becomes stale. Returns ErrNotFound if id was
// already stale.
func (a *Arena) Remove(id ID) error {
	idx := id.index()
	if int(idx) >= len(a.slots) {
		return ErrNotFound
	}
	s := &a.slots[idx]
	if !s.occupied || s.generation != id.generation() {
		return ErrNotFound
	}
	s.occupied = false
	s.value = nil
	s.generation++
	a.free = append(a.free, idx)
	return nil
}

// Contains reports whether id currently refers to a live slot.
func (a *Arena) Contains(id ID) bool {
	_, err := a.Get(id)
	return err == nil
}

// Len returns the number of live (occupied) entities.
func (a *Arena) Len() int {
	n := 0
	for _, s := range a.slots {
		if s.occupied {
			n++
		}
	}
	return n
}

// Each calls fn for every live entity. fn must not mutate the arena.
func (a *Arena) Each(fn func(id ID, value any)) {
	for idx, s := range a.slots {
		if s.occupied {
			fn(makeID(uint32(idx), s.generation), s.value)
		}
	}
}
