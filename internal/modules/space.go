// Package modules tracks the module address space of traced processes:
// which code images occupy which address ranges in which process, with
// reconciliation for the conflicting and out-of-order module events
// real trace sessions produce.
package modules

import "sort"

// Info describes one loaded code image in a process.
type Info struct {
	BaseAddress   uint64
	ModuleSize    uint64
	Path          string
	Checksum      uint32
	TimeDateStamp uint32
}

// Range is a half-open address interval [Base, End).
type Range struct {
	Base uint64
	End  uint64
}

// NewRange creates the range covering size bytes starting at base.
func NewRange(base, size uint64) Range {
	return Range{Base: base, End: base + size}
}

// Intersects reports whether the two half-open ranges overlap.
func (r Range) Intersects(o Range) bool {
	return r.Base < o.End && o.Base < r.End
}

type entry struct {
	rng  Range
	info Info

	// dirty marks an entry whose module has been unloaded or whose
	// process has ended. Dirty entries stay resolvable for late
	// events and are evicted only by a conflicting insert.
	dirty bool
}

// Space is an ordered interval map from address ranges to module
// information within one process. Stored ranges never overlap; order
// is ascending by (Base, End).
type Space struct {
	entries []*entry
}

// Len returns the number of stored entries.
func (s *Space) Len() int {
	return len(s.entries)
}

// search returns the index of the first entry whose range ends after
// base, which is the only candidate position for an intersection.
func (s *Space) search(base uint64) int {
	return sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].rng.End > base
	})
}

// findFirstIntersection returns the first stored entry intersecting
// rng in key order, or nil.
func (s *Space) findFirstIntersection(rng Range) *entry {
	i := s.search(rng.Base)
	if i < len(s.entries) && s.entries[i].rng.Intersects(rng) {
		return s.entries[i]
	}

	return nil
}

// findOrInsert inserts a new entry for rng if no stored range
// intersects it and reports true; otherwise it returns the first
// intersecting entry and false.
func (s *Space) findOrInsert(rng Range, info Info) (*entry, bool) {
	i := s.search(rng.Base)
	if i < len(s.entries) && s.entries[i].rng.Intersects(rng) {
		return s.entries[i], false
	}

	e := &entry{rng: rng, info: info}
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e

	return e, true
}

// remove deletes the entry with exactly the given range. Removing an
// absent range is a no-op.
func (s *Space) remove(rng Range) {
	i := s.search(rng.Base)
	if i >= len(s.entries) || s.entries[i].rng != rng {
		return
	}

	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

// each calls fn for every entry in ascending key order.
func (s *Space) each(fn func(*entry)) {
	for _, e := range s.entries {
		fn(e)
	}
}
