package engine

import (
	"sync/atomic"

	"github.com/callscope/callscope/internal/wire"
)

const maxKind = wire.KindProcessHeap

// Stats provides lock-free per-kind event counters. Snapshot
// atomically reads and resets all counters, making it suitable for
// periodic reporting without contention.
type Stats struct {
	counts [maxKind + 1]atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Record increments the counter for the given kind by one.
func (s *Stats) Record(k wire.Kind) {
	if k > maxKind {
		return
	}

	s.counts[k].Add(1)
}

// RecordN increments the counter for the given kind by n.
func (s *Stats) RecordN(k wire.Kind, n uint64) {
	if k > maxKind {
		return
	}

	s.counts[k].Add(n)
}

// Snapshot atomically reads and resets all counters, returning a map
// of only non-zero entries.
func (s *Stats) Snapshot() map[wire.Kind]uint64 {
	result := make(map[wire.Kind]uint64, maxKind)

	for i := range s.counts {
		v := s.counts[i].Swap(0)
		if v > 0 {
			result[wire.Kind(i)] = v
		}
	}

	return result
}
