package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/callscope/callscope/internal/wire"
)

func TestStatsRecordAndSnapshot(t *testing.T) {
	s := NewStats()

	s.Record(wire.KindEnterFunction)
	s.Record(wire.KindEnterFunction)
	s.RecordN(wire.KindBatchEnter, 40)

	snap := s.Snapshot()
	assert.Equal(t, map[wire.Kind]uint64{
		wire.KindEnterFunction: 2,
		wire.KindBatchEnter:    40,
	}, snap)

	// Snapshot resets.
	assert.Empty(t, s.Snapshot())
}

func TestStatsIgnoresOutOfRangeKind(t *testing.T) {
	s := NewStats()

	s.Record(wire.Kind(250))
	s.RecordN(wire.Kind(250), 5)

	assert.Empty(t, s.Snapshot())
}
