package sink

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callscope/callscope/internal/engine"
	"github.com/callscope/callscope/internal/wire"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// countingHandler counts callback invocations.
type countingHandler struct {
	engine.BaseHandler

	entries int
	ended   int
}

func (h *countingHandler) OnFunctionEntry(time.Time, uint32, uint32, *wire.EnterExitRecord) {
	h.entries++
}

func (h *countingHandler) OnProcessEnded(time.Time, uint32) {
	h.ended++
}

func TestMultiFansOutInOrder(t *testing.T) {
	var order []string

	first := &orderedHandler{name: "first", order: &order}
	second := &orderedHandler{name: "second", order: &order}

	m := NewMulti(first, second)
	m.OnProcessEnded(time.Now(), 100)

	assert.Equal(t, []string{"first", "second"}, order)
}

type orderedHandler struct {
	engine.BaseHandler

	name  string
	order *[]string
}

func (h *orderedHandler) OnProcessEnded(time.Time, uint32) {
	*h.order = append(*h.order, h.name)
}

func TestMultiForwardsAllKinds(t *testing.T) {
	a := &countingHandler{}
	b := &countingHandler{}

	m := NewMulti(a, b)

	m.OnFunctionEntry(time.Now(), 100, 7, &wire.EnterExitRecord{Function: 0x1000})
	m.OnFunctionEntry(time.Now(), 100, 7, &wire.EnterExitRecord{Function: 0x2000})
	m.OnProcessEnded(time.Now(), 100)

	assert.Equal(t, 2, a.entries)
	assert.Equal(t, 2, b.entries)
	assert.Equal(t, 1, a.ended)
	assert.Equal(t, 1, b.ended)
}

func TestStatsCountsEvents(t *testing.T) {
	s := NewStats(testLogger(), StatsConfig{Enabled: true, Interval: time.Hour})

	require.NoError(t, s.Start(context.Background()))

	now := time.Now()
	s.OnFunctionEntry(now, 100, 7, &wire.EnterExitRecord{})
	s.OnFunctionEntry(now, 100, 7, &wire.EnterExitRecord{})
	s.OnBatchFunctionEntry(now, 100, 7, &wire.BatchEnter{
		Calls: make([]wire.CallRecord, 5),
	})
	s.OnProcessEnded(now, 100)

	require.NoError(t, s.Stop())

	assert.Equal(t, uint64(2), s.totals[wire.KindEnterFunction])
	assert.Equal(t, uint64(5), s.totals[wire.KindBatchEnter])
	assert.Equal(t, uint64(1), s.totals[wire.KindProcessEnded])
}

func TestStatsDefaultInterval(t *testing.T) {
	s := NewStats(testLogger(), StatsConfig{Enabled: true})

	assert.Equal(t, 10*time.Second, s.cfg.Interval)
}
