// Package sink provides event consumers for the dispatch engine: a
// logging stats sink and a ClickHouse export sink, plus a multiplexer
// that fans one event stream out to several handlers.
package sink

import (
	"context"
	"time"

	"github.com/callscope/callscope/internal/engine"
	"github.com/callscope/callscope/internal/wire"
)

// Config holds configuration for all sinks.
type Config struct {
	Stats      StatsConfig      `yaml:"stats"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// Sink is an event consumer with a lifecycle. Sinks receive events
// through the engine.Handler callbacks.
type Sink interface {
	engine.Handler

	// Name returns the sink's name for logging.
	Name() string
	// Start initializes the sink.
	Start(ctx context.Context) error
	// Stop flushes and shuts down the sink.
	Stop() error
}

// Multi is a Handler that forwards every callback to an ordered list
// of handlers.
type Multi struct {
	handlers []engine.Handler
}

var _ engine.Handler = (*Multi)(nil)

// NewMulti creates a multiplexing handler.
func NewMulti(handlers ...engine.Handler) *Multi {
	return &Multi{handlers: handlers}
}

func (m *Multi) OnFunctionEntry(ts time.Time, pid, tid uint32, d *wire.EnterExitRecord) {
	for _, h := range m.handlers {
		h.OnFunctionEntry(ts, pid, tid, d)
	}
}

func (m *Multi) OnFunctionExit(ts time.Time, pid, tid uint32, d *wire.EnterExitRecord) {
	for _, h := range m.handlers {
		h.OnFunctionExit(ts, pid, tid, d)
	}
}

func (m *Multi) OnBatchFunctionEntry(ts time.Time, pid, tid uint32, d *wire.BatchEnter) {
	for _, h := range m.handlers {
		h.OnBatchFunctionEntry(ts, pid, tid, d)
	}
}

func (m *Multi) OnInvocationBatch(ts time.Time, pid, tid uint32, d *wire.BatchInvocation) {
	for _, h := range m.handlers {
		h.OnInvocationBatch(ts, pid, tid, d)
	}
}

func (m *Multi) OnProcessAttach(ts time.Time, pid, tid uint32, d *wire.ModuleRecord) {
	for _, h := range m.handlers {
		h.OnProcessAttach(ts, pid, tid, d)
	}
}

func (m *Multi) OnProcessDetach(ts time.Time, pid, tid uint32, d *wire.ModuleRecord) {
	for _, h := range m.handlers {
		h.OnProcessDetach(ts, pid, tid, d)
	}
}

func (m *Multi) OnThreadAttach(ts time.Time, pid, tid uint32, d *wire.ModuleRecord) {
	for _, h := range m.handlers {
		h.OnThreadAttach(ts, pid, tid, d)
	}
}

func (m *Multi) OnThreadDetach(ts time.Time, pid, tid uint32, d *wire.ModuleRecord) {
	for _, h := range m.handlers {
		h.OnThreadDetach(ts, pid, tid, d)
	}
}

func (m *Multi) OnProcessEnded(ts time.Time, pid uint32) {
	for _, h := range m.handlers {
		h.OnProcessEnded(ts, pid)
	}
}

func (m *Multi) OnThreadName(ts time.Time, pid, tid uint32, name []byte) {
	for _, h := range m.handlers {
		h.OnThreadName(ts, pid, tid, name)
	}
}

func (m *Multi) OnIndexedFrequency(ts time.Time, pid, tid uint32, d *wire.IndexedFrequency) {
	for _, h := range m.handlers {
		h.OnIndexedFrequency(ts, pid, tid, d)
	}
}

func (m *Multi) OnDynamicSymbol(pid, symbolID uint32, name []byte) {
	for _, h := range m.handlers {
		h.OnDynamicSymbol(pid, symbolID, name)
	}
}

func (m *Multi) OnSampleData(ts time.Time, pid uint32, d *wire.SampleData) {
	for _, h := range m.handlers {
		h.OnSampleData(ts, pid, d)
	}
}

func (m *Multi) OnFunctionNameTableEntry(ts time.Time, pid uint32, d *wire.FunctionNameTableEntry) {
	for _, h := range m.handlers {
		h.OnFunctionNameTableEntry(ts, pid, d)
	}
}

func (m *Multi) OnStackTrace(ts time.Time, pid uint32, d *wire.StackTrace) {
	for _, h := range m.handlers {
		h.OnStackTrace(ts, pid, d)
	}
}

func (m *Multi) OnDetailedFunctionCall(ts time.Time, pid, tid uint32, d *wire.DetailedCall) {
	for _, h := range m.handlers {
		h.OnDetailedFunctionCall(ts, pid, tid, d)
	}
}

func (m *Multi) OnComment(ts time.Time, pid uint32, d *wire.Comment) {
	for _, h := range m.handlers {
		h.OnComment(ts, pid, d)
	}
}

func (m *Multi) OnProcessHeap(ts time.Time, pid uint32, d *wire.ProcessHeap) {
	for _, h := range m.handlers {
		h.OnProcessHeap(ts, pid, d)
	}
}
