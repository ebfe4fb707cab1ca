package engine

import (
	"time"

	"github.com/callscope/callscope/internal/wire"
)

// Handler is the sink for dispatched events: one callback per event
// kind. Callbacks run synchronously on the dispatching goroutine.
// Payload pointers and borrowed byte slices are only valid for the
// duration of the callback and must not be retained.
type Handler interface {
	OnFunctionEntry(ts time.Time, pid, tid uint32, data *wire.EnterExitRecord)
	OnFunctionExit(ts time.Time, pid, tid uint32, data *wire.EnterExitRecord)
	OnBatchFunctionEntry(ts time.Time, pid, tid uint32, data *wire.BatchEnter)
	OnInvocationBatch(ts time.Time, pid, tid uint32, data *wire.BatchInvocation)
	OnProcessAttach(ts time.Time, pid, tid uint32, data *wire.ModuleRecord)
	OnProcessDetach(ts time.Time, pid, tid uint32, data *wire.ModuleRecord)
	OnThreadAttach(ts time.Time, pid, tid uint32, data *wire.ModuleRecord)
	OnThreadDetach(ts time.Time, pid, tid uint32, data *wire.ModuleRecord)
	OnProcessEnded(ts time.Time, pid uint32)
	OnThreadName(ts time.Time, pid, tid uint32, name []byte)
	OnIndexedFrequency(ts time.Time, pid, tid uint32, data *wire.IndexedFrequency)
	OnDynamicSymbol(pid, symbolID uint32, name []byte)
	OnSampleData(ts time.Time, pid uint32, data *wire.SampleData)
	OnFunctionNameTableEntry(ts time.Time, pid uint32, data *wire.FunctionNameTableEntry)
	OnStackTrace(ts time.Time, pid uint32, data *wire.StackTrace)
	OnDetailedFunctionCall(ts time.Time, pid, tid uint32, data *wire.DetailedCall)
	OnComment(ts time.Time, pid uint32, data *wire.Comment)
	OnProcessHeap(ts time.Time, pid uint32, data *wire.ProcessHeap)
}

// BaseHandler is a Handler that ignores every event. Embed it to
// implement only the callbacks a sink cares about.
type BaseHandler struct{}

var _ Handler = (*BaseHandler)(nil)

func (BaseHandler) OnFunctionEntry(time.Time, uint32, uint32, *wire.EnterExitRecord) {}
func (BaseHandler) OnFunctionExit(time.Time, uint32, uint32, *wire.EnterExitRecord)  {}
func (BaseHandler) OnBatchFunctionEntry(time.Time, uint32, uint32, *wire.BatchEnter) {}
func (BaseHandler) OnInvocationBatch(time.Time, uint32, uint32, *wire.BatchInvocation) {
}
func (BaseHandler) OnProcessAttach(time.Time, uint32, uint32, *wire.ModuleRecord) {}
func (BaseHandler) OnProcessDetach(time.Time, uint32, uint32, *wire.ModuleRecord) {}
func (BaseHandler) OnThreadAttach(time.Time, uint32, uint32, *wire.ModuleRecord)  {}
func (BaseHandler) OnThreadDetach(time.Time, uint32, uint32, *wire.ModuleRecord)  {}
func (BaseHandler) OnProcessEnded(time.Time, uint32)                              {}
func (BaseHandler) OnThreadName(time.Time, uint32, uint32, []byte)                {}
func (BaseHandler) OnIndexedFrequency(time.Time, uint32, uint32, *wire.IndexedFrequency) {
}
func (BaseHandler) OnDynamicSymbol(uint32, uint32, []byte)           {}
func (BaseHandler) OnSampleData(time.Time, uint32, *wire.SampleData) {}
func (BaseHandler) OnFunctionNameTableEntry(time.Time, uint32, *wire.FunctionNameTableEntry) {
}
func (BaseHandler) OnStackTrace(time.Time, uint32, *wire.StackTrace) {}
func (BaseHandler) OnDetailedFunctionCall(time.Time, uint32, uint32, *wire.DetailedCall) {
}
func (BaseHandler) OnComment(time.Time, uint32, *wire.Comment)         {}
func (BaseHandler) OnProcessHeap(time.Time, uint32, *wire.ProcessHeap) {}
