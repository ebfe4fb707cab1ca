package engine

import (
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callscope/callscope/internal/wire"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// call records one handler invocation for assertion.
type call struct {
	name string
	ts   time.Time
	pid  uint32
	tid  uint32
	data interface{}
}

// recordingHandler captures every callback in order.
type recordingHandler struct {
	calls []call

	// onProcessAttach, when set, runs inside the attach callback.
	onProcessAttach func()
}

var _ Handler = (*recordingHandler)(nil)

func (h *recordingHandler) add(name string, ts time.Time, pid, tid uint32, data interface{}) {
	h.calls = append(h.calls, call{name: name, ts: ts, pid: pid, tid: tid, data: data})
}

func (h *recordingHandler) names() []string {
	names := make([]string, 0, len(h.calls))
	for _, c := range h.calls {
		names = append(names, c.name)
	}

	return names
}

func (h *recordingHandler) OnFunctionEntry(ts time.Time, pid, tid uint32, d *wire.EnterExitRecord) {
	h.add("OnFunctionEntry", ts, pid, tid, d)
}

func (h *recordingHandler) OnFunctionExit(ts time.Time, pid, tid uint32, d *wire.EnterExitRecord) {
	h.add("OnFunctionExit", ts, pid, tid, d)
}

func (h *recordingHandler) OnBatchFunctionEntry(ts time.Time, pid, tid uint32, d *wire.BatchEnter) {
	h.add("OnBatchFunctionEntry", ts, pid, tid, d)
}

func (h *recordingHandler) OnInvocationBatch(ts time.Time, pid, tid uint32, d *wire.BatchInvocation) {
	h.add("OnInvocationBatch", ts, pid, tid, d)
}

func (h *recordingHandler) OnProcessAttach(ts time.Time, pid, tid uint32, d *wire.ModuleRecord) {
	if h.onProcessAttach != nil {
		h.onProcessAttach()
	}

	h.add("OnProcessAttach", ts, pid, tid, d)
}

func (h *recordingHandler) OnProcessDetach(ts time.Time, pid, tid uint32, d *wire.ModuleRecord) {
	h.add("OnProcessDetach", ts, pid, tid, d)
}

func (h *recordingHandler) OnThreadAttach(ts time.Time, pid, tid uint32, d *wire.ModuleRecord) {
	h.add("OnThreadAttach", ts, pid, tid, d)
}

func (h *recordingHandler) OnThreadDetach(ts time.Time, pid, tid uint32, d *wire.ModuleRecord) {
	h.add("OnThreadDetach", ts, pid, tid, d)
}

func (h *recordingHandler) OnProcessEnded(ts time.Time, pid uint32) {
	h.add("OnProcessEnded", ts, pid, 0, nil)
}

func (h *recordingHandler) OnThreadName(ts time.Time, pid, tid uint32, name []byte) {
	h.add("OnThreadName", ts, pid, tid, string(name))
}

func (h *recordingHandler) OnIndexedFrequency(ts time.Time, pid, tid uint32, d *wire.IndexedFrequency) {
	h.add("OnIndexedFrequency", ts, pid, tid, d)
}

func (h *recordingHandler) OnDynamicSymbol(pid, symbolID uint32, name []byte) {
	h.add("OnDynamicSymbol", time.Time{}, pid, 0, string(name))
}

func (h *recordingHandler) OnSampleData(ts time.Time, pid uint32, d *wire.SampleData) {
	h.add("OnSampleData", ts, pid, 0, d)
}

func (h *recordingHandler) OnFunctionNameTableEntry(ts time.Time, pid uint32, d *wire.FunctionNameTableEntry) {
	h.add("OnFunctionNameTableEntry", ts, pid, 0, d)
}

func (h *recordingHandler) OnStackTrace(ts time.Time, pid uint32, d *wire.StackTrace) {
	h.add("OnStackTrace", ts, pid, 0, d)
}

func (h *recordingHandler) OnDetailedFunctionCall(ts time.Time, pid, tid uint32, d *wire.DetailedCall) {
	h.add("OnDetailedFunctionCall", ts, pid, tid, d)
}

func (h *recordingHandler) OnComment(ts time.Time, pid uint32, d *wire.Comment) {
	h.add("OnComment", ts, pid, 0, d)
}

func (h *recordingHandler) OnProcessHeap(ts time.Time, pid uint32, d *wire.ProcessHeap) {
	h.add("OnProcessHeap", ts, pid, 0, d)
}

var testTime = time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)

func record(kind wire.Kind, pid, tid uint32, payload []byte) *wire.Record {
	return &wire.Record{
		Header: wire.Header{
			Class:     wire.ClassGUID,
			Kind:      kind,
			ProcessID: pid,
			ThreadID:  tid,
			Timestamp: wire.FiletimeFromTime(testTime),
		},
		Payload: payload,
	}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *recordingHandler) {
	t.Helper()

	e := New(testLogger(), "test", opts...)
	h := &recordingHandler{}
	e.SetHandler(h)

	return e, h
}

func putU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func putU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func enterExitPayload(fn uint64) []byte {
	b := putU64(nil, fn)
	b = putU32(b, 1)
	b = putU32(b, 0)

	return b
}

func modulePayload(base, size uint64, checksum, tds uint32, path string) []byte {
	b := putU64(nil, base)
	b = putU64(b, size)
	b = putU32(b, checksum)
	b = putU32(b, tds)

	p := make([]byte, wire.ModulePathSize)
	copy(p, path)

	return append(b, p...)
}

func TestEngineName(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Equal(t, "test", e.Name())

	assert.Panics(t, func() { New(testLogger(), "") })
}

func TestEngineSetHandlerTwicePanics(t *testing.T) {
	e, _ := newTestEngine(t)

	assert.Panics(t, func() { e.SetHandler(&recordingHandler{}) })
}

func TestEngineDispatchBeforeHandlerPanics(t *testing.T) {
	e := New(testLogger(), "test")

	assert.Panics(t, func() {
		e.DispatchEvent(record(wire.KindProcessEnded, 1, 0, nil))
	})
}

func TestEngineForeignClassIgnored(t *testing.T) {
	e, h := newTestEngine(t)

	rec := record(wire.KindEnterFunction, 100, 7, enterExitPayload(0x1234))
	rec.Header.Class = uuid.MustParse("00000000-0000-0000-0000-000000000001")

	assert.False(t, e.DispatchEvent(rec))
	assert.False(t, e.ErrorOccurred())
	assert.Empty(t, h.calls)
}

func TestEngineAttachEnterExit(t *testing.T) {
	e, h := newTestEngine(t)

	attach := record(
		wire.KindProcessAttach, 100, 7,
		modulePayload(0x1000, 0x2000, 0xc0ffee, 0x5eed, "a.dll"),
	)
	assert.True(t, e.DispatchEvent(attach))

	enter := record(wire.KindEnterFunction, 100, 7, enterExitPayload(0x1234))
	assert.True(t, e.DispatchEvent(enter))

	exit := record(wire.KindExitFunction, 100, 7, enterExitPayload(0x1234))
	assert.True(t, e.DispatchEvent(exit))

	require.False(t, e.ErrorOccurred())
	assert.Equal(
		t,
		[]string{"OnProcessAttach", "OnFunctionEntry", "OnFunctionExit"},
		h.names(),
	)

	entry := h.calls[1]
	assert.Equal(t, testTime, entry.ts)
	assert.Equal(t, uint32(100), entry.pid)
	assert.Equal(t, uint32(7), entry.tid)
	assert.Equal(t, uint64(0x1234), entry.data.(*wire.EnterExitRecord).Function)

	info, ok := e.ModuleAt(100, 0x1234)
	require.True(t, ok)
	assert.Equal(t, "a.dll", info.Path)
}

func TestEngineAttachInstallsModuleBeforeCallback(t *testing.T) {
	e, h := newTestEngine(t)

	var visible bool

	h.onProcessAttach = func() {
		_, visible = e.ModuleAt(100, 0x1234)
	}

	attach := record(
		wire.KindProcessAttach, 100, 7,
		modulePayload(0x1000, 0x2000, 0xc0ffee, 0x5eed, "a.dll"),
	)
	require.True(t, e.DispatchEvent(attach))

	assert.True(t, visible)
}

func TestEngineDetachCallbackBeforeRemoval(t *testing.T) {
	e, h := newTestEngine(t)

	payload := modulePayload(0x1000, 0x2000, 0xc0ffee, 0x5eed, "a.dll")
	require.True(t, e.DispatchEvent(record(wire.KindProcessAttach, 100, 7, payload)))
	require.True(t, e.DispatchEvent(record(wire.KindProcessDetach, 100, 7, payload)))

	require.False(t, e.ErrorOccurred())
	assert.Equal(t, []string{"OnProcessAttach", "OnProcessDetach"}, h.names())

	// Detach only dirties the entry; late events still resolve.
	_, ok := e.ModuleAt(100, 0x1234)
	assert.True(t, ok)
}

func TestEnginePathAliasReconciliation(t *testing.T) {
	e, _ := newTestEngine(t, WithFailOnModuleConflict())

	first := record(
		wire.KindProcessAttach, 100, 7,
		modulePayload(0x1000, 0x2000, 0xc0ffee, 0x5eed, `\Device\HarddiskVolume1\a.dll`),
	)
	require.True(t, e.DispatchEvent(first))

	second := record(
		wire.KindProcessAttach, 100, 7,
		modulePayload(0x1000, 0x2000, 0xc0ffee, 0x5eed, `C:\a.dll`),
	)
	require.True(t, e.DispatchEvent(second))

	assert.False(t, e.ErrorOccurred())
}

func TestEngineModuleConflictStrict(t *testing.T) {
	e, _ := newTestEngine(t, WithFailOnModuleConflict())

	first := record(
		wire.KindProcessAttach, 100, 7,
		modulePayload(0x1000, 0x2000, 0x1111, 0x5eed, "a.dll"),
	)
	require.True(t, e.DispatchEvent(first))

	second := record(
		wire.KindProcessAttach, 100, 7,
		modulePayload(0x1000, 0x2000, 0x2222, 0x5eed, "b.dll"),
	)
	assert.True(t, e.DispatchEvent(second))
	assert.True(t, e.ErrorOccurred())
}

func TestEngineModuleConflictLenient(t *testing.T) {
	e, _ := newTestEngine(t)

	first := record(
		wire.KindProcessAttach, 100, 7,
		modulePayload(0x1000, 0x2000, 0x1111, 0x5eed, "a.dll"),
	)
	require.True(t, e.DispatchEvent(first))

	second := record(
		wire.KindProcessAttach, 100, 7,
		modulePayload(0x1000, 0x2000, 0x2222, 0x5eed, "b.dll"),
	)
	assert.True(t, e.DispatchEvent(second))
	assert.False(t, e.ErrorOccurred())
}

func TestEnginePidReuseAfterProcessEnded(t *testing.T) {
	e, h := newTestEngine(t, WithFailOnModuleConflict())

	m1 := record(
		wire.KindProcessAttach, 50, 7,
		modulePayload(0x1000, 0x2000, 0x1111, 0x5eed, "m1.dll"),
	)
	require.True(t, e.DispatchEvent(m1))

	require.True(t, e.DispatchEvent(record(wire.KindProcessEnded, 50, 0, nil)))
	require.False(t, e.ErrorOccurred())

	m2 := record(
		wire.KindProcessAttach, 50, 7,
		modulePayload(0x1800, 0x2000, 0x2222, 0x5eed, "m2.dll"),
	)
	require.True(t, e.DispatchEvent(m2))
	require.False(t, e.ErrorOccurred())

	info, ok := e.ModuleAt(50, 0x1900)
	require.True(t, ok)
	assert.Equal(t, "m2.dll", info.Path)

	assert.Equal(
		t,
		[]string{"OnProcessAttach", "OnProcessEnded", "OnProcessAttach"},
		h.names(),
	)
}

func TestEngineProcessEndedUnknownPidLatches(t *testing.T) {
	e, h := newTestEngine(t)

	assert.True(t, e.DispatchEvent(record(wire.KindProcessEnded, 99, 0, nil)))
	assert.True(t, e.ErrorOccurred())

	// The handler still saw the event before the fault latched.
	assert.Equal(t, []string{"OnProcessEnded"}, h.names())
}

func TestEngineDispatchAfterFaultPanics(t *testing.T) {
	e, _ := newTestEngine(t)

	require.True(t, e.DispatchEvent(record(wire.KindProcessEnded, 99, 0, nil)))
	require.True(t, e.ErrorOccurred())

	assert.Panics(t, func() {
		e.DispatchEvent(record(wire.KindProcessEnded, 99, 0, nil))
	})
}

func TestEngineZeroBaseModuleIsNoOp(t *testing.T) {
	e, h := newTestEngine(t, WithFailOnModuleConflict())

	rec := record(
		wire.KindProcessAttach, 100, 7,
		modulePayload(0, 0x2000, 0x1111, 0x5eed, "a.dll"),
	)
	assert.True(t, e.DispatchEvent(rec))
	assert.False(t, e.ErrorOccurred())
	assert.Empty(t, h.calls)
}

func TestEngineShortStackTraceLatches(t *testing.T) {
	e, h := newTestEngine(t)

	b := putU32(nil, 1) // stack id
	b = putU32(b, 4)    // four frames promised
	b = append(b, make([]byte, 3*wire.StackFrameSize)...)

	assert.True(t, e.DispatchEvent(record(wire.KindStackTrace, 100, 7, b)))
	assert.True(t, e.ErrorOccurred())
	assert.Empty(t, h.calls)
}

func TestEngineStackTraceExactLength(t *testing.T) {
	e, h := newTestEngine(t)

	b := putU32(nil, 1)
	b = putU32(b, 2)
	b = putU64(b, 0xaaaa)
	b = putU64(b, 0xbbbb)

	assert.True(t, e.DispatchEvent(record(wire.KindStackTrace, 100, 7, b)))
	assert.False(t, e.ErrorOccurred())

	require.Len(t, h.calls, 1)
	assert.Equal(t, []uint64{0xaaaa, 0xbbbb}, h.calls[0].data.(*wire.StackTrace).Frames)
}

func TestEngineTruncatedBatchDelivered(t *testing.T) {
	e, h := newTestEngine(t)

	b := putU32(nil, 9) // batch thread id
	b = putU32(b, 3)
	b = putU64(b, 0x1000)
	b = putU32(b, 1)
	b = putU32(b, 0)
	b = putU64(b, 0x2000)
	b = putU32(b, 2)
	b = putU32(b, 0)
	b = append(b, make([]byte, wire.CallRecordSize)...)

	assert.True(t, e.DispatchEvent(record(wire.KindBatchEnter, 100, 7, b)))
	assert.False(t, e.ErrorOccurred())

	require.Len(t, h.calls, 1)
	assert.Equal(t, uint32(9), h.calls[0].tid)

	batch := h.calls[0].data.(*wire.BatchEnter)
	require.Len(t, batch.Calls, 2)
	assert.Equal(t, uint64(0x2000), batch.Calls[1].Function)
}

func TestEngineUnevenInvocationBatchLatches(t *testing.T) {
	e, _ := newTestEngine(t)

	rec := record(
		wire.KindBatchInvocation, 100, 7,
		make([]byte, wire.InvocationInfoSize+1),
	)
	assert.True(t, e.DispatchEvent(rec))
	assert.True(t, e.ErrorOccurred())
}

func TestEngineUnknownKindLatches(t *testing.T) {
	e, _ := newTestEngine(t)

	assert.True(t, e.DispatchEvent(record(wire.Kind(200), 100, 7, nil)))
	assert.True(t, e.ErrorOccurred())
}

func TestEngineReservedModuleKindIgnored(t *testing.T) {
	e, h := newTestEngine(t)

	assert.True(t, e.DispatchEvent(record(wire.KindModule, 100, 7, nil)))
	assert.False(t, e.ErrorOccurred())
	assert.Empty(t, h.calls)
}

func TestEngineThreadName(t *testing.T) {
	e, h := newTestEngine(t)

	rec := record(wire.KindThreadName, 100, 7, []byte("io-worker\x00"))
	assert.True(t, e.DispatchEvent(rec))

	require.Len(t, h.calls, 1)
	assert.Equal(t, "OnThreadName", h.calls[0].name)
	assert.Equal(t, "io-worker", h.calls[0].data.(string))
}

func TestEngineDynamicSymbol(t *testing.T) {
	e, h := newTestEngine(t)

	b := putU32(nil, 41)
	b = append(b, []byte("jit_thunk\x00")...)

	assert.True(t, e.DispatchEvent(record(wire.KindDynamicSymbol, 100, 7, b)))

	require.Len(t, h.calls, 1)
	assert.Equal(t, "OnDynamicSymbol", h.calls[0].name)
	assert.Equal(t, "jit_thunk", h.calls[0].data.(string))
}

func TestEngineShortEnterExitLatches(t *testing.T) {
	e, _ := newTestEngine(t)

	rec := record(
		wire.KindEnterFunction, 100, 7,
		make([]byte, wire.EnterExitRecordSize-1),
	)
	assert.True(t, e.DispatchEvent(rec))
	assert.True(t, e.ErrorOccurred())
}
