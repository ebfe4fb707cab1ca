// Package wire defines the binary event record format produced by the
// call-trace runtime: the record header, the closed set of event kinds,
// and decoders for each kind's payload.
package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClassGUID identifies call-trace records. Records carrying any other
// class GUID belong to a different provider and are ignored.
var ClassGUID = uuid.MustParse("44caeed0-5432-4c2d-96fa-cec50c742f01")

// Kind identifies the type of a call-trace event record.
type Kind uint8

// Event kind codes start at 10; codes below 10 are not assigned to any
// kind.
const (
	KindEnterFunction     Kind = 10
	KindExitFunction      Kind = 11
	KindBatchEnter        Kind = 12
	KindProcessAttach     Kind = 13
	KindProcessDetach     Kind = 14
	KindThreadAttach      Kind = 15
	KindThreadDetach      Kind = 16
	KindModule            Kind = 17
	KindProcessEnded      Kind = 18
	KindBatchInvocation   Kind = 19
	KindThreadName        Kind = 20
	KindIndexedFrequency  Kind = 21
	KindDynamicSymbol     Kind = 22
	KindSampleData        Kind = 23
	KindFunctionNameTable Kind = 24
	KindStackTrace        Kind = 25
	KindDetailedCall      Kind = 26
	KindComment           Kind = 27
	KindProcessHeap       Kind = 28
)

// String returns the human-readable name of the event kind.
func (k Kind) String() string {
	switch k {
	case KindEnterFunction:
		return "enter_function"
	case KindExitFunction:
		return "exit_function"
	case KindBatchEnter:
		return "batch_enter"
	case KindProcessAttach:
		return "process_attach"
	case KindProcessDetach:
		return "process_detach"
	case KindThreadAttach:
		return "thread_attach"
	case KindThreadDetach:
		return "thread_detach"
	case KindModule:
		return "module"
	case KindProcessEnded:
		return "process_ended"
	case KindBatchInvocation:
		return "batch_invocation"
	case KindThreadName:
		return "thread_name"
	case KindIndexedFrequency:
		return "indexed_frequency"
	case KindDynamicSymbol:
		return "dynamic_symbol"
	case KindSampleData:
		return "sample_data"
	case KindFunctionNameTable:
		return "function_name_table"
	case KindStackTrace:
		return "stack_trace"
	case KindDetailedCall:
		return "detailed_call"
	case KindComment:
		return "comment"
	case KindProcessHeap:
		return "process_heap"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Header is the framing header of one event record, supplied by the
// transport alongside the payload bytes.
type Header struct {
	// Class is the provider class GUID of the record.
	Class uuid.UUID
	// Kind is the event type code within the class.
	Kind Kind
	// ProcessID is the id of the emitting process.
	ProcessID uint32
	// ThreadID is the id of the emitting thread.
	ThreadID uint32
	// Timestamp is the event time as a filetime: 100 ns intervals
	// since January 1, 1601 UTC.
	Timestamp uint64
}

// Record is one framed event. Payload is borrowed from the transport
// and is only valid for the duration of a single dispatch.
type Record struct {
	Header  Header
	Payload []byte
}

// Time converts the header filetime to a time.Time.
func (h Header) Time() time.Time {
	return TimeFromFiletime(h.Timestamp)
}

// filetimeEpochDelta is the number of 100 ns intervals between the
// filetime epoch (1601-01-01) and the Unix epoch (1970-01-01).
const filetimeEpochDelta = 116444736000000000

// TimeFromFiletime converts a filetime (100 ns intervals since
// 1601-01-01 UTC) to a time.Time.
func TimeFromFiletime(ft uint64) time.Time {
	ticks := int64(ft) - filetimeEpochDelta

	return time.Unix(ticks/1e7, (ticks%1e7)*100).UTC()
}

// FiletimeFromTime converts a time.Time to a filetime.
func FiletimeFromTime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100 + filetimeEpochDelta)
}
