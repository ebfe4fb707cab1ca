package wire

import (
	"bytes"
	"errors"
)

// ErrMalformedBatch is returned when a batch invocation payload is not
// an even multiple of the invocation entry size.
var ErrMalformedBatch = errors.New("malformed batch payload")

// Payload layout sizes in bytes. All multi-byte fields are
// little-endian; addresses are 8 bytes. Producers write these layouts
// bit-exactly; the decoders below are the single point of truth on the
// consumer side.
const (
	EnterExitRecordSize   = 16
	BatchHeaderSize       = 8
	CallRecordSize        = 16
	InvocationInfoSize    = 40
	ModulePathSize        = 256
	ModuleRecordSize      = 24 + ModulePathSize
	FreqHeaderSize        = 32
	SymbolHeaderSize      = 4
	SampleHeaderSize      = 56
	SampleBucketSize      = 4
	NameEntryHeaderSize   = 8
	StackHeaderSize       = 8
	StackFrameSize        = 8
	CallHeaderSize        = 24
	CommentHeaderSize     = 4
	ProcessHeapRecordSize = 8
)

// EnterExitRecord is the payload of enter/exit function events.
// Layout: Function u64, Depth u32, Flags u32.
type EnterExitRecord struct {
	Function uint64
	Depth    uint32
	Flags    uint32
}

// DecodeEnterExit reads an EnterExitRecord from r.
func DecodeEnterExit(r *Reader) (*EnterExitRecord, error) {
	var (
		d   EnterExitRecord
		err error
	)

	if d.Function, err = r.Uint64(); err != nil {
		return nil, err
	}

	if d.Depth, err = r.Uint32(); err != nil {
		return nil, err
	}

	if d.Flags, err = r.Uint32(); err != nil {
		return nil, err
	}

	return &d, nil
}

// CallRecord is one entry in a batch enter event.
// Layout: Function u64, TickCount u32, Flags u32.
type CallRecord struct {
	Function  uint64
	TickCount uint32
	Flags     uint32
}

// BatchEnter is the payload of a batch enter event.
// Layout: ThreadID u32, NumCalls u32, then NumCalls CallRecord entries.
//
// A trailing entry with a zero Function means the emitting thread was
// interrupted mid-write; the decoder drops it, so Calls may be one
// entry shorter than the count written on the wire.
type BatchEnter struct {
	ThreadID uint32
	Calls    []CallRecord
}

// DecodeBatchEnter reads a BatchEnter from r.
func DecodeBatchEnter(r *Reader) (*BatchEnter, error) {
	var (
		d   BatchEnter
		err error
	)

	if d.ThreadID, err = r.Uint32(); err != nil {
		return nil, err
	}

	numCalls, err := r.Uint32()
	if err != nil {
		return nil, err
	}

	if r.Remaining() < int(numCalls)*CallRecordSize {
		return nil, ErrShortRecord
	}

	d.Calls = make([]CallRecord, numCalls)
	for i := range d.Calls {
		c := &d.Calls[i]

		if c.Function, err = r.Uint64(); err != nil {
			return nil, err
		}

		if c.TickCount, err = r.Uint32(); err != nil {
			return nil, err
		}

		if c.Flags, err = r.Uint32(); err != nil {
			return nil, err
		}
	}

	if n := len(d.Calls); n > 0 && d.Calls[n-1].Function == 0 {
		d.Calls = d.Calls[:n-1]
	}

	return &d, nil
}

// InvocationInfo is one aggregated invocation summary.
// Layout: Caller u64, Function u64, Count u32, Flags u32,
// CyclesMin u64, CyclesSum u64.
type InvocationInfo struct {
	Caller    uint64
	Function  uint64
	Count     uint32
	Flags     uint32
	CyclesMin uint64
	CyclesSum uint64
}

// BatchInvocation is the payload of a batch invocation event: a bare
// array of InvocationInfo entries filling the whole payload. The
// payload length must be an even multiple of InvocationInfoSize.
type BatchInvocation struct {
	Invocations []InvocationInfo
}

// DecodeBatchInvocation reads a BatchInvocation from r.
func DecodeBatchInvocation(r *Reader) (*BatchInvocation, error) {
	if r.Len()%InvocationInfoSize != 0 {
		return nil, ErrMalformedBatch
	}

	var (
		d   BatchInvocation
		err error
	)

	d.Invocations = make([]InvocationInfo, r.Len()/InvocationInfoSize)
	for i := range d.Invocations {
		inv := &d.Invocations[i]

		if inv.Caller, err = r.Uint64(); err != nil {
			return nil, err
		}

		if inv.Function, err = r.Uint64(); err != nil {
			return nil, err
		}

		if inv.Count, err = r.Uint32(); err != nil {
			return nil, err
		}

		if inv.Flags, err = r.Uint32(); err != nil {
			return nil, err
		}

		if inv.CyclesMin, err = r.Uint64(); err != nil {
			return nil, err
		}

		if inv.CyclesSum, err = r.Uint64(); err != nil {
			return nil, err
		}
	}

	return &d, nil
}

// ModuleRecord is the payload of process/thread attach/detach events.
// Layout: BaseAddress u64, ModuleSize u64, Checksum u32,
// TimeDateStamp u32, Path [256]byte NUL-padded UTF-8.
type ModuleRecord struct {
	BaseAddress   uint64
	ModuleSize    uint64
	Checksum      uint32
	TimeDateStamp uint32
	Path          string
}

// DecodeModule reads a ModuleRecord from r. The path is copied out of
// the payload since module information outlives the record.
func DecodeModule(r *Reader) (*ModuleRecord, error) {
	var (
		d   ModuleRecord
		err error
	)

	if d.BaseAddress, err = r.Uint64(); err != nil {
		return nil, err
	}

	if d.ModuleSize, err = r.Uint64(); err != nil {
		return nil, err
	}

	if d.Checksum, err = r.Uint32(); err != nil {
		return nil, err
	}

	if d.TimeDateStamp, err = r.Uint32(); err != nil {
		return nil, err
	}

	raw, err := r.ReadBytes(ModulePathSize)
	if err != nil {
		return nil, err
	}

	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}

	d.Path = string(raw)

	return &d, nil
}

// IndexedFrequency is the payload of an indexed frequency event.
// Layout: ModuleBaseAddress u64, ModuleSize u64, Checksum u32,
// TimeDateStamp u32, NumEntries u32, FrequencySize u8, DataType u8,
// pad [2]byte, then NumEntries*FrequencySize data bytes.
type IndexedFrequency struct {
	ModuleBaseAddress uint64
	ModuleSize        uint64
	Checksum          uint32
	TimeDateStamp     uint32
	NumEntries        uint32
	FrequencySize     uint8
	DataType          uint8

	// Data is the raw frequency table, NumEntries entries of
	// FrequencySize bytes each, borrowed from the payload.
	Data []byte
}

// DecodeIndexedFrequency reads an IndexedFrequency from r.
func DecodeIndexedFrequency(r *Reader) (*IndexedFrequency, error) {
	var (
		d   IndexedFrequency
		err error
	)

	if d.ModuleBaseAddress, err = r.Uint64(); err != nil {
		return nil, err
	}

	if d.ModuleSize, err = r.Uint64(); err != nil {
		return nil, err
	}

	if d.Checksum, err = r.Uint32(); err != nil {
		return nil, err
	}

	if d.TimeDateStamp, err = r.Uint32(); err != nil {
		return nil, err
	}

	if d.NumEntries, err = r.Uint32(); err != nil {
		return nil, err
	}

	if d.FrequencySize, err = r.Uint8(); err != nil {
		return nil, err
	}

	if d.DataType, err = r.Uint8(); err != nil {
		return nil, err
	}

	if err = r.Consume(2); err != nil {
		return nil, err
	}

	d.Data, err = r.ReadBytes(int(d.FrequencySize) * int(d.NumEntries))
	if err != nil {
		return nil, err
	}

	return &d, nil
}

// DynamicSymbol is the payload of a dynamic symbol event.
// Layout: SymbolID u32, then a NUL-terminated name.
type DynamicSymbol struct {
	SymbolID uint32

	// Name is borrowed from the payload.
	Name []byte
}

// DecodeDynamicSymbol reads a DynamicSymbol from r.
func DecodeDynamicSymbol(r *Reader) (*DynamicSymbol, error) {
	var (
		d   DynamicSymbol
		err error
	)

	if d.SymbolID, err = r.Uint32(); err != nil {
		return nil, err
	}

	if d.Name, err = r.ReadString(); err != nil {
		return nil, err
	}

	return &d, nil
}

// SampleData is the payload of a sampling profiler event.
// Layout: ModuleBaseAddress u64, ModuleSize u64, Checksum u32,
// TimeDateStamp u32, BucketSize u32, BucketCount u32, BucketStart u64,
// SamplingStart u64 (filetime), SamplingEnd u64 (filetime), then
// BucketCount u32 bucket counters.
type SampleData struct {
	ModuleBaseAddress uint64
	ModuleSize        uint64
	Checksum          uint32
	TimeDateStamp     uint32
	BucketSize        uint32
	BucketStart       uint64
	SamplingStart     uint64
	SamplingEnd       uint64
	Buckets           []uint32
}

// DecodeSampleData reads a SampleData from r.
func DecodeSampleData(r *Reader) (*SampleData, error) {
	var (
		d   SampleData
		err error
	)

	if d.ModuleBaseAddress, err = r.Uint64(); err != nil {
		return nil, err
	}

	if d.ModuleSize, err = r.Uint64(); err != nil {
		return nil, err
	}

	if d.Checksum, err = r.Uint32(); err != nil {
		return nil, err
	}

	if d.TimeDateStamp, err = r.Uint32(); err != nil {
		return nil, err
	}

	if d.BucketSize, err = r.Uint32(); err != nil {
		return nil, err
	}

	bucketCount, err := r.Uint32()
	if err != nil {
		return nil, err
	}

	if d.BucketStart, err = r.Uint64(); err != nil {
		return nil, err
	}

	if d.SamplingStart, err = r.Uint64(); err != nil {
		return nil, err
	}

	if d.SamplingEnd, err = r.Uint64(); err != nil {
		return nil, err
	}

	if r.Remaining() < int(bucketCount)*SampleBucketSize {
		return nil, ErrShortRecord
	}

	d.Buckets = make([]uint32, bucketCount)
	for i := range d.Buckets {
		if d.Buckets[i], err = r.Uint32(); err != nil {
			return nil, err
		}
	}

	return &d, nil
}

// FunctionNameTableEntry is the payload of a function name table event.
// Layout: FunctionID u32, NameLength u32, then NameLength name bytes.
type FunctionNameTableEntry struct {
	FunctionID uint32

	// Name is borrowed from the payload.
	Name []byte
}

// DecodeFunctionNameTableEntry reads a FunctionNameTableEntry from r.
func DecodeFunctionNameTableEntry(r *Reader) (*FunctionNameTableEntry, error) {
	var (
		d   FunctionNameTableEntry
		err error
	)

	if d.FunctionID, err = r.Uint32(); err != nil {
		return nil, err
	}

	nameLength, err := r.Uint32()
	if err != nil {
		return nil, err
	}

	if d.Name, err = r.ReadBytes(int(nameLength)); err != nil {
		return nil, err
	}

	return &d, nil
}

// StackTrace is the payload of a stack trace event.
// Layout: StackID u32, NumFrames u32, then NumFrames u64 frames.
type StackTrace struct {
	StackID uint32
	Frames  []uint64
}

// DecodeStackTrace reads a StackTrace from r.
func DecodeStackTrace(r *Reader) (*StackTrace, error) {
	var (
		d   StackTrace
		err error
	)

	if d.StackID, err = r.Uint32(); err != nil {
		return nil, err
	}

	numFrames, err := r.Uint32()
	if err != nil {
		return nil, err
	}

	if r.Remaining() < int(numFrames)*StackFrameSize {
		return nil, ErrShortRecord
	}

	d.Frames = make([]uint64, numFrames)
	for i := range d.Frames {
		if d.Frames[i], err = r.Uint64(); err != nil {
			return nil, err
		}
	}

	return &d, nil
}

// DetailedCall is the payload of a detailed function call event.
// Layout: Timestamp u64, Function u64, StackID u32,
// ArgumentDataSize u32, then ArgumentDataSize argument bytes.
type DetailedCall struct {
	Timestamp uint64
	Function  uint64
	StackID   uint32

	// ArgumentData is borrowed from the payload.
	ArgumentData []byte
}

// DecodeDetailedCall reads a DetailedCall from r.
func DecodeDetailedCall(r *Reader) (*DetailedCall, error) {
	var (
		d   DetailedCall
		err error
	)

	if d.Timestamp, err = r.Uint64(); err != nil {
		return nil, err
	}

	if d.Function, err = r.Uint64(); err != nil {
		return nil, err
	}

	if d.StackID, err = r.Uint32(); err != nil {
		return nil, err
	}

	size, err := r.Uint32()
	if err != nil {
		return nil, err
	}

	if d.ArgumentData, err = r.ReadBytes(int(size)); err != nil {
		return nil, err
	}

	return &d, nil
}

// Comment is the payload of a comment event.
// Layout: CommentSize u32, then CommentSize comment bytes.
type Comment struct {
	// Comment is borrowed from the payload.
	Comment []byte
}

// DecodeComment reads a Comment from r.
func DecodeComment(r *Reader) (*Comment, error) {
	size, err := r.Uint32()
	if err != nil {
		return nil, err
	}

	var d Comment

	if d.Comment, err = r.ReadBytes(int(size)); err != nil {
		return nil, err
	}

	return &d, nil
}

// ProcessHeap is the payload of a process heap event.
// Layout: Heap u64.
type ProcessHeap struct {
	Heap uint64
}

// DecodeProcessHeap reads a ProcessHeap from r.
func DecodeProcessHeap(r *Reader) (*ProcessHeap, error) {
	heap, err := r.Uint64()
	if err != nil {
		return nil, err
	}

	return &ProcessHeap{Heap: heap}, nil
}
