// Package engine dispatches call-trace event records: it classifies
// each record, validates its payload against the kind's wire layout,
// keeps per-process module maps current, and invokes the bound
// handler callback. The engine is single-threaded; the caller owns
// sequencing.
package engine

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/callscope/callscope/internal/modules"
	"github.com/callscope/callscope/internal/wire"
)

// ErrUnknownKind is logged when a record's class GUID matches but its
// type code is not in the event kind enumeration.
var ErrUnknownKind = errors.New("unknown event kind")

// state tracks the engine lifecycle. Faulted is terminal.
type state int

const (
	stateFresh state = iota
	stateReady
	stateFaulted
)

// Engine is the call-trace dispatch engine.
type Engine struct {
	log      logrus.FieldLogger
	name     string
	handler  Handler
	state    state
	registry *modules.Registry

	failOnModuleConflict bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithFailOnModuleConflict makes unreconciled module conflicts latch
// the engine fault instead of being logged and ignored.
func WithFailOnModuleConflict() Option {
	return func(e *Engine) {
		e.failOnModuleConflict = true
	}
}

// New creates an Engine with the given name. The name must be
// non-empty. A handler must be bound with SetHandler before the first
// dispatch.
func New(log logrus.FieldLogger, name string, opts ...Option) *Engine {
	if name == "" {
		panic("engine: empty name")
	}

	e := &Engine{
		log:   log.WithField("component", "engine").WithField("engine", name),
		name:  name,
		state: stateFresh,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.registry = modules.NewRegistry(e.log, e.failOnModuleConflict)

	return e
}

// Name returns the engine name.
func (e *Engine) Name() string {
	return e.name
}

// ErrorOccurred reports whether a dispatch fault has been latched.
// Once latched the engine is terminal and the session should be torn
// down.
func (e *Engine) ErrorOccurred() bool {
	return e.state == stateFaulted
}

// SetHandler binds the event handler. It must be called exactly once,
// before the first dispatch.
func (e *Engine) SetHandler(h Handler) {
	if e.handler != nil {
		panic("engine: handler already bound")
	}

	if h == nil {
		panic("engine: nil handler")
	}

	e.handler = h
	e.state = stateReady
}

// ModuleAt returns the module containing addr in pid's address space
// at the current point of the event stream.
func (e *Engine) ModuleAt(pid uint32, addr uint64) (modules.Info, bool) {
	return e.registry.Lookup(pid, addr)
}

// ProcessCount returns the number of processes with a module map.
func (e *Engine) ProcessCount() int {
	return e.registry.ProcessCount()
}

// ModuleCount returns the total number of tracked module entries.
func (e *Engine) ModuleCount() int {
	return e.registry.ModuleCount()
}

// DispatchEvent routes one event record. It returns false when the
// record belongs to a foreign event class and was ignored, true
// otherwise. Any validation or bookkeeping failure latches the fault
// flag; the record's payload is borrowed and not retained.
//
// Dispatching without a bound handler, or after a fault has latched,
// is a caller contract violation and panics.
func (e *Engine) DispatchEvent(rec *wire.Record) bool {
	if e.state == stateFresh {
		panic("engine: dispatch before handler bound")
	}

	if e.state == stateFaulted {
		panic("engine: dispatch after fault")
	}

	if rec.Header.Class != wire.ClassGUID {
		return false
	}

	var ok bool

	switch rec.Header.Kind {
	case wire.KindEnterFunction, wire.KindExitFunction:
		ok = e.dispatchEnterExit(rec)

	case wire.KindBatchEnter:
		ok = e.dispatchBatchEnter(rec)

	case wire.KindBatchInvocation:
		ok = e.dispatchBatchInvocation(rec)

	case wire.KindProcessAttach, wire.KindProcessDetach,
		wire.KindThreadAttach, wire.KindThreadDetach:
		ok = e.dispatchModuleEvent(rec)

	case wire.KindProcessEnded:
		ok = e.dispatchProcessEnded(rec)

	case wire.KindModule:
		// Reserved kind with no producer-defined semantics yet.
		e.log.Warn("Ignoring reserved module event")

		ok = true

	case wire.KindThreadName:
		ok = e.dispatchThreadName(rec)

	case wire.KindIndexedFrequency:
		ok = e.dispatchIndexedFrequency(rec)

	case wire.KindDynamicSymbol:
		ok = e.dispatchDynamicSymbol(rec)

	case wire.KindSampleData:
		ok = e.dispatchSampleData(rec)

	case wire.KindFunctionNameTable:
		ok = e.dispatchFunctionNameTableEntry(rec)

	case wire.KindStackTrace:
		ok = e.dispatchStackTrace(rec)

	case wire.KindDetailedCall:
		ok = e.dispatchDetailedCall(rec)

	case wire.KindComment:
		ok = e.dispatchComment(rec)

	case wire.KindProcessHeap:
		ok = e.dispatchProcessHeap(rec)

	default:
		e.log.WithError(ErrUnknownKind).
			WithField("kind", uint8(rec.Header.Kind)).
			Error("Unknown event kind")
	}

	if !ok {
		e.state = stateFaulted
	}

	return true
}
