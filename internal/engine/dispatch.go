package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/callscope/callscope/internal/modules"
	"github.com/callscope/callscope/internal/wire"
)

func (e *Engine) dispatchEnterExit(rec *wire.Record) bool {
	data, err := wire.DecodeEnterExit(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	ts := rec.Header.Time()
	pid := rec.Header.ProcessID
	tid := rec.Header.ThreadID

	if rec.Header.Kind == wire.KindEnterFunction {
		e.handler.OnFunctionEntry(ts, pid, tid, data)
	} else {
		e.handler.OnFunctionExit(ts, pid, tid, data)
	}

	return true
}

func (e *Engine) dispatchBatchEnter(rec *wire.Record) bool {
	data, err := wire.DecodeBatchEnter(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	// The batch carries its own thread id; the emitting thread is
	// not the one named in the record header.
	e.handler.OnBatchFunctionEntry(
		rec.Header.Time(), rec.Header.ProcessID, data.ThreadID, data,
	)

	return true
}

func (e *Engine) dispatchBatchInvocation(rec *wire.Record) bool {
	data, err := wire.DecodeBatchInvocation(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	e.handler.OnInvocationBatch(
		rec.Header.Time(), rec.Header.ProcessID, rec.Header.ThreadID, data,
	)

	return true
}

func (e *Engine) dispatchModuleEvent(rec *wire.Record) bool {
	data, err := wire.DecodeModule(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	if data.BaseAddress == 0 {
		e.log.WithField("pid", rec.Header.ProcessID).
			Info("Encountered incompletely written module event record")

		return true
	}

	ts := rec.Header.Time()
	pid := rec.Header.ProcessID
	tid := rec.Header.ThreadID

	switch rec.Header.Kind {
	case wire.KindProcessAttach:
		// Install the module first so the handler can already
		// resolve addresses within it.
		if err := e.registry.Add(pid, moduleInfo(data)); err != nil {
			return false
		}

		e.handler.OnProcessAttach(ts, pid, tid, data)

	case wire.KindProcessDetach:
		e.handler.OnProcessDetach(ts, pid, tid, data)

		if err := e.registry.Remove(pid, moduleInfo(data)); err != nil {
			return false
		}

	case wire.KindThreadAttach:
		e.handler.OnThreadAttach(ts, pid, tid, data)

	case wire.KindThreadDetach:
		e.handler.OnThreadDetach(ts, pid, tid, data)
	}

	return true
}

func (e *Engine) dispatchProcessEnded(rec *wire.Record) bool {
	e.handler.OnProcessEnded(rec.Header.Time(), rec.Header.ProcessID)

	return e.registry.MarkProcessEnded(rec.Header.ProcessID) == nil
}

func (e *Engine) dispatchThreadName(rec *wire.Record) bool {
	name, err := wire.NewReader(rec.Payload).ReadString()
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	e.handler.OnThreadName(
		rec.Header.Time(), rec.Header.ProcessID, rec.Header.ThreadID, name,
	)

	return true
}

func (e *Engine) dispatchIndexedFrequency(rec *wire.Record) bool {
	data, err := wire.DecodeIndexedFrequency(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	e.handler.OnIndexedFrequency(
		rec.Header.Time(), rec.Header.ProcessID, rec.Header.ThreadID, data,
	)

	return true
}

func (e *Engine) dispatchDynamicSymbol(rec *wire.Record) bool {
	data, err := wire.DecodeDynamicSymbol(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	e.handler.OnDynamicSymbol(rec.Header.ProcessID, data.SymbolID, data.Name)

	return true
}

func (e *Engine) dispatchSampleData(rec *wire.Record) bool {
	data, err := wire.DecodeSampleData(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	e.handler.OnSampleData(rec.Header.Time(), rec.Header.ProcessID, data)

	return true
}

func (e *Engine) dispatchFunctionNameTableEntry(rec *wire.Record) bool {
	data, err := wire.DecodeFunctionNameTableEntry(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	e.handler.OnFunctionNameTableEntry(
		rec.Header.Time(), rec.Header.ProcessID, data,
	)

	return true
}

func (e *Engine) dispatchStackTrace(rec *wire.Record) bool {
	data, err := wire.DecodeStackTrace(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	e.handler.OnStackTrace(rec.Header.Time(), rec.Header.ProcessID, data)

	return true
}

func (e *Engine) dispatchDetailedCall(rec *wire.Record) bool {
	data, err := wire.DecodeDetailedCall(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	e.handler.OnDetailedFunctionCall(
		rec.Header.Time(), rec.Header.ProcessID, rec.Header.ThreadID, data,
	)

	return true
}

func (e *Engine) dispatchComment(rec *wire.Record) bool {
	data, err := wire.DecodeComment(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	e.handler.OnComment(rec.Header.Time(), rec.Header.ProcessID, data)

	return true
}

func (e *Engine) dispatchProcessHeap(rec *wire.Record) bool {
	data, err := wire.DecodeProcessHeap(wire.NewReader(rec.Payload))
	if err != nil {
		e.logDecodeError(rec, err)

		return false
	}

	e.handler.OnProcessHeap(rec.Header.Time(), rec.Header.ProcessID, data)

	return true
}

func (e *Engine) logDecodeError(rec *wire.Record, err error) {
	e.log.WithError(err).WithFields(logrus.Fields{
		"kind":        rec.Header.Kind.String(),
		"pid":         rec.Header.ProcessID,
		"payload_len": len(rec.Payload),
	}).Error("Malformed event record")
}

func moduleInfo(data *wire.ModuleRecord) modules.Info {
	return modules.Info{
		BaseAddress:   data.BaseAddress,
		ModuleSize:    data.ModuleSize,
		Path:          data.Path,
		Checksum:      data.Checksum,
		TimeDateStamp: data.TimeDateStamp,
	}
}
