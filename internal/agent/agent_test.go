package agent

import (
	"context"
	"encoding/binary"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callscope/callscope/internal/transport"
	"github.com/callscope/callscope/internal/wire"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func modulePayload(base, size uint64, checksum uint32, path string) []byte {
	b := binary.LittleEndian.AppendUint64(nil, base)
	b = binary.LittleEndian.AppendUint64(b, size)
	b = binary.LittleEndian.AppendUint32(b, checksum)
	b = binary.LittleEndian.AppendUint32(b, 0x5eed)

	p := make([]byte, wire.ModulePathSize)
	copy(p, path)

	return append(b, p...)
}

func enterPayload(fn uint64) []byte {
	b := binary.LittleEndian.AppendUint64(nil, fn)
	b = binary.LittleEndian.AppendUint32(b, 1)

	return binary.LittleEndian.AppendUint32(b, 0)
}

func writeSession(t *testing.T, recs []*wire.Record) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "session.ctrc")

	w, err := transport.Create(path, transport.CompressionZstd)
	require.NoError(t, err)

	for _, rec := range recs {
		require.NoError(t, w.WriteRecord(rec))
	}

	require.NoError(t, w.Close())

	return path
}

func record(kind wire.Kind, pid, tid uint32, payload []byte) *wire.Record {
	return &wire.Record{
		Header: wire.Header{
			Class:     wire.ClassGUID,
			Kind:      kind,
			ProcessID: pid,
			ThreadID:  tid,
			Timestamp: wire.FiletimeFromTime(time.Now()),
		},
		Payload: payload,
	}
}

func testConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.Input.Path = path
	cfg.Sinks.Stats.Interval = time.Hour

	return cfg
}

func TestAgentRunCleanSession(t *testing.T) {
	path := writeSession(t, []*wire.Record{
		record(wire.KindProcessAttach, 100, 7,
			modulePayload(0x1000, 0x2000, 0xc0ffee, "a.dll")),
		record(wire.KindEnterFunction, 100, 7, enterPayload(0x1234)),
		record(wire.KindExitFunction, 100, 7, enterPayload(0x1234)),
		record(wire.KindProcessEnded, 100, 0, nil),
	})

	a, err := New(testLogger(), testConfig(path))
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, 1, a.engine.ProcessCount())
	assert.Equal(t, 1, a.engine.ModuleCount())
}

func TestAgentRunForeignRecordsIgnored(t *testing.T) {
	foreign := record(wire.KindEnterFunction, 100, 7, enterPayload(0x1234))
	foreign.Header.Class[0] ^= 0xff

	path := writeSession(t, []*wire.Record{
		foreign,
		record(wire.KindEnterFunction, 100, 7, enterPayload(0x1234)),
	})

	a, err := New(testLogger(), testConfig(path))
	require.NoError(t, err)

	require.NoError(t, a.Run(context.Background()))
}

func TestAgentRunFaultedSession(t *testing.T) {
	// A process-end for a pid that never attached latches the fault.
	path := writeSession(t, []*wire.Record{
		record(wire.KindProcessEnded, 999, 0, nil),
	})

	a, err := New(testLogger(), testConfig(path))
	require.NoError(t, err)

	assert.ErrorIs(t, a.Run(context.Background()), ErrSessionFaulted)
}

func TestAgentRunMissingFile(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "absent.ctrc"))

	a, err := New(testLogger(), cfg)
	require.NoError(t, err)

	assert.Error(t, a.Run(context.Background()))
}

func TestAgentRunCancelled(t *testing.T) {
	path := writeSession(t, []*wire.Record{
		record(wire.KindEnterFunction, 100, 7, enterPayload(0x1234)),
	})

	a, err := New(testLogger(), testConfig(path))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, a.Run(ctx), context.Canceled)
}
