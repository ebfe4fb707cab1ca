package transport

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

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

func testRecords(n int) []*wire.Record {
	recs := make([]*wire.Record, 0, n)

	for i := 0; i < n; i++ {
		payload := make([]byte, wire.EnterExitRecordSize)
		binary.LittleEndian.PutUint64(payload, uint64(0x1000+i))

		recs = append(recs, &wire.Record{
			Header: wire.Header{
				Class:     wire.ClassGUID,
				Kind:      wire.KindEnterFunction,
				ProcessID: 100,
				ThreadID:  uint32(i),
				Timestamp: uint64(132000000000000000 + i),
			},
			Payload: payload,
		})
	}

	return recs
}

func writeFile(t *testing.T, compression Compression, recs []*wire.Record) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "session.ctrc")

	w, err := Create(path, compression)
	require.NoError(t, err)

	for _, rec := range recs {
		require.NoError(t, w.WriteRecord(rec))
	}

	require.NoError(t, w.Close())

	return path
}

func TestRoundTripAllCompressions(t *testing.T) {
	for _, compression := range []Compression{
		CompressionNone,
		CompressionGzip,
		CompressionZstd,
		CompressionSnappy,
	} {
		t.Run(compression.String(), func(t *testing.T) {
			want := testRecords(50)
			path := writeFile(t, compression, want)

			r, err := Open(testLogger(), path)
			require.NoError(t, err)

			defer r.Close()

			assert.Equal(t, compression, r.Compression())

			for i, w := range want {
				rec, err := r.Next()
				require.NoError(t, err, "record %d", i)

				assert.Equal(t, w.Header, rec.Header)
				assert.Equal(t, w.Payload, rec.Payload)
			}

			_, err = r.Next()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestOpenEmptySession(t *testing.T) {
	path := writeFile(t, CompressionNone, nil)

	r, err := Open(testLogger(), path)
	require.NoError(t, err)

	defer r.Close()

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus")
	require.NoError(t, os.WriteFile(path, []byte("not a session file at all"), 0o644))

	_, err := Open(testLogger(), path)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestOpenShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short")
	require.NoError(t, os.WriteFile(path, []byte("CT"), 0o644))

	_, err := Open(testLogger(), path)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestOpenUnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future")

	hdr := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], Version+1)
	require.NoError(t, os.WriteFile(path, hdr, 0o644))

	_, err := Open(testLogger(), path)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestTruncatedRecordStream(t *testing.T) {
	path := writeFile(t, CompressionNone, testRecords(2))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Chop the file mid-way through the second record.
	require.NoError(t, os.WriteFile(path, data[:len(data)-5], 0o644))

	r, err := Open(testLogger(), path)
	require.NoError(t, err)

	defer r.Close()

	_, err = r.Next()
	require.NoError(t, err)

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrTruncatedFile)
}

func TestReaderPayloadValidUntilNext(t *testing.T) {
	want := testRecords(2)
	path := writeFile(t, CompressionGzip, want)

	r, err := Open(testLogger(), path)
	require.NoError(t, err)

	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)

	first := make([]byte, len(rec.Payload))
	copy(first, rec.Payload)

	_, err = r.Next()
	require.NoError(t, err)

	assert.Equal(t, want[0].Payload, first)
}

func TestParseCompression(t *testing.T) {
	for name, want := range map[string]Compression{
		"":       CompressionNone,
		"none":   CompressionNone,
		"gzip":   CompressionGzip,
		"zstd":   CompressionZstd,
		"snappy": CompressionSnappy,
	} {
		c, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, want, c)
	}

	_, err := ParseCompression("lz4")
	assert.Error(t, err)
}
