package transport

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/callscope/callscope/internal/wire"
)

// Writer produces session files in the format Reader consumes. It is
// used by producers recording a session and by tests building
// fixtures.
type Writer struct {
	file *os.File
	w    io.Writer
	bw   *bufio.Writer

	// closers are flushed/closed in order before the file.
	closers []io.Closer
}

// Create creates a session file at path with the given body
// compression.
func Create(path string, compression Compression) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating session file: %w", err)
	}

	w, err := newWriter(f, compression)
	if err != nil {
		f.Close()
		os.Remove(path)

		return nil, err
	}

	w.file = f

	return w, nil
}

func newWriter(out io.Writer, compression Compression) (*Writer, error) {
	var hdr [fileHeaderSize]byte

	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], Version)
	hdr[8] = byte(compression)

	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("writing file header: %w", err)
	}

	w := &Writer{bw: bufio.NewWriterSize(out, 1<<20)}

	switch compression {
	case CompressionNone:
		w.w = w.bw

	case CompressionGzip:
		gz := gzip.NewWriter(w.bw)
		w.w = gz
		w.closers = append(w.closers, gz)

	case CompressionZstd:
		enc, err := zstd.NewWriter(w.bw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		w.w = enc
		w.closers = append(w.closers, enc)

	case CompressionSnappy:
		sn := snappy.NewBufferedWriter(w.bw)
		w.w = sn
		w.closers = append(w.closers, sn)

	default:
		return nil, fmt.Errorf("unknown compression code %d", compression)
	}

	return w, nil
}

// WriteRecord appends one record frame.
func (w *Writer) WriteRecord(rec *wire.Record) error {
	var hdr [recordHeaderSize]byte

	copy(hdr[0:16], rec.Header.Class[:])
	hdr[16] = byte(rec.Header.Kind)
	binary.LittleEndian.PutUint32(hdr[20:24], rec.Header.ProcessID)
	binary.LittleEndian.PutUint32(hdr[24:28], rec.Header.ThreadID)
	binary.LittleEndian.PutUint64(hdr[28:36], rec.Header.Timestamp)
	binary.LittleEndian.PutUint32(hdr[36:40], uint32(len(rec.Payload)))

	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing record header: %w", err)
	}

	if _, err := w.w.Write(rec.Payload); err != nil {
		return fmt.Errorf("writing record payload: %w", err)
	}

	return nil
}

// Close flushes the record stream and closes the file.
func (w *Writer) Close() error {
	for _, c := range w.closers {
		if err := c.Close(); err != nil {
			return fmt.Errorf("closing compressor: %w", err)
		}
	}

	w.closers = nil

	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flushing session file: %w", err)
	}

	if w.file != nil {
		err := w.file.Close()
		w.file = nil

		return err
	}

	return nil
}
