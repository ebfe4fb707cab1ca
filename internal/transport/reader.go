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
	"github.com/sirupsen/logrus"

	"github.com/callscope/callscope/internal/wire"
)

// Reader iterates the records of a session file. Returned records
// borrow the Reader's buffer (or the file mapping): they are valid
// only until the next call to Next, matching the engine's
// borrow-for-one-dispatch contract.
type Reader struct {
	log         logrus.FieldLogger
	file        *os.File
	compression Compression

	// Mapped fast path: mapping covers the whole file, data the
	// record stream after the file header.
	mapping []byte
	data    []byte
	off     int

	// Streaming path.
	src     io.Reader
	closers []io.Closer
	scratch []byte

	rec wire.Record
}

// Open opens a session file, validates its header, and prepares the
// record stream. Uncompressed files are memory-mapped where the
// platform supports it.
func Open(log logrus.FieldLogger, path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening session file: %w", err)
	}

	r := &Reader{
		log:  log.WithField("component", "transport"),
		file: f,
	}

	if err := r.readFileHeader(); err != nil {
		f.Close()

		return nil, err
	}

	if err := r.prepareBody(); err != nil {
		r.Close()

		return nil, err
	}

	return r, nil
}

func (r *Reader) readFileHeader() error {
	var hdr [fileHeaderSize]byte

	if _, err := io.ReadFull(r.file, hdr[:]); err != nil {
		return fmt.Errorf("reading file header: %w", ErrBadMagic)
	}

	if binary.LittleEndian.Uint32(hdr[0:4]) != Magic {
		return ErrBadMagic
	}

	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	r.compression = Compression(hdr[8])

	return nil
}

func (r *Reader) prepareBody() error {
	if r.compression == CompressionNone {
		mapping, err := mapFile(r.file)
		if err == nil {
			r.mapping = mapping
			r.data = mapping[fileHeaderSize:]
			r.log.WithField("bytes", len(r.data)).
				Debug("Mapped session file body")

			return nil
		}

		r.log.WithError(err).Debug("Falling back to buffered reads")
	}

	br := bufio.NewReaderSize(r.file, 1<<20)

	switch r.compression {
	case CompressionNone:
		r.src = br

	case CompressionGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("opening gzip stream: %w", err)
		}

		r.src = gz
		r.closers = append(r.closers, gz)

	case CompressionZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return fmt.Errorf("opening zstd stream: %w", err)
		}

		rc := dec.IOReadCloser()
		r.src = rc
		r.closers = append(r.closers, rc)

	case CompressionSnappy:
		r.src = snappy.NewReader(br)

	default:
		return fmt.Errorf("unknown compression code %d", r.compression)
	}

	return nil
}

// Compression returns the body compression declared by the file.
func (r *Reader) Compression() Compression {
	return r.compression
}

// Next returns the next record, or io.EOF at a clean end of stream.
// The returned record and its payload are invalidated by the
// following Next call.
func (r *Reader) Next() (*wire.Record, error) {
	if r.data != nil {
		return r.nextMapped()
	}

	return r.nextStream()
}

func (r *Reader) nextMapped() (*wire.Record, error) {
	if r.off == len(r.data) {
		return nil, io.EOF
	}

	if len(r.data)-r.off < recordHeaderSize {
		return nil, ErrTruncatedFile
	}

	hdr := r.data[r.off : r.off+recordHeaderSize]

	n, err := r.decodeRecordHeader(hdr)
	if err != nil {
		return nil, err
	}

	r.off += recordHeaderSize

	if len(r.data)-r.off < n {
		return nil, ErrTruncatedFile
	}

	r.rec.Payload = r.data[r.off : r.off+n]
	r.off += n

	return &r.rec, nil
}

func (r *Reader) nextStream() (*wire.Record, error) {
	var hdr [recordHeaderSize]byte

	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}

		return nil, ErrTruncatedFile
	}

	n, err := r.decodeRecordHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	if cap(r.scratch) < n {
		r.scratch = make([]byte, n)
	}

	r.scratch = r.scratch[:n]

	if _, err := io.ReadFull(r.src, r.scratch); err != nil {
		return nil, ErrTruncatedFile
	}

	r.rec.Payload = r.scratch

	return &r.rec, nil
}

// decodeRecordHeader fills r.rec.Header from a frame header and
// returns the payload length.
func (r *Reader) decodeRecordHeader(hdr []byte) (int, error) {
	copy(r.rec.Header.Class[:], hdr[0:16])
	r.rec.Header.Kind = wire.Kind(hdr[16])
	r.rec.Header.ProcessID = binary.LittleEndian.Uint32(hdr[20:24])
	r.rec.Header.ThreadID = binary.LittleEndian.Uint32(hdr[24:28])
	r.rec.Header.Timestamp = binary.LittleEndian.Uint64(hdr[28:36])

	n := binary.LittleEndian.Uint32(hdr[36:40])
	if n > maxPayloadLen {
		return 0, fmt.Errorf("payload length %d exceeds limit", n)
	}

	return int(n), nil
}

// Close releases the record stream and the underlying file.
func (r *Reader) Close() error {
	for _, c := range r.closers {
		c.Close()
	}

	r.closers = nil

	if r.mapping != nil {
		unmapFile(r.mapping)
		r.mapping = nil
		r.data = nil
	}

	if r.file != nil {
		err := r.file.Close()
		r.file = nil

		return err
	}

	return nil
}
