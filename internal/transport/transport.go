// Package transport reads and writes framed call-trace session files.
//
// A session file starts with a 16-byte header (magic, format version,
// body compression) followed by the record stream. Each record is a
// 40-byte frame header (class GUID, kind, process id, thread id,
// filetime timestamp, payload length) followed by the payload bytes.
// The record stream may be compressed as a whole with gzip, zstd or
// snappy.
package transport

import (
	"errors"
	"fmt"
)

// File format constants.
const (
	// Magic is the file magic, "CTRC" in little-endian.
	Magic uint32 = 0x43525443

	// Version is the supported format version.
	Version uint32 = 1

	fileHeaderSize   = 16
	recordHeaderSize = 40

	// maxPayloadLen bounds a single record payload so a corrupt
	// length field cannot trigger an absurd allocation.
	maxPayloadLen = 64 << 20
)

// ErrBadMagic is returned when a file does not start with the session
// file magic.
var ErrBadMagic = errors.New("not a call-trace session file")

// ErrUnsupportedVersion is returned for session files written by a
// newer format revision.
var ErrUnsupportedVersion = errors.New("unsupported session file version")

// ErrTruncatedFile is returned when a file ends in the middle of a
// record frame.
var ErrTruncatedFile = errors.New("truncated session file")

// Compression identifies the body compression of a session file.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
	CompressionSnappy
)

// String returns the configuration name of the compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}
