//go:build linux

package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps the whole file read-only. Payload slices handed to the
// engine then borrow the mapping directly instead of copying through
// a scratch buffer.
func mapFile(f *os.File) ([]byte, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}

	size := fi.Size()
	if size < fileHeaderSize {
		return nil, fmt.Errorf("file too small to map (%d bytes)", size)
	}

	if size != int64(int(size)) {
		return nil, fmt.Errorf("file too large to map (%d bytes)", size)
	}

	data, err := unix.Mmap(
		int(f.Fd()), 0, int(size),
		unix.PROT_READ, unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return data, nil
}

func unmapFile(data []byte) {
	_ = unix.Munmap(data)
}
