//go:build !linux

package transport

import (
	"errors"
	"os"
)

// Mapping is only wired up on linux; other platforms fall back to
// buffered reads.
func mapFile(*os.File) ([]byte, error) {
	return nil, errors.New("file mapping not supported on this platform")
}

func unmapFile([]byte) {}
