//go:build windows

package pmem

import (
	"errors"
	"os"
)

// ErrUnsupported indicates that the PMem file mapping is not available on
// this platform.
var ErrUnsupported = errors.New("pmem: mmap unsupported on windows")

func mapFile(f *os.File, size int) ([]byte, error) {
	return nil, ErrUnsupported
}

func unmapFile(data []byte) error { return nil }

func msync(data []byte) error { return nil }
