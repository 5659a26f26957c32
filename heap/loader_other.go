//go:build !linux && !darwin && !freebsd

package heap

import (
	"io"
	"os"
)

// mapFile loads the heap into memory on platforms without mmap support.
// Flushes write dirty ranges back with WriteAt.
func mapFile(f *os.File, size int64) ([]byte, bool, error) {
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, false, err
	}
	return data, false, nil
}

func unmap([]byte, bool) error { return nil }
