//go:build linux || darwin || freebsd

package heap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile mmaps the whole file RW and shared so stores land in the page cache.
func mapFile(f *os.File, size int64) ([]byte, bool, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, false, fmt.Errorf("heap: mmap failed: %w", err)
	}
	return data, true, nil
}

func unmap(data []byte, mapped bool) error {
	if !mapped {
		return nil
	}
	return unix.Munmap(data)
}
