//go:build darwin

package dirty

import (
	"os"

	"golang.org/x/sys/unix"
)

// flushRange flushes dirty pages to disk.
//
// On macOS, msync() requires the address to match the original mmap() address,
// so the entire mapping is synced. The kernel only writes pages that are dirty.
func flushRange(t Target, r Range) error {
	data := t.Bytes()
	if !t.Mapped() {
		start, end := r.Off, r.Off+r.Len
		if start < 0 || end > int64(len(data)) || start >= end {
			return nil
		}
		_, err := t.File().WriteAt(data[start:end], start)
		return err
	}
	return unix.Msync(data, unix.MS_SYNC)
}

// fdatasync performs file descriptor sync.
//
// On macOS, if fullfsync is true, use F_FULLFSYNC so data reaches the physical
// disk, not just the drive cache. Otherwise, use regular fsync.
func fdatasync(f *os.File, fullfsync bool) error {
	if fullfsync {
		_, err := unix.FcntlInt(f.Fd(), unix.F_FULLFSYNC, 0)
		return err
	}
	return unix.Fsync(int(f.Fd()))
}
