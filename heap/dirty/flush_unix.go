//go:build linux || freebsd

package dirty

import (
	"os"

	"golang.org/x/sys/unix"
)

// flushRange flushes one page-aligned range to disk.
//
// On Linux and other Unix systems, msync() can handle sub-slices correctly.
func flushRange(t Target, r Range) error {
	data := t.Bytes()
	start, end := r.Off, r.Off+r.Len
	if start < 0 || end > int64(len(data)) || start >= end {
		return nil
	}
	if !t.Mapped() {
		_, err := t.File().WriteAt(data[start:end], start)
		return err
	}
	return unix.Msync(data[start:end], unix.MS_SYNC)
}

// fdatasync performs file descriptor sync.
//
// On Linux/FreeBSD, fdatasync() provides sufficient guarantees.
// The fullfsync parameter is ignored on Linux/FreeBSD.
func fdatasync(f *os.File, _ bool) error {
	return unix.Fdatasync(int(f.Fd()))
}
