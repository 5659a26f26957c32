//go:build !linux && !freebsd && !darwin

package dirty

import "os"

// flushRange writes one range of the in-memory image back to the file.
// Heaps on these platforms are never mapped.
func flushRange(t Target, r Range) error {
	data := t.Bytes()
	start, end := r.Off, r.Off+r.Len
	if start < 0 || end > int64(len(data)) || start >= end {
		return nil
	}
	_, err := t.File().WriteAt(data[start:end], start)
	return err
}

func fdatasync(f *os.File, _ bool) error {
	return f.Sync()
}
