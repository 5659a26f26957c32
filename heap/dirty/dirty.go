package dirty

import (
	"cmp"
	"context"
	"slices"

	"github.com/joshuapare/pmemkit/internal/format"
)

// FlushMode selects how far a flush goes toward stable storage.
type FlushMode int

const (
	// FlushAuto writes back dirty pages and then syncs file data
	// (fdatasync, or fsync on macOS).
	FlushAuto FlushMode = iota

	// FlushDataOnly writes back dirty pages and leaves the sync to a later
	// call to Sync.
	FlushDataOnly

	// FlushFull is FlushAuto, using F_FULLFSYNC where the platform has it.
	FlushFull

	// FlushNone never touches the file. A crash may lose committed work.
	FlushNone
)

// String returns the flag spelling used by pmctl.
func (m FlushMode) String() string {
	switch m {
	case FlushAuto:
		return "auto"
	case FlushDataOnly:
		return "data"
	case FlushFull:
		return "full"
	case FlushNone:
		return "none"
	}
	return "unknown"
}

func (m FlushMode) syncs() bool { return m == FlushAuto || m == FlushFull }

// Range is a span of heap bytes, [Off, Off+Len).
type Range struct {
	Off int64
	Len int64
}

func (r Range) end() int64 { return r.Off + r.Len }

// pages widens r to whole pages, clipped at limit when limit is positive.
func (r Range) pages(limit int64) Range {
	lo := r.Off &^ (format.PageSize - 1)
	hi := (r.end() + format.PageSize - 1) &^ (format.PageSize - 1)
	if limit > 0 {
		hi = min(hi, limit)
	}
	return Range{Off: lo, Len: hi - lo}
}

// Tracker collects the ranges one transaction wrote so they can be persisted
// together at commit. A Tracker belongs to a single goroutine.
type Tracker struct {
	t      Target
	ranges []Range
}

// NewTracker returns an empty tracker for t.
func NewTracker(t Target) *Tracker {
	return &Tracker{t: t, ranges: make([]Range, 0, 64)}
}

// Add records that length bytes at off were written. Empty ranges are dropped.
func (t *Tracker) Add(off, length int64) {
	if length > 0 {
		t.ranges = append(t.ranges, Range{Off: off, Len: length})
	}
}

// Len is the number of ranges recorded since the last flush or reset.
func (t *Tracker) Len() int { return len(t.ranges) }

// Reset forgets every recorded range.
func (t *Tracker) Reset() { t.ranges = t.ranges[:0] }

// Flush writes back the recorded pages, each touched page once, then syncs
// per mode. When ctx is done before the last page is written the recorded
// ranges are kept, so calling Flush again completes the job.
func (t *Tracker) Flush(ctx context.Context, mode FlushMode) error {
	if len(t.ranges) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if mode != FlushNone && t.t.File() != nil {
		for _, r := range t.coalesce() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := flushRange(t.t, r); err != nil {
				return err
			}
		}
	}
	t.Reset()
	return sync(t.t, mode)
}

// DebugRanges returns a copy of the raw recorded ranges.
func (t *Tracker) DebugRanges() []Range { return slices.Clone(t.ranges) }

// DebugCoalescedRanges returns the page spans a flush would write.
func (t *Tracker) DebugCoalescedRanges() []Range { return t.coalesce() }

func (t *Tracker) coalesce() []Range {
	if len(t.ranges) == 0 {
		return nil
	}
	limit := int64(len(t.t.Bytes()))
	spans := make([]Range, len(t.ranges))
	for i, r := range t.ranges {
		spans[i] = r.pages(limit)
	}
	slices.SortFunc(spans, func(a, b Range) int { return cmp.Compare(a.Off, b.Off) })

	out := spans[:1]
	for _, r := range spans[1:] {
		last := &out[len(out)-1]
		if r.Off > last.end() {
			out = append(out, r)
			continue
		}
		last.Len = max(last.end(), r.end()) - last.Off
	}
	return out
}

// FlushRange persists length bytes at off right away. The undo log relies on
// it to make an entry durable before the write it guards.
func FlushRange(t Target, off, length int64, mode FlushMode) error {
	if length <= 0 || mode == FlushNone || t.File() == nil {
		return nil
	}
	r := Range{Off: off, Len: length}.pages(int64(len(t.Bytes())))
	if err := flushRange(t, r); err != nil {
		return err
	}
	return sync(t, mode)
}

// Sync pushes the file's written-back data to stable storage.
func Sync(t Target, mode FlushMode) error {
	switch mode {
	case FlushNone:
		return nil
	case FlushDataOnly:
		mode = FlushAuto
	}
	return sync(t, mode)
}

func sync(t Target, mode FlushMode) error {
	if !mode.syncs() || t.File() == nil {
		return nil
	}
	return fdatasync(t.File(), mode == FlushFull)
}
