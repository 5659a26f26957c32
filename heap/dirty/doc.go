// Package dirty tracks and flushes modified byte ranges of a heap file.
//
// The tracker keeps a list of dirty byte ranges, coalesces them into page-aligned
// ranges, and flushes them to disk using platform-specific system calls (msync on
// Unix, write-back plus fsync elsewhere).
//
// # Tracking granularity
//
// The tracker operates at 4KB page boundaries:
//   - Modifications are rounded to page boundaries
//   - A 1-byte change marks the entire 4KB page dirty
//   - Consecutive dirty pages are merged into single ranges at flush time
//
//	Dirty: [0x1010+8, 0x1ff8+16, 0x5000+1] → Flushed: [0x1000-0x3000, 0x5000-0x6000]
//
// # Usage
//
//	tracker := dirty.NewTracker(h)
//	tracker.Add(addr, 8)
//	if err := tracker.Flush(ctx, dirty.FlushAuto); err != nil {
//	    return err
//	}
//
// # Thread Safety
//
// Tracker instances are not thread-safe. Each transaction owns one.
package dirty
