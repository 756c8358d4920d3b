// Package ratelimit paces traffic generators to a frames-per-second target.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits to fps frames per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerFrame int64
	frames     uint64
	startTime  time.Time
	checkEvery uint64
	now        func() time.Time
}

// New creates a limiter for fps frames per second.
// If fps == 0, throttling is disabled and New returns nil.
func New(fps uint64) *Throttle {
	if fps == 0 {
		return nil
	}
	return &Throttle{
		nsPerFrame: int64(time.Second) / int64(fps),
		startTime:  time.Now(),

		// Check time every ~10ms of frames to balance accuracy vs overhead
		// At least every 32 frames. At most every 1024 frames.
		checkEvery: min(max(fps/100, 32), 1024),
		now:        time.Now,
	}
}

// Wait accounts for n more frames and blocks until they are allowed or ctx
// is done. It does not "catch up" by allowing faster sends after being
// delayed.
func (l *Throttle) Wait(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return ctx.Err()
	}

	before := l.frames / l.checkEvery
	l.frames += n
	if l.frames/l.checkEvery == before {
		return nil // Fast path: only check time periodically.
	}

	d := l.Delay()
	if d <= 0 {
		// Behind schedule, naturally catch up by not sleeping.
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay returns how far the frames accounted so far are ahead of schedule.
func (l *Throttle) Delay() time.Duration {
	if l == nil {
		return 0
	}
	expected := l.startTime.Add(time.Duration(int64(l.frames) * l.nsPerFrame))
	return expected.Sub(l.now())
}
