//go:build linux

package tfpkt

import (
	"context"
	"runtime"
)

// Run is the soft interrupt dispatcher. It calls RunPollOnce once for every
// signal received on wake, plus once at start to pick up work that arrived
// before Run was entered.
// Stops if ctx is canceled and returns context.Canceled.
// Returns nil if wake is closed.
func (e *Engine) Run(ctx context.Context, wake <-chan struct{}) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e.RunPollOnce()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case _, ok := <-wake:
			if !ok {
				return nil
			}
			e.RunPollOnce()
		}
	}
}
