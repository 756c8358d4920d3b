//go:build linux

// Package traffic generates sequenced test frames on a packet engine and
// verifies them on the receiving side.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/romshark/tfpkt-go/internal/frame"
	"github.com/romshark/tfpkt-go/ratelimit"
	"github.com/romshark/tfpkt-go/tfpkt"
)

var ErrOutOfOrder = errors.New("frame out of order")

// Backoff is how long the sender waits for buffers or descriptors.
const Backoff = 20 * time.Microsecond

// Sender transmits frames of one flow carrying increasing sequence
// numbers. Not safe for concurrent use.
type Sender struct {
	e     *tfpkt.Engine
	b     *frame.Builder
	size  int
	limit *ratelimit.Throttle
	seq   uint32

	sent  atomic.Uint64
	bytes atomic.Uint64
}

// NewSender sends frames of size bytes on e at no more than fps frames
// per second, or unthrottled if fps is 0.
func NewSender(e *tfpkt.Engine, f frame.Flow, size int, fps uint64) (*Sender, error) {
	if size > e.Config().BufferSize {
		return nil, fmt.Errorf("frame size %d: %w", size, tfpkt.ErrBufTooLarge)
	}
	b, err := frame.NewBuilder(f)
	if err != nil {
		return nil, err
	}
	return &Sender{e: e, b: b, size: size, limit: ratelimit.New(fps)}, nil
}

// Send transmits count frames. It returns early with ctx.Err() when ctx is
// done.
func (s *Sender) Send(ctx context.Context, count uint64) error {
	for range count {
		if err := s.limit.Wait(ctx, 1); err != nil {
			return err
		}
		f, err := s.b.Build(s.seq, s.size)
		if err != nil {
			return err
		}
		if err := s.send(ctx, f); err != nil {
			return err
		}
		s.seq++
		s.sent.Add(1)
		s.bytes.Add(uint64(len(f)))
	}
	return nil
}

func (s *Sender) send(ctx context.Context, f []byte) error {
	var (
		h   tfpkt.BufHandle
		buf []byte
		err error
	)
	for {
		h, buf, err = s.e.TxAlloc(len(f))
		if !errors.Is(err, tfpkt.ErrNoBuffers) {
			break
		}
		if err := pause(ctx); err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}
	copy(buf, f)

	for {
		err = s.e.TxSend(h, len(f))
		if !errors.Is(err, tfpkt.ErrRingFull) {
			break
		}
		if perr := pause(ctx); perr != nil {
			err = perr
			break
		}
	}
	if err != nil {
		return errors.Join(err, s.e.TxFree(h))
	}
	return nil
}

func pause(ctx context.Context) error {
	t := time.NewTimer(Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sent returns the number of frames queued so far.
func (s *Sender) Sent() uint64 { return s.sent.Load() }

// Bytes returns the number of bytes queued so far.
func (s *Sender) Bytes() uint64 { return s.bytes.Load() }

// Checker verifies that received frames carry consecutive sequence
// numbers starting at 0. Check is not safe for concurrent use, the
// counters are.
type Checker struct {
	p    *frame.Parser
	next uint32

	received atomic.Uint64
	bytes    atomic.Uint64
	errors   atomic.Uint64
}

func NewChecker() *Checker { return &Checker{p: frame.NewParser()} }

// Check counts f and verifies its sequence number. Frames that are not
// test frames count as errors.
func (c *Checker) Check(f []byte) error {
	c.received.Add(1)
	c.bytes.Add(uint64(len(f)))

	seq, err := c.p.Seq(f)
	if err != nil {
		c.errors.Add(1)
		return err
	}
	if seq != c.next {
		c.errors.Add(1)
		err := fmt.Errorf("%w: got %d want %d", ErrOutOfOrder, seq, c.next)
		c.next = seq + 1
		return err
	}
	c.next++
	return nil
}

func (c *Checker) Received() uint64 { return c.received.Load() }
func (c *Checker) Bytes() uint64    { return c.bytes.Load() }
func (c *Checker) Errors() uint64   { return c.errors.Load() }
