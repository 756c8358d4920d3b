//go:build linux

package tfpkt

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// TxAlloc loans a transmit buffer able to hold n bytes. The returned slice
// is the first n bytes of the buffer; fill it and pass h to TxSend, or give
// it back with TxFree.
//
// ErrNoBuffers means every transmit buffer is in flight or loaned; retry
// after completions have been polled.
func (e *Engine) TxAlloc(n int) (BufHandle, []byte, error) {
	if n < 0 {
		return NoBuf, nil, fmt.Errorf("%w: negative length %d", ErrInvalidArgument, n)
	}
	if n > e.conf.BufferSize {
		return NoBuf, nil, fmt.Errorf("%w: %d > %d", ErrBufTooLarge, n, e.conf.BufferSize)
	}

	p := e.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.closed {
		return NoBuf, nil, ErrClosed
	}
	h := p.lists[listTxFree].head
	if h == NoBuf {
		e.m.txNoBuffers.Inc(1)
		return NoBuf, nil, ErrNoBuffers
	}
	p.loan(DirTx, h)
	return h, p.bufs[h].mem.Virt[:n], nil
}

// TxFree returns a buffer obtained from TxAlloc that was never sent.
func (e *Engine) TxFree(h BufHandle) error {
	p := e.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.valid(h) || p.bufs[h].list != listTxLoaned {
		e.m.txUnknownBuffer.Inc(1)
		e.l.WithField("handle", h).Warn("Freeing unknown transmit buffer")
		return fmt.Errorf("%w: handle %d", ErrUnknownBuffer, h)
	}
	p.returnLoan(DirTx, h, listTxFree)
	return nil
}

// TxSend queues the first n bytes of a buffer obtained from TxAlloc on the
// transmit ring. On success the buffer belongs to the engine until the
// device completes it. On ErrRingFull the caller keeps the buffer and may
// retry or TxFree it.
func (e *Engine) TxSend(h BufHandle, n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidArgument, n)
	}
	if n > e.conf.BufferSize {
		return fmt.Errorf("%w: %d > %d", ErrBufTooLarge, n, e.conf.BufferSize)
	}

	p := e.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if !p.valid(h) || p.bufs[h].list != listTxLoaned {
		e.m.txUnknownBuffer.Inc(1)
		e.l.WithField("handle", h).Warn("Sending unknown buffer")
		return fmt.Errorf("%w: handle %d", ErrUnknownBuffer, h)
	}

	b := &p.bufs[h]
	d := TxDesc{
		Header: Header{SOP: true, EOP: true, Type: DescTypePacket, Size: uint32(n)},
		Src:    b.mem.Phys,
		MsgID:  b.mem.Phys,
	}.Encode()

	// Pushing under the pool lock keeps a fast completion from racing
	// ahead of the move to tx-pushed.
	if err := e.rings[RingTx][0].Push(&d); err != nil {
		if errors.Is(err, ErrRingFull) {
			e.m.txNoDescriptors.Inc(1)
		} else {
			e.l.WithError(err).WithFields(logrus.Fields{
				"handle": h,
				"ring":   e.rings[RingTx][0].String(),
			}).Error("Failed to push transmit descriptor")
		}
		return err
	}
	p.returnLoan(DirTx, h, listTxPushed)
	e.m.txSent.Inc(1)
	e.m.txBytes.Inc(int64(n))
	return nil
}

// Transmit copies frame into a transmit buffer and sends it.
// The buffer is returned to the pool if it cannot be queued.
func (e *Engine) Transmit(frame []byte) error {
	h, buf, err := e.TxAlloc(len(frame))
	if err != nil {
		return err
	}
	copy(buf, frame)
	if err := e.TxSend(h, len(frame)); err != nil {
		if ferr := e.TxFree(h); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	return nil
}
