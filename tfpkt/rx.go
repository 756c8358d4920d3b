//go:build linux

package tfpkt

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// pushFreeBuffers offers rx-free buffers to free memory ring i until the
// ring is full or no free buffers remain. It returns the number pushed.
func (e *Engine) pushFreeBuffers(i int) int { return e.offerFreeBuffers(i, -1) }

// offerFreeBuffers is pushFreeBuffers stopping after limit buffers unless
// limit is negative.
func (e *Engine) offerFreeBuffers(i, limit int) int {
	r := e.rings[RingFm][i]
	p := e.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int
	for h := p.lists[listRxFree].head; h != NoBuf && n != limit; {
		next := p.bufs[h].next
		b := &p.bufs[h]

		if b.fmRejected {
			h = next
			continue
		}
		fd, err := NewFmDesc(b.mem.Phys, len(b.mem.Virt))
		if err != nil {
			b.fmRejected = true
			e.m.fmRejected.Inc(1)
			e.l.WithError(err).WithFields(logrus.Fields{
				"ring":   r.String(),
				"handle": h,
			}).Error("Rejected free memory buffer")
			h = next
			continue
		}

		d := fd.Encode()
		if err := r.Push(&d); err != nil {
			if !errors.Is(err, ErrRingFull) && !errors.Is(err, ErrRingNotReady) {
				e.l.WithError(err).WithField("ring", r.String()).
					Error("Failed to push free memory descriptor")
			}
			break
		}
		p.move(h, listRxPushed)
		n++
		h = next
	}
	e.m.fmPushed.Inc(int64(n))
	return n
}

// refillFreeMemory offers rx-free buffers to the free memory rings one at
// a time in turn until every ring is full or nothing is left to offer.
func (e *Engine) refillFreeMemory() int {
	var total int
	for {
		var n int
		for i := range e.rings[RingFm] {
			n += e.offerFreeBuffers(i, 1)
		}
		if n == 0 {
			return total
		}
		total += n
	}
}

// pollReceive consumes at most one descriptor from receive ring i and
// reports whether one was consumed.
func (e *Engine) pollReceive(i int) bool {
	r := e.rings[RingRx][i]
	var d Descriptor
	if err := r.Pull(&d); err != nil {
		return false
	}
	rd := DecodeRx(d)

	p := e.pool
	p.mu.Lock()

	h, ok := p.find(listRxPushed, rd.Addr)
	if !ok {
		p.mu.Unlock()
		e.m.rxUnknownBuffer.Inc(1)
		e.l.WithFields(logrus.Fields{
			"ring": r.String(),
			"addr": fmt.Sprintf("0x%x", rd.Addr),
			"desc": rd.String(),
		}).Warn("Received unknown buffer")
		return true
	}
	if rd.Type != DescTypePacket {
		e.m.rxBadType.Inc(1)
		e.l.WithFields(logrus.Fields{
			"ring":   r.String(),
			"handle": h,
			"type":   rd.Type,
		}).Warn("Unexpected receive descriptor type")
	}
	b := &p.bufs[h]
	if int(rd.Size) > len(b.mem.Virt) {
		p.move(h, listRxFree)
		p.mu.Unlock()
		e.m.rxBadSize.Inc(1)
		e.l.WithFields(logrus.Fields{
			"ring":   r.String(),
			"handle": h,
			"size":   rd.Size,
		}).Warn("Receive descriptor exceeds buffer size")
		return true
	}

	e.m.rxReceived.Inc(1)
	e.m.rxBytes.Inc(int64(rd.Size))

	hd := e.handler
	if hd == nil || p.loans[DirRx] >= e.conf.MaxRxLoans {
		p.move(h, listRxFree)
		p.mu.Unlock()
		if hd == nil {
			e.m.rxNoHandler.Inc(1)
		} else {
			e.m.rxExcessLoans.Inc(1)
		}
		e.m.rxDropped.Inc(1)
		return true
	}

	p.loan(DirRx, h)
	frame := b.mem.Virt[:rd.Size]
	p.mu.Unlock()

	e.m.rxLoaned.Inc(1)
	hd.rx(h, frame)
	return true
}

// pollCompletion consumes at most one descriptor from completion ring i
// and reports whether one was consumed.
func (e *Engine) pollCompletion(i int) bool {
	r := e.rings[RingCmp][i]
	var d Descriptor
	if err := r.Pull(&d); err != nil {
		return false
	}
	cd := DecodeCmp(d)

	p := e.pool
	p.mu.Lock()

	h, ok := p.find(listTxPushed, cd.MsgID)
	if !ok {
		p.mu.Unlock()
		e.m.cmpUnknownBuffer.Inc(1)
		e.l.WithFields(logrus.Fields{
			"ring": r.String(),
			"addr": fmt.Sprintf("0x%x", cd.MsgID),
			"desc": cd.String(),
		}).Warn("Completion for unknown buffer")
		return true
	}
	if cd.Type != DescTypePacket {
		e.m.cmpBadType.Inc(1)
		e.l.WithFields(logrus.Fields{
			"ring":   r.String(),
			"handle": h,
			"type":   cd.Type,
		}).Warn("Unexpected completion descriptor type")
	}
	p.move(h, listTxFree)
	hd := e.handler
	p.mu.Unlock()

	e.m.txCompleted.Inc(1)
	if hd != nil && hd.txDone != nil {
		hd.txDone(h)
	}
	return true
}

// RxDone returns a buffer loaned to the handler.
func (e *Engine) RxDone(h BufHandle) error {
	p := e.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.valid(h) || p.bufs[h].list != listRxLoaned {
		e.m.rxUnknownLoan.Inc(1)
		e.l.WithField("handle", h).Warn("Returning receive buffer that is not loaned")
		return fmt.Errorf("%w: handle %d", ErrUnknownBuffer, h)
	}
	p.returnLoan(DirRx, h, listRxFree)
	return nil
}

// RunPollOnce drains every receive and completion ring, refilling the free
// memory ring after each received frame, until a full pass finds no work.
// Before returning it tops up every free memory ring, which is how buffers
// returned with RxDone reach a ring whose own receive ring is idle.
// It is the entry point for device interrupts. A call made while another
// is still running returns immediately.
func (e *Engine) RunPollOnce() {
	if !e.polling.TryLock() {
		e.m.pollBusy.Inc(1)
		return
	}
	defer e.polling.Unlock()

	for {
		e.m.pollRounds.Inc(1)
		progressed := false
		for i := range e.rings[RingRx] {
			if e.pollReceive(i) {
				progressed = true
				e.pushFreeBuffers(i)
			}
		}
		for i := range e.rings[RingCmp] {
			if e.pollCompletion(i) {
				progressed = true
			}
		}
		if !progressed {
			e.refillFreeMemory()
			return
		}
	}
}
