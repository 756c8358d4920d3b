//go:build linux

// Package tfsim simulates the DMA side of the switch ASIC so the packet
// engine can run without hardware.
//
// The device keeps no ring state of its own: like the real ASIC it reads
// ring geometry and pointers from its register file on every operation and
// resolves descriptor addresses through a Translator.
package tfsim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/tfpkt-go/tfpkt"
)

var (
	ErrRingDisabled  = errors.New("ring is disabled")
	ErrNoFreeMemory  = errors.New("no free memory descriptors")
	ErrRingFull      = errors.New("ring is full")
	ErrFrameTooLarge = errors.New("frame exceeds free memory buffer")
	ErrBadRing       = errors.New("ring registers are inconsistent")
)

// Translator resolves device addresses to host memory.
type Translator interface {
	Translate(phys uint64, n int) ([]byte, error)
}

// TransmitFunc receives a frame sent on TX ring ring.
// frame is only valid for the duration of the call, which must not call
// back into the Device.
type TransmitFunc func(ring int, frame []byte)

// Device is a simulated ASIC. Register access is safe for concurrent use,
// device-side ring operations are serialized.
type Device struct {
	l   *logrus.Logger
	mem Translator

	regs []atomic.Uint32

	mu         sync.Mutex
	onTransmit TransmitFunc

	irq    chan struct{}
	closed bool
}

// New returns a device with all rings disabled.
func New(l *logrus.Logger, mem Translator) *Device {
	return &Device{
		l:    l,
		mem:  mem,
		regs: make([]atomic.Uint32, tfpkt.RegSpaceSize/4),
		irq:  make(chan struct{}, 1),
	}
}

// ReadReg implements tfpkt.Registers.
func (d *Device) ReadReg(off uint32) uint32 {
	return d.regs[off/4].Load()
}

// WriteReg implements tfpkt.Registers.
func (d *Device) WriteReg(off uint32, v uint32) {
	d.regs[off/4].Store(v)
}

// OnTransmit sets the function that receives transmitted frames.
func (d *Device) OnTransmit(fn TransmitFunc) {
	d.mu.Lock()
	d.onTransmit = fn
	d.mu.Unlock()
}

// Interrupts returns the interrupt line. At most one signal is pending at
// a time. The channel is closed by Close.
func (d *Device) Interrupts() <-chan struct{} { return d.irq }

// Close closes the interrupt line. Ring operations keep working but no
// longer signal.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.irq)
	}
}

// signal must be called with mu held.
func (d *Device) signal() {
	if d.closed {
		return
	}
	select {
	case d.irq <- struct{}{}:
	default:
	}
}

// Enabled reports whether ring id of kind k is enabled.
func (d *Device) Enabled(k tfpkt.RingKind, id int) bool {
	return d.ReadReg(tfpkt.RingRegBase(k, id)+tfpkt.RegCtrl)&tfpkt.CtrlEnable != 0
}

// Receive delivers frame on RX ring ring using a buffer from the free
// memory ring with the same index. Nothing changes if it fails.
func (d *Device) Receive(ring int, frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fm, err := d.view(tfpkt.RingFm, ring)
	if err != nil {
		return err
	}
	rx, err := d.view(tfpkt.RingRx, ring)
	if err != nil {
		return err
	}

	var raw tfpkt.Descriptor
	if !fm.peek(&raw) {
		return fmt.Errorf("%s: %w", fm, ErrNoFreeMemory)
	}
	if rx.full() {
		return fmt.Errorf("%s: %w", rx, ErrRingFull)
	}
	fd := tfpkt.DecodeFm(raw)
	if len(frame) > fd.BufferSize() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), fd.BufferSize())
	}
	buf, err := d.mem.Translate(fd.Addr, len(frame))
	if err != nil {
		return fmt.Errorf("free memory buffer 0x%x: %w", fd.Addr, err)
	}

	copy(buf, frame)
	fm.consume()
	rx.produce(tfpkt.RxDesc{
		Header: tfpkt.Header{SOP: true, EOP: true, Type: tfpkt.DescTypePacket, Size: uint32(len(frame))},
		Addr:   fd.Addr,
	}.Encode())
	d.signal()
	return nil
}

// PostReceive writes rd to RX ring ring as is.
func (d *Device) PostReceive(ring int, rd tfpkt.RxDesc) error {
	return d.post(tfpkt.RingRx, ring, rd.Encode())
}

// PostCompletion writes cd to completion ring ring as is.
func (d *Device) PostCompletion(ring int, cd tfpkt.CmpDesc) error {
	return d.post(tfpkt.RingCmp, ring, cd.Encode())
}

func (d *Device) post(k tfpkt.RingKind, ring int, raw tfpkt.Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, err := d.view(k, ring)
	if err != nil {
		return err
	}
	if r.full() {
		return fmt.Errorf("%s: %w", r, ErrRingFull)
	}
	r.produce(raw)
	d.signal()
	return nil
}

// Transmit sends up to max frames queued on the TX rings, completing each
// on completion ring txRing % n where n is the number of enabled
// completion rings. It stops early when a completion ring is full.
func (d *Device) Transmit(max int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cmpRings int
	for cmpRings < tfpkt.MaxRingsPerKind && d.Enabled(tfpkt.RingCmp, cmpRings) {
		cmpRings++
	}
	if cmpRings == 0 {
		return 0, fmt.Errorf("completion rings: %w", ErrRingDisabled)
	}

	var sent int
	defer func() {
		if sent > 0 {
			d.signal()
		}
	}()

	for i := 0; i < tfpkt.MaxRingsPerKind && sent < max; i++ {
		if !d.Enabled(tfpkt.RingTx, i) {
			continue
		}
		tx, err := d.view(tfpkt.RingTx, i)
		if err != nil {
			return sent, err
		}
		cmp, err := d.view(tfpkt.RingCmp, i%cmpRings)
		if err != nil {
			return sent, err
		}

		var raw tfpkt.Descriptor
		for sent < max && tx.peek(&raw) {
			if cmp.full() {
				return sent, nil
			}
			td := tfpkt.DecodeTx(raw)
			cd := tfpkt.CmpDesc{
				Header: tfpkt.Header{SOP: true, EOP: true, Type: tfpkt.DescTypePacket, Size: td.Size},
				MsgID:  td.MsgID,
			}
			frame, err := d.mem.Translate(td.Src, int(td.Size))
			if err != nil {
				d.l.WithError(err).WithFields(logrus.Fields{
					"ring": tx.String(),
					"desc": td.String(),
				}).Warn("Transmit buffer is not mapped")
				cd.Status = 1
			} else if d.onTransmit != nil {
				d.onTransmit(i, frame)
			}
			tx.consume()
			cmp.produce(cd.Encode())
			sent++
		}
	}
	return sent, nil
}

// ringView is the device's view of one ring, rebuilt from the registers.
type ringView struct {
	d     *Device
	kind  tfpkt.RingKind
	id    int
	reg   uint32
	width uint32
	size  uint32
	mem   []byte
}

func (d *Device) view(k tfpkt.RingKind, id int) (*ringView, error) {
	if id < 0 || id >= tfpkt.MaxRingsPerKind {
		return nil, fmt.Errorf("%s%d: %w", k, id, ErrBadRing)
	}
	if !d.Enabled(k, id) {
		return nil, fmt.Errorf("%s%d: %w", k, id, ErrRingDisabled)
	}
	reg := tfpkt.RingRegBase(k, id)
	base := uint64(d.ReadReg(reg+tfpkt.RegBaseLo)) | uint64(d.ReadReg(reg+tfpkt.RegBaseHi))<<32
	size := d.ReadReg(reg + tfpkt.RegSize)
	width := uint32(k.DescWidth())
	if size == 0 || size%width != 0 {
		return nil, fmt.Errorf("%s%d: %w: size %d", k, id, ErrBadRing, size)
	}
	mem, err := d.mem.Translate(base, int(size))
	if err != nil {
		return nil, fmt.Errorf("%s%d: %w", k, id, err)
	}
	return &ringView{d: d, kind: k, id: id, reg: reg, width: width, size: size, mem: mem}, nil
}

func (r *ringView) String() string { return fmt.Sprintf("%s%d", r.kind, r.id) }

func (r *ringView) ptr(off uint32) (uint32, bool) {
	return tfpkt.DecodePtr(r.d.ReadReg(r.reg + off))
}

func (r *ringView) advance(off uint32) {
	o, wrap := r.ptr(off)
	o += r.width
	if o >= r.size {
		o, wrap = 0, !wrap
	}
	r.d.WriteReg(r.reg+off, tfpkt.EncodePtr(o, wrap))
}

// peek reads the descriptor at head of a host produced ring.
func (r *ringView) peek(raw *tfpkt.Descriptor) bool {
	head, hw := r.ptr(tfpkt.RegHead)
	tail, tw := r.ptr(tfpkt.RegTail)
	if head == tail && hw == tw {
		return false
	}
	if head >= r.size || head%r.width != 0 {
		r.d.l.WithFields(logrus.Fields{
			"ring": r.String(),
			"head": head,
		}).Error("Head pointer out of range")
		return false
	}
	*raw = tfpkt.Descriptor{}
	s := r.mem[head : head+r.width]
	for i := range r.width / 8 {
		raw[i] = binary.LittleEndian.Uint64(s[i*8:])
	}
	return true
}

func (r *ringView) consume() { r.advance(tfpkt.RegHead) }

// full reports whether a device produced ring has no room.
func (r *ringView) full() bool {
	head, hw := r.ptr(tfpkt.RegHead)
	tail, tw := r.ptr(tfpkt.RegTail)
	return head == tail && hw != tw
}

func (r *ringView) produce(raw tfpkt.Descriptor) {
	tail, _ := r.ptr(tfpkt.RegTail)
	if tail >= r.size || tail%r.width != 0 {
		tail = 0
	}
	s := r.mem[tail : tail+r.width]
	for i := range r.width / 8 {
		binary.LittleEndian.PutUint64(s[i*8:], raw[i])
	}
	r.advance(tfpkt.RegTail)
}
