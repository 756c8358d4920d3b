//go:build linux

package tfpkt

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/tfpkt-go/dma"
)

const (
	minRingBytes = 64
	maxRingBytes = 1 << 20
)

type ringState int

const (
	ringUninitialized ringState = iota
	ringReady
	ringDraining
	ringFreed
)

var ringStateStrings = [...]string{
	ringUninitialized: "uninitialized",
	ringReady:         "ready",
	ringDraining:      "draining",
	ringFreed:         "freed",
}

func (s ringState) String() string { return ringStateStrings[s] }

// cursor is a ring byte offset plus the wrap discriminator.
// head == tail means empty, equal offsets with different wrap bits mean full.
type cursor struct {
	off  uint32
	wrap bool
}

func cursorFromReg(v uint32) cursor {
	off, wrap := DecodePtr(v)
	return cursor{off: off, wrap: wrap}
}

func (c cursor) reg() uint32 { return EncodePtr(c.off, c.wrap) }

func (c *cursor) advance(width, size uint32) {
	c.off += width
	if c.off >= size {
		c.off = 0
		c.wrap = !c.wrap
	}
}

// ringBytes rounds a requested ring size down to a power of two within
// [minRingBytes, maxRingBytes].
func ringBytes(requested int) (int, error) {
	if requested < minRingBytes {
		return 0, fmt.Errorf("%w: %d bytes is below the %d byte minimum",
			ErrRingSize, requested, minRingBytes)
	}
	if requested >= maxRingBytes {
		return maxRingBytes, nil
	}
	return 1 << (bits.Len(uint(requested)) - 1), nil
}

// Ring is a single hardware descriptor ring.
// Push and Pull are safe for concurrent use; cursors and the matching
// register pair are guarded by the ring's own mutex.
type Ring struct {
	kind RingKind
	id   int
	l    *logrus.Logger
	regs Registers
	reg  uint32

	// mem holds size bytes of descriptors followed by one descriptor
	// wide slot mirroring the tail pointer.
	mem   dma.Mem
	width uint32
	size  uint32

	mu    sync.Mutex
	head  cursor
	tail  cursor
	state ringState
}

// allocRing allocates the DMA memory for a ring of the requested depth.
// The ring is not usable until program is called.
func allocRing(
	l *logrus.Logger, alloc DMAAllocator, regs Registers,
	kind RingKind, id int, depth int,
) (*Ring, error) {
	width := kind.DescWidth()
	requested := depth * width
	size, err := ringBytes(requested)
	if err != nil {
		return nil, fmt.Errorf("%s%d: %w", kind, id, err)
	}
	if size != requested {
		l.WithFields(logrus.Fields{
			"ring":      fmt.Sprintf("%s%d", kind, id),
			"requested": requested,
			"size":      size,
			"depth":     size / width,
		}).Info("Ring size rounded down")
	}

	dir := dma.FromDevice
	if kind.HostProduces() {
		dir = dma.ToDevice
	}
	mem, err := alloc.Alloc(size+width, dir)
	if err != nil {
		return nil, fmt.Errorf("allocating %s%d ring memory: %w", kind, id, err)
	}
	if mem.Cookies != 1 {
		_ = alloc.Free(mem)
		return nil, fmt.Errorf("%s%d: %w (%d cookies)", kind, id, ErrMultiCookie, mem.Cookies)
	}

	return &Ring{
		kind:  kind,
		id:    id,
		l:     l,
		regs:  regs,
		reg:   RingRegBase(kind, id),
		mem:   mem,
		width: uint32(width),
		size:  uint32(size),
	}, nil
}

func (r *Ring) String() string { return fmt.Sprintf("%s%d", r.kind, r.id) }

func (r *Ring) Kind() RingKind { return r.kind }
func (r *Ring) ID() int        { return r.id }

// Depth returns the number of descriptors the ring holds when full.
func (r *Ring) Depth() int { return int(r.size / r.width) }

// Phys returns the device address of the first descriptor.
func (r *Ring) Phys() uint64 { return r.mem.Phys }

// program writes the ring geometry to the device and enables it.
func (r *Ring) program() {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.mem.Phys
	limit := base + uint64(r.size) - 1
	shadow := base + uint64(r.size)

	r.regs.WriteReg(r.reg+RegCtrl, 0)
	r.regs.WriteReg(r.reg+RegBaseLo, uint32(base))
	r.regs.WriteReg(r.reg+RegBaseHi, uint32(base>>32))
	r.regs.WriteReg(r.reg+RegLimitLo, uint32(limit))
	r.regs.WriteReg(r.reg+RegLimitHi, uint32(limit>>32))
	r.regs.WriteReg(r.reg+RegSize, r.size)
	r.regs.WriteReg(r.reg+RegTailAddrLo, uint32(shadow))
	r.regs.WriteReg(r.reg+RegTailAddrHi, uint32(shadow>>32))

	r.head, r.tail = cursor{}, cursor{}
	r.regs.WriteReg(r.reg+RegHead, r.head.reg())
	r.regs.WriteReg(r.reg+RegTail, r.tail.reg())
	r.writeShadow()

	r.regs.WriteReg(r.reg+RegCtrl, CtrlEnable)
	r.state = ringReady
}

// drain disables the ring. No descriptors are pushed or pulled afterwards.
func (r *Ring) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != ringReady {
		return
	}
	r.regs.WriteReg(r.reg+RegCtrl, 0)
	r.state = ringDraining
}

// free releases the ring memory. The ring must be drained.
func (r *Ring) free(alloc DMAAllocator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ringFreed {
		return nil
	}
	if r.state == ringReady {
		r.regs.WriteReg(r.reg+RegCtrl, 0)
	}
	r.state = ringFreed
	if err := alloc.Free(r.mem); err != nil {
		return fmt.Errorf("freeing %s ring memory: %w", r, err)
	}
	return nil
}

func (r *Ring) empty() bool { return r.head == r.tail }

func (r *Ring) full() bool {
	return r.head.off == r.tail.off && r.head.wrap != r.tail.wrap
}

// deviceCursor reads a device owned pointer register and checks that it
// points at a descriptor slot.
func (r *Ring) deviceCursor(off uint32) (cursor, error) {
	v := r.regs.ReadReg(r.reg + off)
	c := cursorFromReg(v)
	if c.off >= r.size || c.off%r.width != 0 {
		r.l.WithFields(logrus.Fields{
			"ring":  r.String(),
			"value": fmt.Sprintf("0x%x", v),
			"size":  r.size,
		}).Error("Device ring pointer out of range")
		return cursor{}, fmt.Errorf("%s: %w: 0x%x", r, ErrRingPointer, v)
	}
	return c, nil
}

func (r *Ring) slot(off uint32) []byte { return r.mem.Virt[off : off+r.width] }

func (r *Ring) writeShadow() {
	binary.LittleEndian.PutUint64(r.mem.Virt[r.size:], uint64(r.tail.reg()))
}

// Push enqueues d. It returns ErrRingFull without side effects when the
// device has not yet consumed enough descriptors.
func (r *Ring) Push(d *Descriptor) error {
	if !r.kind.HostProduces() {
		return fmt.Errorf("push on %s: %w", r.kind, ErrWrongRingKind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != ringReady {
		return fmt.Errorf("%s is %s: %w", r, r.state, ErrRingNotReady)
	}

	// The device owns head.
	head, err := r.deviceCursor(RegHead)
	if err != nil {
		return err
	}
	r.head = head
	if r.full() {
		return ErrRingFull
	}

	s := r.slot(r.tail.off)
	for i := range r.width / 8 {
		binary.LittleEndian.PutUint64(s[i*8:], d[i])
	}
	r.tail.advance(r.width, r.size)
	r.writeShadow()
	r.regs.WriteReg(r.reg+RegTail, r.tail.reg())
	return nil
}

// Pull dequeues one descriptor into d. It returns ErrRingEmpty when the
// device has not produced anything new.
func (r *Ring) Pull(d *Descriptor) error {
	if r.kind.HostProduces() {
		return fmt.Errorf("pull on %s: %w", r.kind, ErrWrongRingKind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != ringReady {
		return fmt.Errorf("%s is %s: %w", r, r.state, ErrRingNotReady)
	}

	// The device owns tail.
	tail, err := r.deviceCursor(RegTail)
	if err != nil {
		return err
	}
	r.tail = tail
	if r.empty() {
		return ErrRingEmpty
	}

	*d = Descriptor{}
	s := r.slot(r.head.off)
	for i := range r.width / 8 {
		d[i] = binary.LittleEndian.Uint64(s[i*8:])
	}
	r.head.advance(r.width, r.size)
	r.regs.WriteReg(r.reg+RegHead, r.head.reg())
	return nil
}
