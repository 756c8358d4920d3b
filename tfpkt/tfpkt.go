//go:build linux

// Package tfpkt implements the packet engine that moves Ethernet frames
// between host memory and a programmable switch ASIC over DMA descriptor
// rings.
//
// Terminology mapping (host ↔ device):
//
//   - RX ring: the device reports frames it wrote into host buffers.
//   - TX ring: frames the host asks the device to send.
//   - FM ring: free memory the host hands to the device for future RX.
//   - CMP ring: the device reports TX buffers it is done with.
//
// The host produces on TX and FM rings (it owns their tail, the device owns
// head) and consumes from RX and CMP rings (it owns head, the device owns
// tail).
//
// Every buffer in the pool is on exactly one of six lists at any time:
// rx-free, rx-pushed, rx-loaned, tx-free, tx-pushed and tx-loaned.
// Loaned buffers belong to the caller until they are handed back with
// RxDone, TxSend or TxFree.
package tfpkt

import (
	"errors"
	"fmt"

	"github.com/romshark/tfpkt-go/dma"
)

var (
	ErrRingFull          = errors.New("descriptor ring is full")
	ErrRingEmpty         = errors.New("descriptor ring is empty")
	ErrRingNotReady      = errors.New("descriptor ring is not ready")
	ErrWrongRingKind     = errors.New("operation not supported by ring kind")
	ErrRingSize          = errors.New("invalid descriptor ring size")
	ErrRingPointer       = errors.New("device ring pointer out of range")
	ErrNoBuffers         = errors.New("no free buffers")
	ErrBufTooLarge       = errors.New("length exceeds buffer size")
	ErrUnknownBuffer     = errors.New("unknown buffer")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrAlreadyRegistered = errors.New("handler already registered")
	ErrBusy              = errors.New("loaned buffers outstanding")
	ErrMultiCookie       = errors.New("dma mapping is not physically contiguous")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrClosed            = errors.New("engine is closed")
)

// Registers is the device register window. Reads and writes are
// synchronous and atomic at the 32-bit word level.
type Registers interface {
	ReadReg(off uint32) uint32
	WriteReg(off uint32, v uint32)
}

// DMAAllocator provides DMA-capable memory.
type DMAAllocator interface {
	Alloc(size int, dir dma.Direction) (dma.Mem, error)
	Free(m dma.Mem) error
}

const (
	DefaultNumBuffers = 1024
	DefaultBufferSize = 2048
	DefaultRxRings    = 8
	DefaultTxRings    = 4
	DefaultCmpRings   = 4
	DefaultRingDepth  = 1024
	DefaultMaxRxLoans = 128

	// MaxRingsPerKind is bounded by the register map.
	MaxRingsPerKind = 32

	MinBufferSize = 512
	// MaxBufferSize is the largest buffer a free memory descriptor can
	// describe.
	MaxBufferSize = 32768
	// BufferAlign is the required alignment of free memory addresses.
	BufferAlign = 256
)

// Config controls the engine's fixed resources. All sizes are fixed for
// the lifetime of an Engine.
type Config struct {
	// NumBuffers is the total number of DMA buffers in the pool.
	NumBuffers int `yaml:"num-buffers"`
	// RxBuffers is how many of NumBuffers are used for receive.
	// The remainder is used for transmit.
	RxBuffers int `yaml:"rx-buffers"`
	// BufferSize is the size of every buffer in bytes.
	BufferSize int `yaml:"buffer-size"`

	RxRings  int `yaml:"rx-rings"`
	TxRings  int `yaml:"tx-rings"`
	FmRings  int `yaml:"fm-rings"`
	CmpRings int `yaml:"cmp-rings"`

	// Requested ring depths in descriptors. The actual depth may be lower
	// after the ring size is rounded down to a power of two.
	RxDepth  int `yaml:"rx-depth"`
	TxDepth  int `yaml:"tx-depth"`
	FmDepth  int `yaml:"fm-depth"`
	CmpDepth int `yaml:"cmp-depth"`

	// MaxRxLoans caps the number of receive buffers loaned to the handler
	// at once. Frames arriving above the cap are recycled immediately.
	MaxRxLoans int `yaml:"max-rx-loans"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.NumBuffers == 0 {
		c.NumBuffers = DefaultNumBuffers
	}
	if c.RxBuffers == 0 {
		c.RxBuffers = c.NumBuffers / 2
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.RxRings == 0 {
		c.RxRings = DefaultRxRings
	}
	if c.TxRings == 0 {
		c.TxRings = DefaultTxRings
	}
	if c.FmRings == 0 {
		c.FmRings = c.RxRings
	}
	if c.CmpRings == 0 {
		c.CmpRings = DefaultCmpRings
	}
	for _, d := range []*int{&c.RxDepth, &c.TxDepth, &c.FmDepth, &c.CmpDepth} {
		if *d == 0 {
			*d = DefaultRingDepth
		}
	}
	if c.MaxRxLoans == 0 {
		c.MaxRxLoans = DefaultMaxRxLoans
	}

	if c.BufferSize < MinBufferSize || c.BufferSize > MaxBufferSize {
		return fmt.Errorf("%w: buffer-size %d not in [%d, %d]",
			ErrInvalidConfig, c.BufferSize, MinBufferSize, MaxBufferSize)
	}
	if c.BufferSize%BufferAlign != 0 {
		return fmt.Errorf("%w: buffer-size %d is not a multiple of %d",
			ErrInvalidConfig, c.BufferSize, BufferAlign)
	}
	if c.NumBuffers < 0 || c.RxBuffers < 0 || c.RxBuffers >= c.NumBuffers {
		return fmt.Errorf("%w: rx-buffers (%d) must be below num-buffers (%d)",
			ErrInvalidConfig, c.RxBuffers, c.NumBuffers)
	}
	for _, n := range []int{c.RxRings, c.TxRings, c.FmRings, c.CmpRings} {
		if n < 1 || n > MaxRingsPerKind {
			return fmt.Errorf("%w: ring count %d not in [1, %d]",
				ErrInvalidConfig, n, MaxRingsPerKind)
		}
	}
	if c.FmRings != c.RxRings {
		return fmt.Errorf("%w: fm-rings (%d) must equal rx-rings (%d)",
			ErrInvalidConfig, c.FmRings, c.RxRings)
	}
	depths := [numRingKinds]*int{
		RingRx: &c.RxDepth, RingTx: &c.TxDepth, RingFm: &c.FmDepth, RingCmp: &c.CmpDepth,
	}
	for k, d := range depths {
		if *d < 0 {
			return fmt.Errorf("%w: negative ring depth %d", ErrInvalidConfig, *d)
		}
		// Deeper rings would be clamped to maxRingBytes anyway.
		*d = min(*d, maxRingBytes/RingKind(k).DescWidth())
	}
	if c.MaxRxLoans < 0 || c.MaxRxLoans >= c.RxBuffers {
		return fmt.Errorf("%w: max-rx-loans (%d) must be below rx-buffers (%d)",
			ErrInvalidConfig, c.MaxRxLoans, c.RxBuffers)
	}
	return nil
}
