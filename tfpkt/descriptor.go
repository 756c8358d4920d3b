//go:build linux

package tfpkt

import (
	"fmt"
)

// RingKind identifies one of the four descriptor ring types.
type RingKind int

const (
	RingRx RingKind = iota
	RingTx
	RingFm
	RingCmp

	numRingKinds
)

func (k RingKind) String() string {
	switch k {
	case RingRx:
		return "rx"
	case RingTx:
		return "tx"
	case RingFm:
		return "fm"
	case RingCmp:
		return "cmp"
	}
	return fmt.Sprintf("RingKind(%d)", int(k))
}

// DescWidth returns the descriptor size of the ring kind in bytes.
func (k RingKind) DescWidth() int {
	switch k {
	case RingRx, RingCmp:
		return 16
	case RingTx:
		return 32
	case RingFm:
		return 8
	}
	panic(fmt.Sprintf("unknown ring kind %d", int(k)))
}

// HostProduces reports whether the host pushes onto rings of this kind.
// Otherwise the host pulls from them.
func (k RingKind) HostProduces() bool { return k == RingTx || k == RingFm }

// Descriptor holds the raw 64-bit words of one descriptor. Only the first
// DescWidth()/8 words are meaningful for a given ring kind.
type Descriptor [4]uint64

// DescType is the type tag carried in a descriptor header.
type DescType uint8

const (
	DescTypeLRT DescType = iota
	DescTypeIdle
	DescTypeLearn
	DescTypePacket
	DescTypeDiag
)

var descTypeStrings = [...]string{
	DescTypeLRT:    "lrt",
	DescTypeIdle:   "idle",
	DescTypeLearn:  "learn",
	DescTypePacket: "packet",
	DescTypeDiag:   "diag",
}

func (t DescType) String() string {
	if int(t) < len(descTypeStrings) {
		return descTypeStrings[t]
	}
	return fmt.Sprintf("DescType(%d)", uint8(t))
}

// Header is the first word of RX, TX and CMP descriptors.
//
//	[0]     start of packet
//	[1]     end of packet
//	[4:2]   type
//	[6:5]   status
//	[31:7]  attributes
//	[63:32] size in bytes
type Header struct {
	SOP    bool
	EOP    bool
	Type   DescType
	Status uint8
	Attr   uint32
	Size   uint32
}

func (h Header) word() (w uint64) {
	if h.SOP {
		w |= 1 << 0
	}
	if h.EOP {
		w |= 1 << 1
	}
	w |= uint64(h.Type&0x7) << 2
	w |= uint64(h.Status&0x3) << 5
	w |= uint64(h.Attr&0x1ffffff) << 7
	w |= uint64(h.Size) << 32
	return w
}

func headerFromWord(w uint64) Header {
	return Header{
		SOP:    w&(1<<0) != 0,
		EOP:    w&(1<<1) != 0,
		Type:   DescType((w >> 2) & 0x7),
		Status: uint8((w >> 5) & 0x3),
		Attr:   uint32((w >> 7) & 0x1ffffff),
		Size:   uint32(w >> 32),
	}
}

// RxDesc reports a frame written by the device into Addr.
type RxDesc struct {
	Header
	Addr uint64
}

func (d RxDesc) Encode() Descriptor { return Descriptor{d.Header.word(), d.Addr} }

func DecodeRx(d Descriptor) RxDesc {
	return RxDesc{Header: headerFromWord(d[0]), Addr: d[1]}
}

func (d RxDesc) String() string {
	return fmt.Sprintf("rx 0x%x, %d bytes, type %s, sop %t eop %t status %d",
		d.Addr, d.Size, d.Type, d.SOP, d.EOP, d.Status)
}

// TxDesc asks the device to send Size bytes at Src.
// MsgID is echoed back in the matching CmpDesc.
type TxDesc struct {
	Header
	Src   uint64
	Dst   uint64
	MsgID uint64
}

func (d TxDesc) Encode() Descriptor {
	return Descriptor{d.Header.word(), d.Src, d.Dst, d.MsgID}
}

func DecodeTx(d Descriptor) TxDesc {
	return TxDesc{Header: headerFromWord(d[0]), Src: d[1], Dst: d[2], MsgID: d[3]}
}

func (d TxDesc) String() string {
	return fmt.Sprintf("tx 0x%x, %d bytes, type %s, msg 0x%x", d.Src, d.Size, d.Type, d.MsgID)
}

// CmpDesc reports that the TX descriptor carrying MsgID was consumed.
type CmpDesc struct {
	Header
	MsgID uint64
}

func (d CmpDesc) Encode() Descriptor { return Descriptor{d.Header.word(), d.MsgID} }

func DecodeCmp(d Descriptor) CmpDesc {
	return CmpDesc{Header: headerFromWord(d[0]), MsgID: d[1]}
}

func (d CmpDesc) String() string {
	return fmt.Sprintf("cmp msg 0x%x, %d bytes, type %s", d.MsgID, d.Size, d.Type)
}

// FmDesc hands a free buffer to the device. The address is 256 byte
// aligned so the size bucket fits in the low byte.
type FmDesc struct {
	Addr   uint64
	Bucket uint8
}

// NewFmDesc validates addr and size and returns the matching descriptor.
func NewFmDesc(addr uint64, size int) (FmDesc, error) {
	if addr%BufferAlign != 0 {
		return FmDesc{}, fmt.Errorf("%w: address 0x%x is not %d byte aligned",
			ErrInvalidArgument, addr, BufferAlign)
	}
	b, err := sizeBucket(size)
	if err != nil {
		return FmDesc{}, err
	}
	return FmDesc{Addr: addr, Bucket: b}, nil
}

// BufferSize returns the number of bytes the device may write.
func (d FmDesc) BufferSize() int { return MinBufferSize << d.Bucket }

func (d FmDesc) Encode() Descriptor { return Descriptor{d.Addr | uint64(d.Bucket)} }

func DecodeFm(d Descriptor) FmDesc {
	return FmDesc{Addr: d[0] &^ (BufferAlign - 1), Bucket: uint8(d[0] & (BufferAlign - 1))}
}

// sizeBucket returns log2(size >> 9).
func sizeBucket(size int) (uint8, error) {
	if size < MinBufferSize || size > MaxBufferSize {
		return 0, fmt.Errorf("%w: buffer size %d not in [%d, %d]",
			ErrInvalidArgument, size, MinBufferSize, MaxBufferSize)
	}
	var b uint8
	for s := size >> 9; s > 1; s >>= 1 {
		b++
	}
	return b, nil
}
