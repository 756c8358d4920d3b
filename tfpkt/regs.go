//go:build linux

package tfpkt

// Per-ring register block layout. Each ring owns RingRegStride bytes
// starting at RingRegBase(kind, id).
const (
	RegCtrl       = 0x00
	RegBaseLo     = 0x04
	RegBaseHi     = 0x08
	RegLimitLo    = 0x0c
	RegLimitHi    = 0x10
	RegSize       = 0x14
	RegHead       = 0x18
	RegTail       = 0x1c
	RegTailAddrLo = 0x20
	RegTailAddrHi = 0x24

	RingRegStride = 0x40

	CtrlEnable = 1 << 0
)

var ringRegKindBase = [numRingKinds]uint32{
	RingRx:  0x10000,
	RingTx:  0x10800,
	RingFm:  0x11000,
	RingCmp: 0x11800,
}

// RegSpaceSize covers every ring register block.
const RegSpaceSize = 0x12000

// RingRegBase returns the offset of the register block of ring id of kind k.
func RingRegBase(k RingKind, id int) uint32 {
	return ringRegKindBase[k] + uint32(id)*RingRegStride
}

const (
	ptrWrapBit    = 1 << 20
	ptrOffsetMask = ptrWrapBit - 1
)

// EncodePtr returns the head/tail register value for a ring cursor.
func EncodePtr(off uint32, wrap bool) uint32 {
	v := off & ptrOffsetMask
	if wrap {
		v |= ptrWrapBit
	}
	return v
}

// DecodePtr splits a head/tail register value into offset and wrap bit.
func DecodePtr(v uint32) (off uint32, wrap bool) {
	return v & ptrOffsetMask, v&ptrWrapBit != 0
}
