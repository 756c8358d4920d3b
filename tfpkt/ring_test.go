//go:build linux

package tfpkt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/tfpkt-go/internal/test"
)

func TestRingBytes(t *testing.T) {
	for _, tc := range []struct {
		requested int
		want      int
		err       error
	}{
		{requested: 0, err: ErrRingSize},
		{requested: 63, err: ErrRingSize},
		{requested: 64, want: 64},
		{requested: 100, want: 64},
		{requested: 128, want: 128},
		{requested: 1000, want: 512},
		{requested: 1<<20 - 1, want: 1 << 19},
		{requested: 1 << 20, want: 1 << 20},
		{requested: 5 << 20, want: 1 << 20},
	} {
		got, err := ringBytes(tc.requested)
		if tc.err != nil {
			assert.ErrorIs(t, err, tc.err, "requested %d", tc.requested)
			continue
		}
		require.NoError(t, err, "requested %d", tc.requested)
		assert.Equal(t, tc.want, got, "requested %d", tc.requested)
	}
}

func newTestRing(t *testing.T, kind RingKind, depth int) (*Ring, *fakeRegs, *heapAlloc) {
	t.Helper()
	regs, alloc := newFakeRegs(), newHeapAlloc()
	r, err := allocRing(test.NewLogger(), alloc, regs, kind, 0, depth)
	require.NoError(t, err)
	return r, regs, alloc
}

func TestAllocRing(t *testing.T) {
	r, _, alloc := newTestRing(t, RingTx, 10)
	// 320 bytes round down to 256.
	assert.Equal(t, 8, r.Depth())
	assert.Equal(t, "tx0", r.String())
	assert.Len(t, r.mem.Virt, 256+32, "ring plus one shadow slot")
	assert.Len(t, alloc.live, 1)

	require.NoError(t, r.free(alloc))
	assert.Empty(t, alloc.live)
	require.NoError(t, r.free(alloc), "freeing twice is a no-op")
}

func TestAllocRing_Errors(t *testing.T) {
	l := test.NewLogger()

	alloc := newHeapAlloc()
	_, err := allocRing(l, alloc, newFakeRegs(), RingRx, 0, 3)
	assert.ErrorIs(t, err, ErrRingSize)
	assert.Zero(t, alloc.calls)

	alloc.failAt = 1
	_, err = allocRing(l, alloc, newFakeRegs(), RingRx, 0, 8)
	assert.ErrorIs(t, err, errAllocFailed)

	alloc = newHeapAlloc()
	alloc.cookies = 2
	_, err = allocRing(l, alloc, newFakeRegs(), RingRx, 0, 8)
	assert.ErrorIs(t, err, ErrMultiCookie)
	assert.Empty(t, alloc.live)
}

func TestRing_Program(t *testing.T) {
	r, regs, _ := newTestRing(t, RingCmp, 8)
	r.program()

	reg := RingRegBase(RingCmp, 0)
	assert.Equal(t, uint32(0x11800), reg)
	assert.Equal(t, uint32(CtrlEnable), regs.ReadReg(reg+RegCtrl))
	assert.Equal(t, uint32(r.mem.Phys), regs.ReadReg(reg+RegBaseLo))
	assert.Equal(t, uint32(r.mem.Phys>>32), regs.ReadReg(reg+RegBaseHi))
	assert.Equal(t, uint32(r.mem.Phys+127), regs.ReadReg(reg+RegLimitLo))
	assert.Equal(t, uint32(128), regs.ReadReg(reg+RegSize))
	assert.Equal(t, uint32(r.mem.Phys+128), regs.ReadReg(reg+RegTailAddrLo))
	assert.Zero(t, regs.ReadReg(reg+RegHead))
	assert.Zero(t, regs.ReadReg(reg+RegTail))

	r.drain()
	assert.Zero(t, regs.ReadReg(reg+RegCtrl))
}

// A ring of depth D accepts exactly D pushes, then one more after the
// device consumes one, across the wrap.
func TestRing_FullAcrossWrap(t *testing.T) {
	r, regs, _ := newTestRing(t, RingFm, 8)
	r.program()
	reg := RingRegBase(RingFm, 0)

	for i := range 8 {
		d := FmDesc{Addr: uint64(i+1) << 12, Bucket: 2}.Encode()
		require.NoError(t, r.Push(&d), "push %d", i)
	}
	d := FmDesc{Addr: 0x9000}.Encode()
	assert.ErrorIs(t, r.Push(&d), ErrRingFull)
	assert.Equal(t, EncodePtr(0, true), regs.ReadReg(reg+RegTail))

	// Shadow tail mirrors the register.
	assert.Equal(t, uint64(EncodePtr(0, true)), binary.LittleEndian.Uint64(r.mem.Virt[64:]))
	// First slot holds the first descriptor.
	assert.Equal(t, uint64(1<<12|2), binary.LittleEndian.Uint64(r.mem.Virt[0:]))

	// Device consumes one descriptor.
	regs.WriteReg(reg+RegHead, EncodePtr(8, false))
	require.NoError(t, r.Push(&d))
	assert.Equal(t, EncodePtr(8, true), regs.ReadReg(reg+RegTail))
	assert.Equal(t, uint64(0x9000), binary.LittleEndian.Uint64(r.mem.Virt[0:]))
	assert.ErrorIs(t, r.Push(&d), ErrRingFull)
}

func TestRing_Pull(t *testing.T) {
	r, regs, _ := newTestRing(t, RingRx, 4)
	r.program()
	reg := RingRegBase(RingRx, 0)

	var d Descriptor
	assert.ErrorIs(t, r.Pull(&d), ErrRingEmpty)

	// Device produces two descriptors.
	for i := range 2 {
		rd := RxDesc{
			Header: Header{SOP: true, EOP: true, Type: DescTypePacket, Size: uint32(60 + i)},
			Addr:   uint64(i+1) << 12,
		}.Encode()
		binary.LittleEndian.PutUint64(r.mem.Virt[i*16:], rd[0])
		binary.LittleEndian.PutUint64(r.mem.Virt[i*16+8:], rd[1])
	}
	regs.WriteReg(reg+RegTail, EncodePtr(32, false))

	require.NoError(t, r.Pull(&d))
	rd := DecodeRx(d)
	assert.Equal(t, uint32(60), rd.Size)
	assert.Equal(t, uint64(1<<12), rd.Addr)
	assert.Equal(t, EncodePtr(16, false), regs.ReadReg(reg+RegHead))

	require.NoError(t, r.Pull(&d))
	assert.Equal(t, uint64(2<<12), DecodeRx(d).Addr)
	assert.ErrorIs(t, r.Pull(&d), ErrRingEmpty)

	// Fill the ring completely: tail wraps onto head.
	regs.WriteReg(reg+RegTail, EncodePtr(32, true))
	for range 4 {
		require.NoError(t, r.Pull(&d))
	}
	assert.ErrorIs(t, r.Pull(&d), ErrRingEmpty)
	assert.Equal(t, EncodePtr(32, true), regs.ReadReg(reg+RegHead))
}

func TestRing_WrongKind(t *testing.T) {
	var d Descriptor

	tx, _, _ := newTestRing(t, RingTx, 8)
	tx.program()
	assert.ErrorIs(t, tx.Pull(&d), ErrWrongRingKind)

	rx, _, _ := newTestRing(t, RingRx, 8)
	rx.program()
	assert.ErrorIs(t, rx.Push(&d), ErrWrongRingKind)
}

func TestRing_NotReady(t *testing.T) {
	var d Descriptor
	r, _, alloc := newTestRing(t, RingTx, 8)
	assert.ErrorIs(t, r.Push(&d), ErrRingNotReady)

	r.program()
	require.NoError(t, r.Push(&d))

	r.drain()
	assert.ErrorIs(t, r.Push(&d), ErrRingNotReady)
	require.NoError(t, r.free(alloc))
	assert.ErrorIs(t, r.Push(&d), ErrRingNotReady)
}

func TestRing_BadDevicePointer(t *testing.T) {
	r, regs, _ := newTestRing(t, RingTx, 8)
	r.program()
	reg := RingRegBase(RingTx, 0)
	var d Descriptor

	regs.WriteReg(reg+RegHead, EncodePtr(5, false))
	assert.ErrorIs(t, r.Push(&d), ErrRingPointer)

	regs.WriteReg(reg+RegHead, EncodePtr(256, false))
	assert.ErrorIs(t, r.Push(&d), ErrRingPointer)

	// Nothing was written.
	assert.Zero(t, regs.ReadReg(reg+RegTail))

	regs.WriteReg(reg+RegHead, 0)
	assert.NoError(t, r.Push(&d))
}
