//go:build linux

package tfpkt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/tfpkt-go/dma"
	"github.com/romshark/tfpkt-go/internal/test"
)

func TestAllocPool(t *testing.T) {
	alloc := newHeapAlloc()
	p, err := allocPool(test.NewLogger(), alloc, 10, 4, 2048)
	require.NoError(t, err)
	require.NoError(t, p.checkInvariants())

	assert.Equal(t, 4, p.count(listRxFree))
	assert.Equal(t, 6, p.count(listTxFree))
	for h, b := range p.bufs {
		wantDir, wantDMA := DirTx, dma.ToDevice
		if h < 4 {
			wantDir, wantDMA = DirRx, dma.FromDevice
		}
		assert.Equal(t, wantDir, b.dir, "buffer %d", h)
		assert.Equal(t, wantDMA, b.mem.Dir, "buffer %d", h)
		assert.Len(t, b.mem.Virt, 2048)
	}

	require.NoError(t, p.free(alloc))
	assert.Empty(t, alloc.live)
}

func TestAllocPool_Rollback(t *testing.T) {
	alloc := newHeapAlloc()
	alloc.failAt = 7
	_, err := allocPool(test.NewLogger(), alloc, 10, 4, 2048)
	assert.ErrorIs(t, err, errAllocFailed)
	assert.Empty(t, alloc.live, "everything allocated before the failure is released")

	alloc = newHeapAlloc()
	alloc.cookies = 3
	_, err = allocPool(test.NewLogger(), alloc, 10, 4, 2048)
	assert.ErrorIs(t, err, ErrMultiCookie)
	assert.Empty(t, alloc.live)
}

func TestPool_Lists(t *testing.T) {
	p, err := allocPool(test.NewLogger(), newHeapAlloc(), 6, 3, 512)
	require.NoError(t, err)

	// Move the middle buffer and check the links.
	p.move(1, listRxPushed)
	require.NoError(t, p.checkInvariants())
	assert.Equal(t, BufHandle(0), p.lists[listRxFree].head)
	assert.Equal(t, BufHandle(2), p.bufs[0].next)

	h, ok := p.popFront(listRxFree)
	require.True(t, ok)
	assert.Equal(t, BufHandle(0), h)
	p.pushBack(listRxPushed, h)
	require.NoError(t, p.checkInvariants())

	_, ok = p.popFront(listRxLoaned)
	assert.False(t, ok)

	assert.Panics(t, func() { p.pushBack(listRxFree, 2) }, "already on a list")
}

func TestPool_Find(t *testing.T) {
	p, err := allocPool(test.NewLogger(), newHeapAlloc(), 4, 2, 512)
	require.NoError(t, err)
	p.move(1, listRxPushed)

	h, ok := p.find(listRxPushed, p.bufs[1].mem.Phys)
	require.True(t, ok)
	assert.Equal(t, BufHandle(1), h)
	assert.Equal(t, listRxPushed, p.bufs[1].list, "find does not move the buffer")

	_, ok = p.find(listRxPushed, p.bufs[0].mem.Phys)
	assert.False(t, ok, "buffer is on another list")
	_, ok = p.find(listRxPushed, 0x1)
	assert.False(t, ok)
}

func TestPool_Loan(t *testing.T) {
	alloc := newHeapAlloc()
	p, err := allocPool(test.NewLogger(), alloc, 4, 2, 512)
	require.NoError(t, err)

	p.move(0, listRxPushed)
	p.loan(DirRx, 0)
	p.loan(DirTx, 2)
	assert.Equal(t, [2]int{1, 1}, p.loans)
	require.NoError(t, p.checkInvariants())

	assert.Panics(t, func() { p.loan(DirRx, 0) }, "already loaned")
	assert.Panics(t, func() { p.loan(DirRx, 3) }, "wrong direction")
	assert.Panics(t, func() { p.returnLoan(DirRx, 1, listRxFree) }, "not loaned")
	assert.Panics(t, func() { p.free(alloc) }, "loans outstanding")

	p.returnLoan(DirRx, 0, listRxFree)
	p.returnLoan(DirTx, 2, listTxPushed)
	assert.Equal(t, [2]int{0, 0}, p.loans)
	require.NoError(t, p.checkInvariants())

	require.NoError(t, p.free(alloc))
	assert.Empty(t, alloc.live)
}

func TestPool_FreeCountMismatch(t *testing.T) {
	alloc := newHeapAlloc()
	p, err := allocPool(test.NewLogger(), alloc, 4, 2, 512)
	require.NoError(t, err)

	// Simulate a buffer that fell off every list.
	p.remove(3)
	assert.Panics(t, func() { _ = p.free(alloc) })
}
