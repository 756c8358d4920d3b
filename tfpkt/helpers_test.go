//go:build linux

package tfpkt

import (
	"errors"
	"sync"

	"github.com/romshark/tfpkt-go/dma"
)

type fakeRegs struct {
	mu sync.Mutex
	m  map[uint32]uint32
}

func newFakeRegs() *fakeRegs { return &fakeRegs{m: make(map[uint32]uint32)} }

func (r *fakeRegs) ReadReg(off uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[off]
}

func (r *fakeRegs) WriteReg(off uint32, v uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[off] = v
}

var errAllocFailed = errors.New("alloc failed")

// heapAlloc hands out Go heap memory with fake, aligned device addresses.
type heapAlloc struct {
	next    uint64
	align   uint64
	cookies int
	// failAt makes the n-th Alloc call fail. Zero disables.
	failAt int

	calls int
	live  map[uint64]int
}

func newHeapAlloc() *heapAlloc {
	return &heapAlloc{next: 0x10000, align: 4096, cookies: 1, live: make(map[uint64]int)}
}

func (a *heapAlloc) Alloc(size int, dir dma.Direction) (dma.Mem, error) {
	a.calls++
	if a.failAt != 0 && a.calls == a.failAt {
		return dma.Mem{}, errAllocFailed
	}
	phys := a.next
	a.next += (uint64(size) + a.align) &^ (a.align - 1)
	a.live[phys] = size
	return dma.Mem{Virt: make([]byte, size), Phys: phys, Cookies: a.cookies, Dir: dir}, nil
}

func (a *heapAlloc) Free(m dma.Mem) error {
	if _, ok := a.live[m.Phys]; !ok {
		return dma.ErrUnknownMapping
	}
	delete(a.live, m.Phys)
	return nil
}
