//go:build linux

package tfpkt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/tfpkt-go/dma"
)

// Direction selects the receive or transmit half of the pool.
type Direction int

const (
	DirRx Direction = iota
	DirTx
)

func (d Direction) String() string {
	if d == DirRx {
		return "rx"
	}
	return "tx"
}

// BufHandle identifies a pool buffer. Handles are small indexes into the
// pool arena and stay valid for the lifetime of the Engine.
type BufHandle int32

// NoBuf is never a valid handle.
const NoBuf BufHandle = -1

type listID uint8

const (
	listNone listID = iota
	listRxFree
	listRxPushed
	listRxLoaned
	listTxFree
	listTxPushed
	listTxLoaned

	numLists
)

var listStrings = [...]string{
	listNone:     "none",
	listRxFree:   "rx-free",
	listRxPushed: "rx-pushed",
	listRxLoaned: "rx-loaned",
	listTxFree:   "tx-free",
	listTxPushed: "tx-pushed",
	listTxLoaned: "tx-loaned",
}

func (id listID) String() string { return listStrings[id] }

func freeList(d Direction) listID {
	if d == DirRx {
		return listRxFree
	}
	return listTxFree
}

func pushedList(d Direction) listID {
	if d == DirRx {
		return listRxPushed
	}
	return listTxPushed
}

func loanedList(d Direction) listID {
	if d == DirRx {
		return listRxLoaned
	}
	return listTxLoaned
}

type buffer struct {
	mem  dma.Mem
	dir  Direction
	list listID
	prev BufHandle
	next BufHandle

	// fmRejected is set once the buffer failed to form a free memory
	// descriptor. It stays on rx-free and is never offered again.
	fmRejected bool
}

type bufList struct {
	head BufHandle
	tail BufHandle
	n    int
}

// pool tracks ownership of a fixed set of DMA buffers. Every buffer is on
// exactly one list; the only exception is a buffer being moved inside a
// single method while mu is held.
type pool struct {
	mu sync.Mutex

	l      *logrus.Logger
	bufs   []buffer
	lists  [numLists]bufList
	byPhys map[uint64]BufHandle
	loans  [2]int
	size   int
}

// allocPool allocates total buffers of size bytes each. The first rxShare
// buffers go to rx-free and the rest to tx-free. If any allocation fails,
// everything allocated so far is released.
func allocPool(
	l *logrus.Logger, alloc DMAAllocator, total, rxShare, size int,
) (_ *pool, err error) {
	p := &pool{
		l:      l,
		bufs:   make([]buffer, 0, total),
		byPhys: make(map[uint64]BufHandle, total),
		size:   size,
	}
	for i := range p.lists {
		p.lists[i] = bufList{head: NoBuf, tail: NoBuf}
	}

	defer func() {
		if err == nil {
			return
		}
		for _, b := range p.bufs {
			if ferr := alloc.Free(b.mem); ferr != nil {
				l.WithError(ferr).WithField("addr", fmt.Sprintf("0x%x", b.mem.Phys)).
					Error("Failed to release buffer during pool rollback")
			}
		}
	}()

	for i := range total {
		dir, dmaDir := DirTx, dma.ToDevice
		if i < rxShare {
			dir, dmaDir = DirRx, dma.FromDevice
		}
		m, err := alloc.Alloc(size, dmaDir)
		if err != nil {
			return nil, fmt.Errorf("allocating buffer %d of %d: %w", i, total, err)
		}
		if m.Cookies != 1 {
			_ = alloc.Free(m)
			return nil, fmt.Errorf("buffer %d: %w (%d cookies)", i, ErrMultiCookie, m.Cookies)
		}
		if _, dup := p.byPhys[m.Phys]; dup {
			_ = alloc.Free(m)
			return nil, fmt.Errorf("buffer %d: duplicate address 0x%x", i, m.Phys)
		}

		h := BufHandle(len(p.bufs))
		p.bufs = append(p.bufs, buffer{mem: m, dir: dir, prev: NoBuf, next: NoBuf})
		p.byPhys[m.Phys] = h
		p.pushBack(freeList(dir), h)
	}
	return p, nil
}

func (p *pool) valid(h BufHandle) bool { return h >= 0 && int(h) < len(p.bufs) }

func (p *pool) count(id listID) int { return p.lists[id].n }

func (p *pool) pushBack(id listID, h BufHandle) {
	b := &p.bufs[h]
	if b.list != listNone {
		panic(fmt.Sprintf("buffer %d is already on %s", h, b.list))
	}
	lst := &p.lists[id]
	b.list, b.prev, b.next = id, lst.tail, NoBuf
	if lst.tail != NoBuf {
		p.bufs[lst.tail].next = h
	} else {
		lst.head = h
	}
	lst.tail = h
	lst.n++
}

func (p *pool) remove(h BufHandle) {
	b := &p.bufs[h]
	if b.list == listNone {
		panic(fmt.Sprintf("buffer %d is not on any list", h))
	}
	lst := &p.lists[b.list]
	if b.prev != NoBuf {
		p.bufs[b.prev].next = b.next
	} else {
		lst.head = b.next
	}
	if b.next != NoBuf {
		p.bufs[b.next].prev = b.prev
	} else {
		lst.tail = b.prev
	}
	lst.n--
	b.list, b.prev, b.next = listNone, NoBuf, NoBuf
}

func (p *pool) move(h BufHandle, to listID) {
	p.remove(h)
	p.pushBack(to, h)
}

func (p *pool) popFront(id listID) (BufHandle, bool) {
	h := p.lists[id].head
	if h == NoBuf {
		return NoBuf, false
	}
	p.remove(h)
	return h, true
}

// find returns the buffer at device address addr if it is on list id.
func (p *pool) find(id listID, addr uint64) (BufHandle, bool) {
	h, ok := p.byPhys[addr]
	if !ok || p.bufs[h].list != id {
		return NoBuf, false
	}
	return h, true
}

// loan moves h from its direction's pushed or free list to the loaned list.
// Any other source list is a contract violation.
func (p *pool) loan(d Direction, h BufHandle) {
	b := &p.bufs[h]
	if b.dir != d || (b.list != freeList(d) && b.list != pushedList(d)) {
		p.l.WithFields(logrus.Fields{
			"handle": h,
			"dir":    d,
			"list":   b.list,
		}).Panic("Loaning buffer from unexpected list")
	}
	p.move(h, loanedList(d))
	p.loans[d]++
}

// returnLoan moves a loaned buffer to list to.
func (p *pool) returnLoan(d Direction, h BufHandle, to listID) {
	b := &p.bufs[h]
	if b.dir != d || b.list != loanedList(d) {
		p.l.WithFields(logrus.Fields{
			"handle": h,
			"dir":    d,
			"list":   b.list,
		}).Panic("Returning buffer that is not loaned")
	}
	p.move(h, to)
	p.loans[d]--
}

// free releases every buffer. Outstanding loans or a mismatch between the
// number of recovered buffers and the pool capacity abort the process
// rather than risk the device writing into released memory.
func (p *pool) free(alloc DMAAllocator) error {
	if p.loans[DirRx] != 0 || p.loans[DirTx] != 0 {
		p.l.WithFields(logrus.Fields{
			"rxLoans": p.loans[DirRx],
			"txLoans": p.loans[DirTx],
		}).Panic("Freeing buffer pool with loans outstanding")
	}

	var recovered int
	for id := listRxFree; id < numLists; id++ {
		recovered += p.lists[id].n
	}
	if recovered != len(p.bufs) {
		p.l.WithFields(logrus.Fields{
			"recovered": recovered,
			"capacity":  len(p.bufs),
		}).Panic("Buffer pool count mismatch")
	}

	var errs []error
	for i := range p.bufs {
		if err := alloc.Free(p.bufs[i].mem); err != nil {
			errs = append(errs, fmt.Errorf("freeing buffer %d: %w", i, err))
		}
	}
	p.bufs = nil
	p.byPhys = nil
	for i := range p.lists {
		p.lists[i] = bufList{head: NoBuf, tail: NoBuf}
	}
	return errors.Join(errs...)
}
