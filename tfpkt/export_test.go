//go:build linux

package tfpkt

import (
	"fmt"
)

func (e *Engine) PollReceive(i int) bool    { return e.pollReceive(i) }
func (e *Engine) PollCompletion(i int) bool { return e.pollCompletion(i) }
func (e *Engine) PushFreeBuffers(i int) int { return e.pushFreeBuffers(i) }

// BufPhys returns the device address of buffer h.
func (e *Engine) BufPhys(h BufHandle) uint64 {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()
	return e.pool.bufs[h].mem.Phys
}

// PushedHead returns the first buffer on the pushed list of direction d.
func (e *Engine) PushedHead(d Direction) BufHandle {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()
	return e.pool.lists[pushedList(d)].head
}

func (e *Engine) CheckInvariants() error {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()
	return e.pool.checkInvariants()
}

// checkInvariants verifies that every buffer is on exactly one list, that
// the list links and counts agree and that the loan counters match the
// loaned lists.
func (p *pool) checkInvariants() error {
	seen := make([]int, len(p.bufs))
	for id := listRxFree; id < numLists; id++ {
		lst := p.lists[id]
		var n int
		prev := NoBuf
		for h := lst.head; h != NoBuf; h = p.bufs[h].next {
			if !p.valid(h) {
				return fmt.Errorf("%s: invalid handle %d", id, h)
			}
			b := p.bufs[h]
			if b.list != id {
				return fmt.Errorf("%s: buffer %d claims to be on %s", id, h, b.list)
			}
			if b.prev != prev {
				return fmt.Errorf("%s: buffer %d has prev %d, want %d", id, h, b.prev, prev)
			}
			if (id <= listRxLoaned) != (b.dir == DirRx) {
				return fmt.Errorf("%s: buffer %d has direction %s", id, h, b.dir)
			}
			seen[h]++
			n++
			prev = h
			if n > len(p.bufs) {
				return fmt.Errorf("%s: cycle", id)
			}
		}
		if prev != lst.tail {
			return fmt.Errorf("%s: tail is %d, want %d", id, lst.tail, prev)
		}
		if n != lst.n {
			return fmt.Errorf("%s: count is %d, walked %d", id, lst.n, n)
		}
	}
	for h, n := range seen {
		if n != 1 {
			return fmt.Errorf("buffer %d is on %d lists", h, n)
		}
	}
	if p.lists[listRxLoaned].n != p.loans[DirRx] {
		return fmt.Errorf("rx loans %d, rx-loaned %d", p.loans[DirRx], p.lists[listRxLoaned].n)
	}
	if p.lists[listTxLoaned].n != p.loans[DirTx] {
		return fmt.Errorf("tx loans %d, tx-loaned %d", p.loans[DirTx], p.lists[listTxLoaned].n)
	}
	return nil
}
