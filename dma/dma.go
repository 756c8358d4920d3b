//go:build linux

// Package dma provides DMA-capable memory for the packet engine.
//
// A Mem is one contiguous mapping with a virtual view (Virt) and the
// device-visible (IO virtual) address the hardware uses to reach it (Phys).
// MmapAllocator backs every mapping with anonymous, pre-faulted pages and
// hands out page-aligned addresses from a synthetic IOVA window, which is
// what a simulated device needs to resolve descriptor addresses back into
// host memory.
package dma

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
)

var (
	ErrInvalidSize    = errors.New("invalid allocation size")
	ErrUnknownMapping = errors.New("unknown mapping")
	ErrOutOfRange     = errors.New("address range is not mapped")
	ErrIOVAExhausted  = errors.New("iova space exhausted")
)

// Direction is a hint about which side writes the memory.
type Direction int

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Mem is a DMA mapping.
type Mem struct {
	// Virt is the host view of the mapping.
	Virt []byte
	// Phys is the address the device uses to access Virt[0].
	Phys uint64
	// Cookies is the number of physically contiguous segments backing the
	// mapping. The engine only accepts single-cookie mappings.
	Cookies int
	// Dir is the direction hint the mapping was allocated with.
	Dir Direction
}

// Len returns the mapping size in bytes.
func (m Mem) Len() int { return len(m.Virt) }

const (
	// DefaultIOVABase is where MmapAllocator starts handing out addresses.
	// Non-zero so a zeroed descriptor never aliases a live buffer.
	DefaultIOVABase uint64 = 0x1_0000_0000
	// DefaultIOVASize is the size of the IOVA window.
	DefaultIOVASize uint64 = 1 << 40
)

type mapping struct {
	phys uint64
	mem  []byte
	dir  Direction
}

func mappingLess(a, b mapping) bool { return a.phys < b.phys }

// MmapAllocator allocates DMA memory with mmap and keeps an IOVA index of
// all live mappings. It is safe for concurrent use.
type MmapAllocator struct {
	mu       sync.Mutex
	pageSize uint64
	next     uint64
	limit    uint64
	maps     *btree.BTreeG[mapping]
}

// NewMmapAllocator returns an allocator handing out addresses in
// [base, base+size). Zero values select the defaults.
func NewMmapAllocator(base, size uint64) *MmapAllocator {
	if base == 0 {
		base = DefaultIOVABase
	}
	if size == 0 {
		size = DefaultIOVASize
	}
	ps := uint64(os.Getpagesize())
	base = (base + ps - 1) &^ (ps - 1)
	return &MmapAllocator{
		pageSize: ps,
		next:     base,
		limit:    base + size,
		maps:     btree.NewG(16, mappingLess),
	}
}

// Alloc maps size bytes of zeroed memory. The returned Mem is always a
// single cookie and its Phys is page aligned.
func (a *MmapAllocator) Alloc(size int, dir Direction) (Mem, error) {
	if size <= 0 {
		return Mem{}, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	mapLen := (uint64(size) + a.pageSize - 1) &^ (a.pageSize - 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next+mapLen > a.limit {
		return Mem{}, fmt.Errorf("%w: need %d bytes", ErrIOVAExhausted, mapLen)
	}

	b, err := unix.Mmap(-1, 0, int(mapLen),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return Mem{}, fmt.Errorf("mmap %d bytes: %w", mapLen, err)
	}

	phys := a.next
	// Leave an unmapped guard page between mappings so a device overrun
	// fails translation instead of corrupting a neighbour.
	a.next += mapLen + a.pageSize

	a.maps.ReplaceOrInsert(mapping{phys: phys, mem: b, dir: dir})
	return Mem{Virt: b[:size:size], Phys: phys, Cookies: 1, Dir: dir}, nil
}

// Free unmaps m. Freeing an unknown or already freed mapping returns
// ErrUnknownMapping.
func (a *MmapAllocator) Free(m Mem) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	mp, ok := a.maps.Get(mapping{phys: m.Phys})
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownMapping, m.Phys)
	}
	a.maps.Delete(mp)
	if err := unix.Munmap(mp.mem); err != nil {
		return fmt.Errorf("munmap 0x%x: %w", m.Phys, err)
	}
	return nil
}

// Translate returns the host view of n bytes at device address phys.
// The range must lie entirely within one live mapping.
func (a *MmapAllocator) Translate(phys uint64, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		found mapping
		ok    bool
	)
	a.maps.DescendLessOrEqual(mapping{phys: phys}, func(mp mapping) bool {
		found, ok = mp, true
		return false
	})
	if !ok || n < 0 {
		return nil, fmt.Errorf("%w: 0x%x+%d", ErrOutOfRange, phys, n)
	}
	off := phys - found.phys
	if off+uint64(n) > uint64(len(found.mem)) {
		return nil, fmt.Errorf("%w: 0x%x+%d", ErrOutOfRange, phys, n)
	}
	return found.mem[off : off+uint64(n)], nil
}

// Outstanding returns the number of live mappings.
func (a *MmapAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maps.Len()
}

// Close unmaps everything that is still mapped.
func (a *MmapAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	a.maps.Ascend(func(mp mapping) bool {
		if err := unix.Munmap(mp.mem); err != nil {
			errs = append(errs, fmt.Errorf("munmap 0x%x: %w", mp.phys, err))
		}
		return true
	})
	a.maps.Clear(false)
	return errors.Join(errs...)
}
