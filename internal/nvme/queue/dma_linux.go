//go:build linux

package queue

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pagemapEntryBytes is the size of one /proc/self/pagemap entry.
const pagemapEntryBytes = 8

// presentBit marks a pagemap entry as backed by a physical frame.
const presentBit = uint64(1) << 63

// pfnMask extracts the page frame number from a pagemap entry.
const pfnMask = (uint64(1) << 55) - 1

// PinnedAllocator backs DMARegion with anonymous mmap'd memory, locked
// into RAM and resolved to physical addresses via /proc/self/pagemap —
// the standard userspace-NVMe-driver technique for giving a PRP builder
// real bus addresses without a kernel driver. Anonymous mappings are
// not physically contiguous, so every page of a region is resolved
// individually and recorded in DMARegion.PagePhys for the PRP builder
// to walk.
type PinnedAllocator struct {
	pageSize int

	mu      sync.Mutex
	regions []pinnedRegion
}

type pinnedRegion struct {
	mem []byte
}

// NewPinnedAllocator checks /proc/self/pagemap is readable and returns
// an allocator ready to serve Alloc/Load calls.
func NewPinnedAllocator() (*PinnedAllocator, error) {
	if _, err := os.Stat("/proc/self/pagemap"); err != nil {
		return nil, fmt.Errorf("nvme: pagemap unavailable: %w", err)
	}
	return &PinnedAllocator{pageSize: unix.Getpagesize()}, nil
}

func (a *PinnedAllocator) mapRegion(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("nvme: mmap DMA region: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("nvme: mlock DMA region: %w", err)
	}
	// Touch every page so the kernel backs it with a real frame before
	// we resolve physical addresses below.
	for i := 0; i < len(mem); i += a.pageSize {
		mem[i] = 0
	}
	return mem, nil
}

// physAddr resolves the physical address backing a virtual address by
// reading its page frame number out of /proc/self/pagemap.
func (a *PinnedAllocator) physAddr(f *os.File, vaddr uintptr) (uint64, error) {
	pageIdx := int64(vaddr) / int64(a.pageSize)
	buf := make([]byte, pagemapEntryBytes)
	if _, err := f.ReadAt(buf, pageIdx*pagemapEntryBytes); err != nil {
		return 0, fmt.Errorf("nvme: read pagemap: %w", err)
	}
	entry := binary.LittleEndian.Uint64(buf)
	if entry&presentBit == 0 {
		return 0, fmt.Errorf("nvme: page at %#x not present", vaddr)
	}
	pfn := entry & pfnMask
	pageOff := uint64(vaddr) % uint64(a.pageSize)
	return pfn*uint64(a.pageSize) + pageOff, nil
}

func (a *PinnedAllocator) Alloc(size, alignment, _ int) (DMARegion, error) {
	mem, err := a.mapRegion(size)
	if err != nil {
		return DMARegion{}, err
	}

	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		unix.Munmap(mem)
		return DMARegion{}, err
	}
	defer f.Close()

	// Mmap returns page-aligned memory, so the region's page boundaries
	// fall at pageSize multiples from its start. Resolve every page: the
	// frames behind an anonymous mapping are not contiguous, and a PRP
	// chain extrapolated from the first page's address would point the
	// device at someone else's memory.
	base := uintptr(unsafe.Pointer(&mem[0]))
	phys, err := a.physAddr(f, base)
	if err != nil {
		unix.Munmap(mem)
		return DMARegion{}, err
	}
	nPages := (size + a.pageSize - 1) / a.pageSize
	pagePhys := make([]uint64, 0, nPages-1)
	for i := 1; i < nPages; i++ {
		pa, err := a.physAddr(f, base+uintptr(i*a.pageSize))
		if err != nil {
			unix.Munmap(mem)
			return DMARegion{}, err
		}
		pagePhys = append(pagePhys, pa)
	}

	a.mu.Lock()
	a.regions = append(a.regions, pinnedRegion{mem: mem})
	a.mu.Unlock()

	return DMARegion{KVA: mem[:size], Phys: phys, Size: size, PagePhys: pagePhys}, nil
}

func (a *PinnedAllocator) Load(buf []byte) (DMARegion, error) {
	r, err := a.Alloc(len(buf), a.pageSize, a.pageSize)
	if err != nil {
		return DMARegion{}, err
	}
	copy(r.KVA, buf)
	return r, nil
}

func (a *PinnedAllocator) Unload(DMARegion) {}

func (a *PinnedAllocator) Free(r DMARegion) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, reg := range a.regions {
		if len(reg.mem) > 0 && &reg.mem[0] == &r.KVA[0] {
			unix.Munlock(reg.mem)
			unix.Munmap(reg.mem)
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return
		}
	}
}
