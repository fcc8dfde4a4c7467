// Package queue implements the NVMe queue-pair manager, request bank,
// and submission and completion logic: DMA-backed SQ/CQ rings, the
// lock-free request free list, PRP chain construction, and the CPU/verb
// queue-mapping plan.
package queue

import "sync"

// DMARegion is a kernel-virtual/bus-physical memory pair, the unit the
// DMAAllocator collaborator hands back. Phys is the physical address of
// KVA[0]. PagePhys, when non-nil, holds the physical address of each
// page boundary after the region's first fragment, in order — allocators
// whose backing memory is not physically contiguous (any anonymous
// mmap) must fill it so the PRP builder walks real frames instead of
// extrapolating from Phys. A nil PagePhys asserts the region is
// physically contiguous.
type DMARegion struct {
	KVA      []byte
	Phys     uint64
	Size     int
	PagePhys []uint64
}

// BoundaryPhys returns the physical address of the idx-th page boundary
// after the region's first fragment (idx 0 is the first page-aligned
// address past Phys). Consults PagePhys when present, else assumes
// physical contiguity.
func (r DMARegion) BoundaryPhys(idx, pageSize int) uint64 {
	if idx < len(r.PagePhys) {
		return r.PagePhys[idx]
	}
	firstPageLen := pageSize - int(r.Phys%uint64(pageSize))
	return r.Phys + uint64(firstPageLen+idx*pageSize)
}

// DMAAllocator is the host memory collaborator: it yields
// kernel-virtual + bus-physical pairs with size/alignment/boundary
// hints, and can load/unload an existing Go slice for DMA without a
// fresh allocation (used by the PRP builder against caller-owned I/O
// buffers).
type DMAAllocator interface {
	Alloc(size int, alignment int, boundaryHint int) (DMARegion, error)
	Load(buf []byte) (DMARegion, error)
	Unload(r DMARegion)
	Free(r DMARegion)
}

// MockDMAAllocator backs DMARegion with plain heap memory and fabricated
// page-aligned physical addresses, for tests and the demo CLI — there is
// no real IOMMU here, just enough bookkeeping to exercise PRP-chain math
// and round-trip it back to a byte sequence.
type MockDMAAllocator struct {
	mu       sync.Mutex
	nextPhys uint64
	regions  []DMARegion
}

// NewMockDMAAllocator starts physical addresses at a non-zero base so
// tests can distinguish "unset" (0) from a real mapping.
func NewMockDMAAllocator() *MockDMAAllocator {
	return &MockDMAAllocator{nextPhys: 0x1_0000_0000}
}

func (a *MockDMAAllocator) alloc(size, alignment int) DMARegion {
	a.mu.Lock()
	defer a.mu.Unlock()
	if alignment <= 0 {
		alignment = 1
	}
	base := a.nextPhys
	if rem := base % uint64(alignment); rem != 0 {
		base += uint64(alignment) - rem
	}
	a.nextPhys = base + uint64(size) + uint64(alignment)
	r := DMARegion{KVA: make([]byte, size), Phys: base, Size: size}
	a.regions = append(a.regions, r)
	return r
}

// Translate finds the region backing a physical address range and returns
// the corresponding KVA slice. Exists purely to let test fixtures and the
// demo CLI simulate a hardware controller DMA-writing a response into a
// PRP buffer by physical address; real hardware needs no such lookup.
func (a *MockDMAAllocator) Translate(phys uint64, size int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if phys >= r.Phys && phys+uint64(size) <= r.Phys+uint64(r.Size) {
			off := phys - r.Phys
			return r.KVA[off : off+uint64(size)], true
		}
	}
	return nil, false
}

func (a *MockDMAAllocator) Alloc(size, alignment, _ int) (DMARegion, error) {
	return a.alloc(size, alignment), nil
}

// Load fabricates a physical mapping for a caller-owned buffer, honoring
// the rule that only the first fragment may be unaligned, by only
// page-aligning from the second page onward.
func (a *MockDMAAllocator) Load(buf []byte) (DMARegion, error) {
	r := a.alloc(len(buf), 1)
	copy(r.KVA, buf)
	return r, nil
}

func (a *MockDMAAllocator) Unload(DMARegion) {}
func (a *MockDMAAllocator) Free(DMARegion)   {}

// AllocUnaligned allocates `size` bytes whose physical address sits
// `subPageOffset` bytes past a page boundary, the way a real kernel
// virtual buffer's backing pages usually do. Exercised by the PRP-build
// round-trip test (a 128 KiB transfer starting at kva offset 0x40,
// straddling 33 pages).
func (a *MockDMAAllocator) AllocUnaligned(size int, subPageOffset int, pageSize int) DMARegion {
	base := a.alloc(size+pageSize, pageSize)
	r := DMARegion{
		KVA:  make([]byte, size),
		Phys: base.Phys + uint64(subPageOffset),
		Size: size,
	}
	a.mu.Lock()
	a.regions = append(a.regions, r)
	a.mu.Unlock()
	return r
}
