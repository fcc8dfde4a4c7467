package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/stormcore/stormio/internal/nvme/uapi"
)

// PRPChain holds the PRP1/PRP2 pair a command descriptor carries, plus the
// backing PRP-list scratch page when the transfer spans more than two
// pages.
type PRPChain struct {
	PRP1 uint64
	PRP2 uint64

	// list is the scratch DMARegion backing an N-page PRP list, kept
	// alive for the lifetime of the command. Nil for 1- and 2-page
	// transfers, which need no list.
	list *DMARegion
}

// BuildPRPChain builds the PRP1/PRP2 pair (and, for transfers spanning more
// than two pages, a PRP-list scratch buffer) for a DMA region. Only the
// first fragment may start at a sub-page offset; every PRP entry after the
// first must be page-aligned, which is true by construction for any
// region obtained by paging the transfer at pageSize boundaries starting
// from region.Phys.
func BuildPRPChain(region DMARegion, alloc DMAAllocator, pageSize int) (PRPChain, error) {
	if pageSize <= 0 {
		pageSize = uapi.PageSize
	}
	if region.Size <= 0 {
		return PRPChain{}, fmt.Errorf("nvme: cannot build PRP chain for empty region")
	}

	firstPageLen := pageSize - int(region.Phys%uint64(pageSize))
	if firstPageLen > region.Size {
		firstPageLen = region.Size
	}

	chain := PRPChain{PRP1: region.Phys}
	remaining := region.Size - firstPageLen
	if remaining <= 0 {
		// Single page: PRP2 unused.
		return chain, nil
	}

	if remaining <= pageSize {
		// Exactly two pages: PRP2 is the second page's physical address.
		pa := region.BoundaryPhys(0, pageSize)
		if pa%uint64(pageSize) != 0 {
			return PRPChain{}, fmt.Errorf("nvme: PRP entry %#x not page-aligned", pa)
		}
		chain.PRP2 = pa
		return chain, nil
	}

	// More than two pages: PRP2 points at a PRP list, one page-aligned
	// physical address per remaining page, each resolved through the
	// region rather than extrapolated from Phys — the backing frames
	// need not be contiguous.
	nPages := (remaining + pageSize - 1) / pageSize
	listRegion, err := alloc.Alloc(nPages*8, 8, pageSize)
	if err != nil {
		return PRPChain{}, fmt.Errorf("nvme: allocate PRP list (%d entries): %w", nPages, err)
	}
	for i := 0; i < nPages; i++ {
		pa := region.BoundaryPhys(i, pageSize)
		if pa%uint64(pageSize) != 0 {
			alloc.Free(listRegion)
			return PRPChain{}, fmt.Errorf("nvme: PRP entry %#x not page-aligned", pa)
		}
		binary.LittleEndian.PutUint64(listRegion.KVA[i*8:i*8+8], pa)
	}
	chain.PRP2 = listRegion.Phys
	chain.list = &listRegion
	return chain, nil
}

// Release frees the PRP-list scratch buffer, if one was allocated.
func (c PRPChain) Release(alloc DMAAllocator) {
	if c.list != nil {
		alloc.Free(*c.list)
	}
}
