package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormcore/stormio/internal/nvme/uapi"
)

func TestBuildPRPChain_SinglePage(t *testing.T) {
	alloc := NewMockDMAAllocator()
	region, err := alloc.Alloc(2048, uapi.PageSize, uapi.PageSize)
	require.NoError(t, err)

	chain, err := BuildPRPChain(region, alloc, uapi.PageSize)
	require.NoError(t, err)
	require.Equal(t, region.Phys, chain.PRP1)
	require.Zero(t, chain.PRP2)
}

func TestBuildPRPChain_TwoPages(t *testing.T) {
	alloc := NewMockDMAAllocator()
	region, err := alloc.Alloc(2*uapi.PageSize, uapi.PageSize, uapi.PageSize)
	require.NoError(t, err)

	chain, err := BuildPRPChain(region, alloc, uapi.PageSize)
	require.NoError(t, err)
	require.Equal(t, region.Phys, chain.PRP1)
	require.Equal(t, region.Phys+uint64(uapi.PageSize), chain.PRP2)
}

// TestBuildPRPChain_UnalignedStraddle exercises the worst case: a
// 128 KiB transfer starting at a sub-page offset, which must straddle 33
// pages and therefore allocate a PRP list.
func TestBuildPRPChain_UnalignedStraddle(t *testing.T) {
	alloc := NewMockDMAAllocator()
	const size = 128 * 1024
	const subOffset = 0x40
	region := alloc.AllocUnaligned(size, subOffset, uapi.PageSize)
	require.Equal(t, uint64(subOffset), region.Phys%uapi.PageSize)

	chain, err := BuildPRPChain(region, alloc, uapi.PageSize)
	require.NoError(t, err)
	require.Equal(t, region.Phys, chain.PRP1)
	require.NotZero(t, chain.PRP2)
	require.NotNil(t, chain.list)

	firstPageLen := uapi.PageSize - subOffset
	remaining := size - firstPageLen
	nPages := (remaining + uapi.PageSize - 1) / uapi.PageSize
	require.Len(t, chain.list.KVA, nPages*8)

	// Every PRP-list entry must be page-aligned.
	for i := 0; i < nPages; i++ {
		entry := le64(chain.list.KVA[i*8 : i*8+8])
		require.Zero(t, entry%uapi.PageSize, "entry %d not page-aligned: %#x", i, entry)
	}

	chain.Release(alloc)
}

// TestBuildPRPChain_DiscontiguousBacking feeds the builder a region
// whose page frames are deliberately scattered (PagePhys populated out
// of address order, the way an anonymous mmap's frames really land) and
// requires every PRP-list entry to match the region's actual per-page
// physical addresses rather than an extrapolation from Phys.
func TestBuildPRPChain_DiscontiguousBacking(t *testing.T) {
	alloc := NewMockDMAAllocator()
	const nPages = 5
	region := DMARegion{
		KVA:  make([]byte, nPages*uapi.PageSize),
		Phys: 0x40_0000,
		Size: nPages * uapi.PageSize,
		PagePhys: []uint64{
			0x9000_0000, // frames nowhere near Phys, in no order
			0x1234_5000,
			0x0008_2000,
			0x7777_7000,
		},
	}

	chain, err := BuildPRPChain(region, alloc, uapi.PageSize)
	require.NoError(t, err)
	require.Equal(t, region.Phys, chain.PRP1)
	require.NotNil(t, chain.list)

	for i, want := range region.PagePhys {
		entry := le64(chain.list.KVA[i*8 : i*8+8])
		require.Equal(t, want, entry, "entry %d must come from PagePhys", i)
	}
	chain.Release(alloc)
}

// TestBuildPRPChain_TwoPagesDiscontiguous covers the no-list fast path:
// PRP2 itself must come from the region's second-page frame, not
// Phys+pageSize.
func TestBuildPRPChain_TwoPagesDiscontiguous(t *testing.T) {
	alloc := NewMockDMAAllocator()
	region := DMARegion{
		KVA:      make([]byte, 2*uapi.PageSize),
		Phys:     0x40_0000,
		Size:     2 * uapi.PageSize,
		PagePhys: []uint64{0x9abc_d000},
	}

	chain, err := BuildPRPChain(region, alloc, uapi.PageSize)
	require.NoError(t, err)
	require.Equal(t, uint64(0x9abc_d000), chain.PRP2)
}

// TestBuildPRPChain_RejectsUnalignedFrame: a physical frame address that
// is not page-aligned can only be allocator corruption; the builder must
// refuse it rather than hand the device a bogus PRP entry.
func TestBuildPRPChain_RejectsUnalignedFrame(t *testing.T) {
	alloc := NewMockDMAAllocator()
	region := DMARegion{
		KVA:      make([]byte, 2*uapi.PageSize),
		Phys:     0x40_0000,
		Size:     2 * uapi.PageSize,
		PagePhys: []uint64{0x9abc_d040},
	}

	_, err := BuildPRPChain(region, alloc, uapi.PageSize)
	require.Error(t, err)
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
