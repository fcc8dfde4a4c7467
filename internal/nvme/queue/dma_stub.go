//go:build !linux

package queue

import "fmt"

// PinnedAllocator is unavailable outside linux, where /proc/self/pagemap
// doesn't exist.
type PinnedAllocator struct{}

func NewPinnedAllocator() (*PinnedAllocator, error) {
	return nil, fmt.Errorf("nvme: PinnedAllocator requires linux")
}

func (a *PinnedAllocator) Alloc(int, int, int) (DMARegion, error) {
	return DMARegion{}, fmt.Errorf("nvme: PinnedAllocator requires linux")
}
func (a *PinnedAllocator) Load([]byte) (DMARegion, error) {
	return DMARegion{}, fmt.Errorf("nvme: PinnedAllocator requires linux")
}
func (a *PinnedAllocator) Unload(DMARegion) {}
func (a *PinnedAllocator) Free(DMARegion)   {}
