//go:build linux

package chipset

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ptrAt(mem []byte, offset uint32) unsafe.Pointer {
	return unsafe.Pointer(&mem[offset])
}

func ptrAt64(mem []byte, offset uint32) unsafe.Pointer {
	return unsafe.Pointer(&mem[offset])
}

// MMIORegisterIO maps an NVMe controller's BAR0 window (the PCI sysfs
// "resource0" file) and performs register access directly against it,
// the real counterpart to MockRegisterIO, split the way a driver
// typically splits a real, build-tag-gated implementation from its stub.
type MMIORegisterIO struct {
	f    *os.File
	mem  []byte
	size int

	closed atomic.Bool
}

// OpenMMIO mmaps barPath (e.g. "/sys/bus/pci/devices/0000:01:00.0/resource0")
// read-write and returns a RegisterIO over it. size is the BAR length,
// normally read from the sysfs "resource" file's size field by the caller.
func OpenMMIO(barPath string, size int) (*MMIORegisterIO, error) {
	f, err := os.OpenFile(barPath, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("chipset: open %s: %w", barPath, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("chipset: mmap %s: %w", barPath, err)
	}

	return &MMIORegisterIO{f: f, mem: mem, size: size}, nil
}

func (m *MMIORegisterIO) ReadReg32(offset uint32) uint32 {
	return atomic.LoadUint32((*uint32)(ptrAt(m.mem, offset)))
}

func (m *MMIORegisterIO) WriteReg32(offset uint32, v uint32) {
	atomic.StoreUint32((*uint32)(ptrAt(m.mem, offset)), v)
}

func (m *MMIORegisterIO) ReadReg64(offset uint32) uint64 {
	return atomic.LoadUint64((*uint64)(ptrAt64(m.mem, offset)))
}

func (m *MMIORegisterIO) WriteReg64(offset uint32, v uint64) {
	atomic.StoreUint64((*uint64)(ptrAt64(m.mem, offset)), v)
}

func (m *MMIORegisterIO) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := unix.Munmap(m.mem); err != nil {
		m.f.Close()
		return err
	}
	return m.f.Close()
}
