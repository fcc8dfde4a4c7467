//go:build !linux

package chipset

import "fmt"

// OpenMMIO is unavailable outside linux, where NVMe's BAR0 sysfs resource
// file doesn't exist; mirrors an io_uring stub fallback.
func OpenMMIO(barPath string, size int) (*MMIORegisterIO, error) {
	return nil, fmt.Errorf("chipset: MMIO register access requires linux")
}

// MMIORegisterIO is declared here too so callers can reference the type
// on any GOOS even though OpenMMIO always fails off linux.
type MMIORegisterIO struct{}

func (m *MMIORegisterIO) ReadReg32(uint32) uint32   { return 0 }
func (m *MMIORegisterIO) WriteReg32(uint32, uint32) {}
func (m *MMIORegisterIO) ReadReg64(uint32) uint64   { return 0 }
func (m *MMIORegisterIO) WriteReg64(uint32, uint64) {}
func (m *MMIORegisterIO) Close() error              { return nil }
