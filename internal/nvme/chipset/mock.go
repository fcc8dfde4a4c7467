package chipset

import "sync/atomic"

// MockRegisterIO is an in-memory BAR0 stand-in for tests and the demo
// CLI: it tracks reads/writes and lets tests pre-program the CAP register and
// simulate enable/disable/shutdown latency without real hardware.
type MockRegisterIO struct {
	regs [0x2000]byte // enough for BAR0 header + a handful of doorbells

	// EnableDelay is how many STATUS reads after CONFIG.EN is set must pass
	// before STATUS.RDY flips on, simulating controller init latency.
	EnableDelay int32
	// ShutdownDelay is the analogous counter for STATUS.SHUT reaching DONE.
	ShutdownDelay int32

	enablePolls   atomic.Int32
	shutdownPolls atomic.Int32

	writes atomic.Uint64
	reads  atomic.Uint64
}

// NewMockRegisterIO returns a mock with the given capability register
// pre-programmed (MQES, DSTRD, TIMEOUT, etc. packed by the caller).
func NewMockRegisterIO(cap uint64) *MockRegisterIO {
	m := &MockRegisterIO{}
	m.WriteReg64(0x00, cap)
	return m
}

func (m *MockRegisterIO) ReadReg32(offset uint32) uint32 {
	m.reads.Add(1)
	m.maybeAdvance(offset)
	return uint32(m.regs[offset]) | uint32(m.regs[offset+1])<<8 |
		uint32(m.regs[offset+2])<<16 | uint32(m.regs[offset+3])<<24
}

func (m *MockRegisterIO) WriteReg32(offset uint32, v uint32) {
	m.writes.Add(1)
	m.regs[offset] = byte(v)
	m.regs[offset+1] = byte(v >> 8)
	m.regs[offset+2] = byte(v >> 16)
	m.regs[offset+3] = byte(v >> 24)
	m.onWrite(offset, uint64(v))
}

func (m *MockRegisterIO) ReadReg64(offset uint32) uint64 {
	lo := uint64(m.ReadReg32(offset))
	hi := uint64(m.ReadReg32(offset + 4))
	return lo | hi<<32
}

func (m *MockRegisterIO) WriteReg64(offset uint32, v uint64) {
	m.WriteReg32(offset, uint32(v))
	m.WriteReg32(offset+4, uint32(v>>32))
}

func (m *MockRegisterIO) Close() error { return nil }

// onWrite simulates side effects of writing CONFIG: toggling EN arms the
// RDY-after-N-polls countdown, writing a SHUT_NORM/SHUT_ABRT code arms
// the SHUT-DONE-after-N-polls countdown.
func (m *MockRegisterIO) onWrite(offset uint32, v uint64) {
	if offset != 0x14 {
		return
	}
	const enBit = 1 << 0
	const shutMask = 0x3 << 14
	if v&enBit != 0 {
		m.enablePolls.Store(0)
	} else {
		status := m.ReadReg32(0x1C) &^ 0x1 // clear RDY
		m.rawSetStatus(status)
	}
	if v&shutMask != 0 {
		m.shutdownPolls.Store(0)
	}
}

func (m *MockRegisterIO) maybeAdvance(offset uint32) {
	if offset != 0x1C {
		return
	}
	config := m.rawConfig()
	status := m.rawStatus()
	if config&(1<<0) != 0 && status&0x1 == 0 {
		if m.enablePolls.Add(1) > m.EnableDelay {
			m.rawSetStatus(status | 0x1)
		}
	}
	shutReq := config & (0x3 << 14)
	if shutReq != 0 && status&(0x3<<2) != (0x2<<2) {
		if m.shutdownPolls.Add(1) > m.ShutdownDelay {
			m.rawSetStatus((status &^ (0x3 << 2)) | (0x2 << 2))
		}
	}
}

func (m *MockRegisterIO) rawConfig() uint32 {
	o := uint32(0x14)
	return uint32(m.regs[o]) | uint32(m.regs[o+1])<<8 | uint32(m.regs[o+2])<<16 | uint32(m.regs[o+3])<<24
}

func (m *MockRegisterIO) rawStatus() uint32 {
	o := uint32(0x1C)
	return uint32(m.regs[o]) | uint32(m.regs[o+1])<<8 | uint32(m.regs[o+2])<<16 | uint32(m.regs[o+3])<<24
}

func (m *MockRegisterIO) rawSetStatus(v uint32) {
	o := uint32(0x1C)
	m.regs[o] = byte(v)
	m.regs[o+1] = byte(v >> 8)
	m.regs[o+2] = byte(v >> 16)
	m.regs[o+3] = byte(v >> 24)
}

// Writes returns the total number of register writes observed, for tests
// asserting doorbell-write counts.
func (m *MockRegisterIO) Writes() uint64 { return m.writes.Load() }

// Reads returns the total number of register reads observed.
func (m *MockRegisterIO) Reads() uint64 { return m.reads.Load() }
