package chipset

import "time"

// Capabilities is the decoded CAP register.
type Capabilities struct {
	MQES     uint32 // max queue entries supported, as a count (CAP.MQES+1)
	CQR      bool   // contiguous queues required
	Timeout  uint8  // worst-case enable/disable timeout, 500ms units
	DSTRD    uint8  // doorbell stride, as a power of 4 bytes: 4 << DSTRD
	MempgMin uint8  // log2(pagesize) - 12
	MempgMax uint8
}

// ParseCapabilities decodes the 64-bit CAP register per the NVMe spec
// layout.
func ParseCapabilities(cap uint64) Capabilities {
	return Capabilities{
		MQES:     uint32(cap&0xFFFF) + 1,
		CQR:      cap&(1<<16) != 0,
		Timeout:  uint8((cap >> 24) & 0xFF),
		DSTRD:    uint8((cap >> 32) & 0xF),
		MempgMin: uint8((cap >> 48) & 0xF),
		MempgMax: uint8((cap >> 52) & 0xF),
	}
}

// EnableTimeout returns the bounded wait for CONFIG.EN/STATUS.RDY to
// converge: (TIMEOUT+1) * 500ms, the cap-provided bound plus the fudge
// unit.
func (c Capabilities) EnableTimeout() time.Duration {
	return time.Duration(c.Timeout+1) * 500 * time.Millisecond
}

// PageSize returns 1 << (12 + MempgMin), the smallest page size the
// controller supports.
func (c Capabilities) PageSize() uint32 {
	return 1 << (12 + c.MempgMin)
}

// DoorbellStrideBytes returns 4 << DSTRD.
func (c Capabilities) DoorbellStrideBytes() uint32 {
	return 4 << c.DSTRD
}
