// Package uapi defines the NVMe wire-format structures: command and
// completion layouts, register offsets, and the identify payloads the
// admin thread consumes. Structs mirror the NVMe spec layout
// bit-for-bit.
package uapi

// Admin opcodes (NVMe Base Spec figure "Admin Command Set Opcodes").
const (
	AdminOpDeleteSQ     = 0x00
	AdminOpCreateSQ     = 0x01
	AdminOpGetLogPage   = 0x02
	AdminOpDeleteCQ     = 0x04
	AdminOpCreateCQ     = 0x05
	AdminOpIdentify     = 0x06
	AdminOpAbort        = 0x08
	AdminOpSetFeatures  = 0x09
	AdminOpGetFeatures  = 0x0A
	AdminOpAsyncEvent   = 0x0C
	AdminOpFirmwareDown = 0x11
)

// NVM command set I/O opcodes.
const (
	IOOpFlush    = 0x00
	IOOpWrite    = 0x01
	IOOpRead     = 0x02
	IOOpWriteZ   = 0x08 // WRITE ZEROES
)

// Identify CNS values used by the admin thread.
const (
	IdentifyCNSNamespace  = 0x00
	IdentifyCNSController = 0x01
	IdentifyCNSActiveNSList = 0x02
)

// Feature identifiers.
const (
	FeatureNumQueues = 0x07
)

// Command flags (byte 1 of the 64-byte command header).
const (
	FlagPRP  = 0x00 // PRP data transfer (bits 6:7 == 00)
	FlagNorm = 0x00 // normal fused-op state
)

// Completion status field helpers. Status word bit 0 is the phase tag;
// bits 1-15 are the status code (generic/command-specific/media/vendor
// grouped by the high bits).
const (
	StatusPhaseBit = 0x1
	StatusCodeMask = 0xFFFE
)

// Generic status codes (SCT = 0).
const (
	StatusSuccess        = 0x0000
	StatusInvalidOpcode  = 0x0002
	StatusInvalidField   = 0x0004
	StatusDataXferError  = 0x0008
	StatusInternal       = 0x0012
	StatusLBAOutOfRange  = 0x0080
	StatusCapExceeded    = 0x0082
	StatusNSNotReady     = 0x0084
)

// Register byte offsets within BAR0.
const (
	RegCAP    = 0x00
	RegVERS   = 0x08
	RegCONFIG = 0x14
	RegSTATUS = 0x1C
	RegATTR   = 0x24
	RegASQ    = 0x28
	RegACQ    = 0x30
	RegDoorbellBase = 0x1000
)

// CONFIG register bits.
const (
	ConfigEN       = 1 << 0
	ConfigShutNorm = 1 << 14
	ConfigShutAbrt = 1 << 15
)

// STATUS register bits.
const (
	StatusRDY     = 1 << 0
	StatusFatal   = 1 << 1
	StatusShutMask = 0x3 << 2
	StatusShutDone = 0x2 << 2
)

// MaxPhys is the largest single-request transfer size this driver will
// build a PRP chain for.
const MaxPhys = 128 * 1024

// PageSize is the PRP page granularity used for PRP chain math. The real
// value is derived from CAP.MEMPG_MIN (1 << (12 + mempg_min)); 4096 is
// the value used whenever mempg_min == 0, which is what every mocked
// and real controller in this module reports.
const PageSize = 4096
