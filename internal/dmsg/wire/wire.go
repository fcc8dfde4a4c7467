// Package wire implements the DMSG message format: the fixed 64-byte
// header, its CRC32C-protected extended tail, and aux-data framing.
// Headers decode into native structs; the wire buffer is never
// rewritten in place.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/bits"
)

// castagnoliTable computes CRC-32C (iSCSI CRC32C), the checksum every
// DMSG header and aux blob carries.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

const (
	// Magic identifies a little-endian-on-the-wire peer.
	Magic uint16 = 0x4832
	// MagicRev is Magic byte-swapped, signaling an opposite-endian peer.
	MagicRev uint16 = 0x3248

	// HeaderSize is the fixed DMSG header prefix length.
	HeaderSize = 64
	// MaxAuxBytes bounds an aux-data blob.
	MaxAuxBytes = 1 << 20
	// MaxExtHeaderSize bounds the extended header (SIZE field, 64-byte units).
	MaxExtHeaderSize = 0xFF * 64
)

// Command bit layout: low 16 bits carry the base opcode, the next byte
// carries flags, the top byte carries the extended-header SIZE field in
// 64-byte units.
const (
	CmdOpMask uint32 = 0x0000FFFF

	CmdCreate   uint32 = 1 << 16
	CmdDelete   uint32 = 1 << 17
	CmdReply    uint32 = 1 << 18
	CmdAbort    uint32 = 1 << 19
	CmdRevTrans uint32 = 1 << 20
	CmdRevCirc  uint32 = 1 << 21

	CmdSizeShift = 24
	CmdSizeMask  uint32 = 0xFF << CmdSizeShift
)

// LNKErrorOp is the base opcode synthesized for out-of-band error
// delivery.
const LNKErrorOp uint32 = 0xFFFF

// LNK_ERROR codes carried in Header.Error on a synthesized error
// message, the connection error taxonomy in numeric form.
const (
	LNKErrUnknown uint32 = iota
	LNKErrEOF
	LNKErrSock
	LNKErrSync
	LNKErrField
	LNKErrXCRC
	LNKErrACRC
	LNKErrMsgSeq
	LNKErrTrans
)

// LNKErrorCode maps an ingress/egress fault to the numeric code a
// synthesized LNK_ERROR message's Header.Error field carries.
func LNKErrorCode(err error) uint32 {
	switch {
	case errors.Is(err, ErrEOF):
		return LNKErrEOF
	case errors.Is(err, ErrSock):
		return LNKErrSock
	case errors.Is(err, ErrSync):
		return LNKErrSync
	case errors.Is(err, ErrField):
		return LNKErrField
	case errors.Is(err, ErrXCRC):
		return LNKErrXCRC
	case errors.Is(err, ErrACRC):
		return LNKErrACRC
	case errors.Is(err, ErrMsgSeq):
		return LNKErrMsgSeq
	case errors.Is(err, ErrTrans):
		return LNKErrTrans
	default:
		return LNKErrUnknown
	}
}

// Header is the 64-byte fixed DMSG message prefix.
type Header struct {
	Magic     uint16
	Reserved0 uint16
	Salt      uint32
	MsgID     uint64
	Circuit   uint64
	Reserved1 uint64
	Cmd       uint32
	AuxCRC    uint32
	AuxBytes  uint32
	Error     uint32
	AuxDescr  uint64
	Reserved2 uint32
	HdrCRC    uint32
}

// BaseCmd returns the opcode bits, independent of CREATE/DELETE/REPLY/
// ABORT/REVTRANS/REVCIRC flags.
func (h Header) BaseCmd() uint32 { return h.Cmd & CmdOpMask }

// HasFlag reports whether every bit in mask is set in Cmd.
func (h Header) HasFlag(mask uint32) bool { return h.Cmd&mask == mask }

// ExtHeaderBytes returns the total extended-header length the SIZE
// field names, always a multiple of 64 and at least HeaderSize.
func (h Header) ExtHeaderBytes() int {
	n := int((h.Cmd&CmdSizeMask)>>CmdSizeShift) * 64
	if n < HeaderSize {
		return HeaderSize
	}
	return n
}

// AlignAux rounds n up to the next 64-byte boundary.
func AlignAux(n uint32) uint32 { return (n + 63) &^ 63 }

// Message is a fully decoded DMSG message.
type Message struct {
	Header  Header
	ExtTail []byte // bytes beyond HeaderSize, length ExtHeaderBytes()-HeaderSize
	Aux     []byte // length Header.AuxBytes, unaligned
}

// PeekMagic inspects the first two bytes of buf and reports which
// endianness the sender used, per the MAGIC/MAGIC_REV scheme.
func PeekMagic(buf []byte) (swapEndian bool, ok bool) {
	if len(buf) < 2 {
		return false, false
	}
	m := binary.LittleEndian.Uint16(buf[0:2])
	switch m {
	case Magic:
		return false, true
	case MagicRev:
		return true, true
	default:
		return false, false
	}
}

// PeekCmd extracts the Cmd field from an as-yet-unvalidated HeaderSize
// prefix, honoring swapEndian, so the HEADER1 decode stage can compute
// ExtHeaderBytes before the full extended header (and its CRC) has
// arrived.
func PeekCmd(buf []byte, swapEndian bool) uint32 {
	return getU32(buf[32:36], swapEndian)
}

// PeekAuxBytes extracts the AuxBytes field the same way PeekCmd does,
// since aux_bytes lives inside the fixed 64-byte prefix and HEADER1
// bounds-checks it before the extended header is available.
func PeekAuxBytes(buf []byte, swapEndian bool) uint32 {
	return getU32(buf[40:44], swapEndian)
}

func getU16(b []byte, swap bool) uint16 {
	v := binary.LittleEndian.Uint16(b)
	if swap {
		return bits.ReverseBytes16(v)
	}
	return v
}

func getU32(b []byte, swap bool) uint32 {
	v := binary.LittleEndian.Uint32(b)
	if swap {
		return bits.ReverseBytes32(v)
	}
	return v
}

func getU64(b []byte, swap bool) uint64 {
	v := binary.LittleEndian.Uint64(b)
	if swap {
		return bits.ReverseBytes64(v)
	}
	return v
}

func putU16(b []byte, v uint16, swap bool) {
	if swap {
		v = bits.ReverseBytes16(v)
	}
	binary.LittleEndian.PutUint16(b, v)
}

func putU32(b []byte, v uint32, swap bool) {
	if swap {
		v = bits.ReverseBytes32(v)
	}
	binary.LittleEndian.PutUint32(b, v)
}

func putU64(b []byte, v uint64, swap bool) {
	if swap {
		v = bits.ReverseBytes64(v)
	}
	binary.LittleEndian.PutUint64(b, v)
}

// EncodeHeader marshals h plus extTail into buf (which must be exactly
// HeaderSize+len(extTail) bytes), stamping the header CRC last, with
// hdr_crc zeroed during the CRC pass.
func EncodeHeader(h *Header, extTail []byte, buf []byte) error {
	total := HeaderSize + len(extTail)
	if len(buf) != total {
		return fmt.Errorf("dmsg: encode header: buf len %d != %d", len(buf), total)
	}

	putU16(buf[0:2], h.Magic, false)
	putU16(buf[2:4], h.Reserved0, false)
	putU32(buf[4:8], h.Salt, false)
	putU64(buf[8:16], h.MsgID, false)
	putU64(buf[16:24], h.Circuit, false)
	putU64(buf[24:32], h.Reserved1, false)
	putU32(buf[32:36], h.Cmd, false)
	putU32(buf[36:40], h.AuxCRC, false)
	putU32(buf[40:44], h.AuxBytes, false)
	putU32(buf[44:48], h.Error, false)
	putU64(buf[48:56], h.AuxDescr, false)
	putU32(buf[56:60], h.Reserved2, false)
	binary.LittleEndian.PutUint32(buf[60:64], 0)
	copy(buf[64:], extTail)

	crc := crc32.Checksum(buf[:total], castagnoliTable)
	h.HdrCRC = crc
	binary.LittleEndian.PutUint32(buf[60:64], crc)
	return nil
}

// DecodeHeader parses the fixed prefix of buf (the whole extended header,
// at least HeaderSize bytes) into a Header, honoring swapEndian for
// every multi-byte field, and verifies the header CRC (computed over
// all of buf's raw wire bytes with hdr_crc zeroed, independent of field
// endianness) against the stored value.
func DecodeHeader(buf []byte, swapEndian bool) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("dmsg: decode header: short buffer")
	}

	storedCRC := binary.LittleEndian.Uint32(buf[60:64])

	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	binary.LittleEndian.PutUint32(scratch[60:64], 0)
	computed := crc32.Checksum(scratch, castagnoliTable)
	if swapEndian {
		storedCRC = bits.ReverseBytes32(storedCRC)
	}
	if computed != storedCRC {
		return Header{}, ErrXCRC
	}

	h := Header{
		Magic:     getU16(buf[0:2], swapEndian),
		Reserved0: getU16(buf[2:4], swapEndian),
		Salt:      getU32(buf[4:8], swapEndian),
		MsgID:     getU64(buf[8:16], swapEndian),
		Circuit:   getU64(buf[16:24], swapEndian),
		Reserved1: getU64(buf[24:32], swapEndian),
		Cmd:       getU32(buf[32:36], swapEndian),
		AuxCRC:    getU32(buf[36:40], swapEndian),
		AuxBytes:  getU32(buf[40:44], swapEndian),
		Error:     getU32(buf[44:48], swapEndian),
		AuxDescr:  getU64(buf[48:56], swapEndian),
		Reserved2: getU32(buf[56:60], swapEndian),
		HdrCRC:    getU32(buf[60:64], swapEndian),
	}
	return h, nil
}

// CheckAuxCRC verifies aux against h.AuxCRC, computed over the
// 64-byte-aligned aux length.
func CheckAuxCRC(h Header, aux []byte) error {
	aligned := int(AlignAux(h.AuxBytes))
	padded := aux
	if len(padded) < aligned {
		padded = make([]byte, aligned)
		copy(padded, aux)
	}
	if crc32.Checksum(padded[:aligned], castagnoliTable) != h.AuxCRC {
		return ErrACRC
	}
	return nil
}

// ComputeAuxCRC computes the CRC a sender should stamp into AuxCRC.
func ComputeAuxCRC(aux []byte) uint32 {
	aligned := int(AlignAux(uint32(len(aux))))
	padded := aux
	if len(padded) < aligned {
		padded = make([]byte, aligned)
		copy(padded, aux)
	}
	return crc32.Checksum(padded[:aligned], castagnoliTable)
}
