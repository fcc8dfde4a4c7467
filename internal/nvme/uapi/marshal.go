package uapi

import "encoding/binary"

// MarshalCommand writes a Command to its 64-byte wire form field by
// field rather than via a raw unsafe cast, so the layout stays correct
// regardless of host struct padding.
func MarshalCommand(c *Command, buf []byte) {
	_ = buf[63]
	buf[0] = c.Opcode
	buf[1] = c.Flags
	binary.LittleEndian.PutUint16(buf[2:4], c.CID)
	binary.LittleEndian.PutUint32(buf[4:8], c.NSID)
	binary.LittleEndian.PutUint64(buf[8:16], c.Reserved)
	binary.LittleEndian.PutUint64(buf[16:24], c.MPTR)
	binary.LittleEndian.PutUint64(buf[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], c.PRP2)
	binary.LittleEndian.PutUint32(buf[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], c.CDW15)
}

// MarshalCompletion writes a Completion to its 16-byte wire form. Used by
// mock hardware backends that post completions directly into a
// CompletionQueue's ring for testing.
func MarshalCompletion(c *Completion, buf []byte) {
	_ = buf[15]
	binary.LittleEndian.PutUint32(buf[0:4], c.DW0)
	binary.LittleEndian.PutUint32(buf[4:8], c.DW1)
	binary.LittleEndian.PutUint16(buf[8:10], c.SubqHead)
	binary.LittleEndian.PutUint16(buf[10:12], c.SubqID)
	binary.LittleEndian.PutUint16(buf[12:14], c.CmdID)
	binary.LittleEndian.PutUint16(buf[14:16], c.Status)
}

// UnmarshalCompletion reads a Completion from its 16-byte wire form.
func UnmarshalCompletion(buf []byte) Completion {
	_ = buf[15]
	return Completion{
		DW0:      binary.LittleEndian.Uint32(buf[0:4]),
		DW1:      binary.LittleEndian.Uint32(buf[4:8]),
		SubqHead: binary.LittleEndian.Uint16(buf[8:10]),
		SubqID:   binary.LittleEndian.Uint16(buf[10:12]),
		CmdID:    binary.LittleEndian.Uint16(buf[12:14]),
		Status:   binary.LittleEndian.Uint16(buf[14:16]),
	}
}

// UnmarshalIdentifyController decodes the fields this driver reads out of
// a 4096-byte identify-controller payload.
func UnmarshalIdentifyController(buf []byte) IdentifyController {
	var id IdentifyController
	id.VendorID = binary.LittleEndian.Uint16(buf[0:2])
	id.SSVID = binary.LittleEndian.Uint16(buf[2:4])
	copy(id.SerialNumber[:], buf[4:24])
	copy(id.ModelNumber[:], buf[24:64])
	copy(id.Firmware[:], buf[64:72])
	id.SQES = buf[512]
	id.CQES = buf[513]
	id.NN = binary.LittleEndian.Uint32(buf[516:520])
	return id
}

// UnmarshalIdentifyNamespace decodes the fields this driver reads out of
// a 4096-byte identify-namespace payload.
func UnmarshalIdentifyNamespace(buf []byte) IdentifyNamespace {
	var ns IdentifyNamespace
	ns.NSZE = binary.LittleEndian.Uint64(buf[0:8])
	ns.NCAP = binary.LittleEndian.Uint64(buf[8:16])
	ns.NUSE = binary.LittleEndian.Uint64(buf[16:24])
	ns.NSFEAT = buf[24]
	ns.NLBAF = buf[25]
	ns.FLBAS = buf[26]
	for i := 0; i < len(ns.LBAF); i++ {
		off := 128 + i*4
		ns.LBAF[i] = LBAFormat{
			MS:    binary.LittleEndian.Uint16(buf[off : off+2]),
			LBADS: buf[off+2],
			RP:    buf[off+3],
		}
	}
	return ns
}
