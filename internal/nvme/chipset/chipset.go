package chipset

import (
	"fmt"
	"time"
)

// Logger is the narrow logging collaborator chipset needs, matching the
// narrow Logger interface split (callers never import the
// concrete *logging.Logger type).
type Logger interface {
	Debugf(format string, args ...any)
	Printf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Printf(string, ...any) {}

// Chipset drives the enable/disable/shutdown sequence over a RegisterIO
// and exposes the doorbell-write primitive queues use.
type Chipset struct {
	regs   RegisterIO
	cap    Capabilities
	stride uint32
	logger Logger
}

// New wraps regs, reading and decoding CAP once up front.
func New(regs RegisterIO, logger Logger) *Chipset {
	if logger == nil {
		logger = noopLogger{}
	}
	cap := ParseCapabilities(regs.ReadReg64(0x00))
	return &Chipset{
		regs:   regs,
		cap:    cap,
		stride: cap.DoorbellStrideBytes(),
		logger: logger,
	}
}

// Capabilities returns the decoded CAP register.
func (c *Chipset) Capabilities() Capabilities { return c.cap }

// Enable toggles CONFIG.EN and polls STATUS.RDY until it matches `on`,
// bounded by the capability-provided timeout.
func (c *Chipset) Enable(on bool) error {
	config := c.regs.ReadReg32(0x14)
	if on {
		config |= 1 << 0
	} else {
		config &^= 1 << 0
	}
	c.regs.WriteReg32(0x14, config)

	deadline := time.Now().Add(c.cap.EnableTimeout())
	for time.Now().Before(deadline) {
		status := c.regs.ReadReg32(0x1C)
		ready := status&(1<<0) != 0
		if ready == on {
			c.logger.Debugf("chipset: enable(%v) converged", on)
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Errorf("chipset: enable(%v) timed out after %s (ENXIO)", on, c.cap.EnableTimeout())
}

// Shutdown writes CONFIG.SHUT_NORM (or SHUT_ABRT) and polls STATUS.SHUT
// for DONE up to 10s. A shutdown timeout is logged but does not fail
// the outer attach/detach flow.
func (c *Chipset) Shutdown(normal bool) {
	config := c.regs.ReadReg32(0x14)
	config &^= 0x3 << 14
	if normal {
		config |= 0x1 << 14
	} else {
		config |= 0x2 << 14
	}
	c.regs.WriteReg32(0x14, config)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status := c.regs.ReadReg32(0x1C)
		if (status>>2)&0x3 == 0x2 {
			c.logger.Debugf("chipset: shutdown complete")
			return
		}
		time.Sleep(time.Millisecond)
	}
	c.logger.Printf("chipset: shutdown timed out after 10s, proceeding anyway")
}

// InitAdmin programs the admin queue pair into the controller and brings
// it to RDY: disable, write ATTR (0-based CQ size << 16 | 0-based SQ
// size), the 4 KiB-aligned ASQ/ACQ base addresses, then CONFIG with
// IOSUB_ES=6, IOCOM_ES=4 and the MEMPG exponent before re-enabling.
// Must run before the first admin command is submitted.
func (c *Chipset) InitAdmin(asqPhys, acqPhys uint64, sqDepth, cqDepth uint16) error {
	if err := c.Enable(false); err != nil {
		return err
	}

	c.regs.WriteReg32(0x24, uint32(cqDepth-1)<<16|uint32(sqDepth-1))
	c.regs.WriteReg64(0x28, asqPhys)
	c.regs.WriteReg64(0x30, acqPhys)

	config := c.regs.ReadReg32(0x14)
	config &^= 0xF<<20 | 0xF<<16 | 0xF<<7
	config |= 6<<16 | 4<<20 // IOSUB_ES / IOCOM_ES entry-size exponents
	config |= uint32(c.cap.MempgMin) << 7
	c.regs.WriteReg32(0x14, config)

	return c.Enable(true)
}

// doorbellOffset computes the MMIO offset of a submission (tail) or
// completion (head) queue doorbell: 0x1000 + (2n+{0,1}) * (4 << DSTRD).
func (c *Chipset) doorbellOffset(qid uint16, isCompletion bool) uint32 {
	n := uint32(2 * qid)
	if isCompletion {
		n++
	}
	return 0x1000 + n*c.stride
}

// RingSQDoorbell writes the submission-queue tail doorbell. Doorbell
// writes must strictly follow all corresponding memory stores: the real
// MMIO backend's WriteReg32 is an atomic store-release, and callers ring
// only after the command has been copied into the ring.
func (c *Chipset) RingSQDoorbell(qid uint16, tail uint16) {
	c.regs.WriteReg32(c.doorbellOffset(qid, false), uint32(tail))
}

// RingCQDoorbell writes the completion-queue head doorbell. This must
// happen BEFORE the corresponding request is marked COMPLETED — an
// observed firmware hazard where a cid reused before the doorbell posts
// can corrupt the queue.
func (c *Chipset) RingCQDoorbell(qid uint16, head uint16) {
	c.regs.WriteReg32(c.doorbellOffset(qid, true), uint32(head))
}

// Close releases the underlying register window.
func (c *Chipset) Close() error { return c.regs.Close() }
