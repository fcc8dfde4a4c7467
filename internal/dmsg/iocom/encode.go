package iocom

import (
	"fmt"

	"github.com/cloudwego/gopkg/bufiox"
	"golang.org/x/sys/unix"

	"github.com/stormcore/stormio/internal/dmsg/state"
	"github.com/stormcore/stormio/internal/dmsg/wire"
)

// Send encodes and queues msg for transmission against s (the root
// state if s is nil), stamping Magic/Salt/MsgID/Circuit/CRCs, and wakes
// the loop so flushEgress picks it up. extTail, if given,
// is the opcode-specific extended-header payload beyond the fixed
// 64-byte prefix; most callers omit it.
// Safe to call from any goroutine.
func (c *IOCom) Send(s *state.State, cmd uint32, aux []byte, extTail ...byte) error {
	if s == nil {
		s = c.states.Root()
	}

	// SIZE counts the whole header, fixed prefix included, in 64-byte
	// units; it stays 0 when there is no tail, which the decoder reads as
	// the bare HeaderSize prefix.
	extWords := (len(extTail) + 63) / 64
	hdrWords := 0
	if extWords > 0 {
		hdrWords = 1 + extWords
	}
	if hdrWords > 0xFF {
		return fmt.Errorf("dmsg[%s]: encode: ext header too large (%d bytes)", c.cfg.Label, len(extTail))
	}
	cmd = (cmd &^ wire.CmdSizeMask) | uint32(hdrWords)<<wire.CmdSizeShift

	// REVTRANS/REVCIRC tell the receiver that the msgid/circuit is one it
	// originated, so it looks them up in its writer tree.
	cmd &^= wire.CmdRevTrans | wire.CmdRevCirc
	if s.Flags&state.FlagOpposite != 0 {
		cmd |= wire.CmdRevTrans
	}
	if s.Parent != nil && s.Parent.Flags&state.FlagOpposite != 0 {
		cmd |= wire.CmdRevCirc
	}
	tailBuf := extTail
	if pad := extWords*64 - len(extTail); pad > 0 {
		tailBuf = append(append([]byte(nil), extTail...), make([]byte, pad)...)
	}

	h := wire.Header{
		Magic:    wire.Magic,
		Salt:     c.nextSalt(),
		MsgID:    s.MsgID,
		Circuit:  s.Circuit,
		Cmd:      cmd,
		AuxBytes: uint32(len(aux)),
		AuxCRC:   wire.ComputeAuxCRC(aux),
	}

	hdrBuf := make([]byte, wire.HeaderSize+len(tailBuf))
	if err := wire.EncodeHeader(&h, tailBuf, hdrBuf); err != nil {
		return fmt.Errorf("dmsg[%s]: encode: %w", c.cfg.Label, err)
	}

	// Assemble header+aligned-aux into one contiguous wire buffer with a
	// BytesWriter.
	var out []byte
	bw := bufiox.NewBytesWriter(&out)
	if _, err := bw.WriteBinary(hdrBuf); err != nil {
		return fmt.Errorf("dmsg[%s]: encode: %w", c.cfg.Label, err)
	}
	if alignedLen := int(wire.AlignAux(uint32(len(aux)))); alignedLen > 0 {
		padded, err := bw.Malloc(alignedLen)
		if err != nil {
			return fmt.Errorf("dmsg[%s]: encode: %w", c.cfg.Label, err)
		}
		copy(padded, aux)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("dmsg[%s]: encode: %w", c.cfg.Label, err)
	}

	m := &outMsg{state: s, cmd: cmd, wire: out}

	c.mu.Lock()
	c.txq = append(c.txq, m)
	c.mu.Unlock()
	c.Wake()
	return nil
}

// nextSalt draws the anti-replay salt from the per-connection PRNG,
// reseeding every reseedInterval messages. The salt's
// low byte is stamped directly from the per-direction sequence counter
// so the receiver's MSGSEQ check (checkMsgSeq) can detect gaps and
// replays.
func (c *IOCom) nextSalt() uint32 {
	c.rngSince++
	if c.rngSince >= reseedInterval {
		c.rng.Seed(c.rng.Int63())
		c.rngSince = 0
	}
	c.txSeq++
	return (c.rng.Uint32() &^ 0xFF) | (c.txSeq & 0xFF)
}

// flushEgress drains txq into localq (swapping under the mutex, exactly
// once per wake, so producers never block on I/O) and writes as many
// queued messages as the socket will currently accept, retrying
// partially-written messages from their saved cursor on the next call.
// Vectored-writev-with-partial-write semantics, simplified to one
// message per writev rather than a single batched writev across the
// whole queue.
func (c *IOCom) flushEgress() error {
	c.mu.Lock()
	if len(c.txq) > 0 {
		c.localq = append(c.localq, c.txq...)
		c.txq = c.txq[:0]
	}
	c.mu.Unlock()

	crypted := c.hasFlag(flagCrypted)
	for len(c.localq) > 0 {
		m := c.localq[0]
		if crypted && !m.encrypted {
			// The adapter consumes the plaintext iovecs and repoints the
			// message at its ciphertext staging output.
			var staged []byte
			consumed, err := c.cfg.Crypto.Encrypt([][]byte{m.wire}, &staged)
			if err != nil {
				return fmt.Errorf("dmsg[%s]: encrypt: %w", c.cfg.Label, wire.ErrSock)
			}
			if consumed != len(m.wire) {
				return fmt.Errorf("dmsg[%s]: encrypt consumed %d of %d plaintext bytes", c.cfg.Label, consumed, len(m.wire))
			}
			m.wire = staged
			m.encrypted = true
		}
		done, err := c.writeOne(m)
		if err != nil {
			return err
		}
		if !done {
			c.setFlags(flagWREQ)
			return nil
		}
		c.localq = c.localq[1:]
		c.states.CleanupTX(m.state, m.cmd)
	}
	return nil
}

// writeOne attempts to finish writing m's wire buffer via writev,
// honoring whatever progress a previous partial write already made.
// Always issued through Writev (a single iovec here) rather than Write,
// matching the vectored-I/O path used for the general
// multi-iovec case.
func (c *IOCom) writeOne(m *outMsg) (done bool, err error) {
	if m.done() {
		return true, nil
	}

	n, err := unix.Writev(c.cfg.Fd, [][]byte{m.wire[m.sent:]})
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("dmsg[%s]: writev: %w", c.cfg.Label, wire.ErrSock)
	}

	m.sent += n
	return m.done(), nil
}
