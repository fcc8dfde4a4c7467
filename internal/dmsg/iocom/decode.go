package iocom

import (
	"errors"
	"fmt"

	"github.com/cloudwego/gopkg/bufiox"
	"golang.org/x/sys/unix"

	"github.com/stormcore/stormio/internal/dmsg/wire"
)

// ingressStage names a stage of the staged ingress decoder: HEADER1
// (enough of the fixed prefix to know how long the extended header and
// aux blob are), HEADER2 (the rest of the extended header,
// CRC-checked), AUXDATA (the aux blob, CRC-checked), and a sticky ERROR
// stage once framing is unrecoverable.
type ingressStage int

const (
	stageHeader1 ingressStage = iota
	stageHeader2
	stageAuxData
	stageError
)

// decoderState is the ingress FIFO. buf/off hold decrypted cleartext not
// yet consumed into a decoded Header/aux pair — the [beg, cdx) region of
// the three-cursor ingress split. raw holds bytes still pending
// decrypt, the [cdx, cdn) region; the crypto adapter moves block
// multiples from raw into buf. Plaintext mode (crypto.NullAdapter) never
// touches raw at all, collapsing the split to cdx = cdn = end as §4.8's
// plaintext note describes.
type decoderState struct {
	stage ingressStage

	buf []byte // decrypted cleartext not yet decoded
	off int    // consumed-through offset into buf
	raw []byte // ciphertext pending decrypt (encrypted links only)

	swapEndian bool
	magicKnown bool
	hdr        wire.Header
	extTail    []byte // bytes beyond HeaderSize, captured in stageHeader2
	needHdrLen int    // total extended-header length once known
	needAuxLen int    // aligned aux length once known
}

func (d *decoderState) compact() {
	if d.off == 0 {
		return
	}
	d.buf = append(d.buf[:0], d.buf[d.off:]...)
	d.off = 0
}

func (d *decoderState) pending() int { return len(d.buf) - d.off }

// runIngress drains the socket into the decoder's FIFO and decodes as
// many complete messages as are available, dispatching each through
// state resolution and the OnMessage callback.
func (c *IOCom) runIngress() {
	crypted := c.hasFlag(flagCrypted)
	var tmp [65536]byte
	for {
		n, err := unix.Read(c.cfg.Fd, tmp[:])
		if n > 0 {
			if crypted {
				c.rx.raw = append(c.rx.raw, tmp[:n]...)
			} else {
				c.rx.buf = append(c.rx.buf, tmp[:n]...)
			}
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			c.fail(fmt.Errorf("dmsg[%s]: read: %w", c.cfg.Label, wire.ErrSock))
			return
		}
		if n == 0 {
			c.fail(wire.ErrEOF)
			return
		}
		if n < len(tmp) {
			break
		}
	}
	c.clearFlag(flagRWORK)

	if crypted && len(c.rx.raw) > 0 {
		consumed, err := c.cfg.Crypto.Decrypt(c.rx.raw, &c.rx.buf)
		if err != nil {
			c.fail(fmt.Errorf("dmsg[%s]: decrypt: %w", c.cfg.Label, wire.ErrSock))
			return
		}
		c.rx.raw = c.rx.raw[:copy(c.rx.raw, c.rx.raw[consumed:])]
	}

	for {
		advanced, err := c.decodeOne()
		if err != nil {
			c.rx.stage = stageError
			c.fail(err)
			return
		}
		if !advanced {
			break
		}
	}
	c.rx.compact()
}

// decodeOne advances the staged decoder by at most one stage transition,
// returning (true, nil) if progress was made, (false, nil) if more
// bytes are needed, and a non-nil error on an unrecoverable framing
// fault.
func (c *IOCom) decodeOne() (bool, error) {
	switch c.rx.stage {
	case stageError:
		return false, nil

	case stageHeader1:
		if c.rx.pending() < wire.HeaderSize {
			return false, nil
		}
		// Peek leaves c.rx.off untouched — HEADER1 only needs to inspect
		// the fixed prefix to size the extended header, not consume it.
		prefix, err := bufiox.NewBytesReader(c.rx.buf[c.rx.off:]).Peek(wire.HeaderSize)
		if err != nil {
			return false, nil
		}
		if !c.rx.magicKnown {
			swap, ok := wire.PeekMagic(prefix)
			if !ok {
				return false, wire.ErrSync
			}
			c.rx.swapEndian = swap
			c.rx.magicKnown = true
		}

		cmd := wire.PeekCmd(prefix, c.rx.swapEndian)
		aux := wire.PeekAuxBytes(prefix, c.rx.swapEndian)
		if aux > wire.MaxAuxBytes {
			return false, wire.ErrField
		}

		hdrLen := int(((cmd & wire.CmdSizeMask) >> wire.CmdSizeShift) * 64)
		if hdrLen < wire.HeaderSize {
			hdrLen = wire.HeaderSize
		}
		if hdrLen > wire.MaxExtHeaderSize {
			return false, wire.ErrField
		}

		c.rx.needHdrLen = hdrLen
		c.rx.needAuxLen = int(wire.AlignAux(aux))
		c.rx.stage = stageHeader2
		return true, nil

	case stageHeader2:
		if c.rx.pending() < c.rx.needHdrLen {
			return false, nil
		}
		r := bufiox.NewBytesReader(c.rx.buf[c.rx.off:])
		full, err := r.Next(c.rx.needHdrLen)
		if err != nil {
			return false, nil
		}
		h, err := wire.DecodeHeader(full, c.rx.swapEndian)
		if err != nil {
			return false, err
		}
		if err := c.checkMsgSeq(h); err != nil {
			return false, err
		}
		c.rx.hdr = h
		if len(full) > wire.HeaderSize {
			c.rx.extTail = append([]byte(nil), full[wire.HeaderSize:]...)
		} else {
			c.rx.extTail = nil
		}
		c.rx.off += r.ReadLen()
		c.rx.stage = stageAuxData
		return true, nil

	case stageAuxData:
		if c.rx.pending() < c.rx.needAuxLen {
			return false, nil
		}
		r := bufiox.NewBytesReader(c.rx.buf[c.rx.off:])
		raw, err := r.Next(c.rx.needAuxLen)
		if err != nil {
			return false, nil
		}
		aux := append([]byte(nil), raw...)
		c.rx.off += r.ReadLen()
		if err := wire.CheckAuxCRC(c.rx.hdr, aux); err != nil {
			return false, err
		}
		msg := &wire.Message{Header: c.rx.hdr, ExtTail: c.rx.extTail, Aux: aux[:c.rx.hdr.AuxBytes]}

		c.rx.stage = stageHeader1
		c.rx.magicKnown = true // a connection's endianness never changes mid-stream
		c.dispatch(msg)
		return true, nil

	default:
		return false, nil
	}
}

// dispatch resolves msg against the transaction table and invokes
// OnMessage, then runs the RX-side transaction cleanup.
func (c *IOCom) dispatch(msg *wire.Message) {
	s, err := c.states.Receive(msg.Header)
	if err != nil {
		if errors.Is(err, wire.ErrEAlready) {
			c.log.Debugf("dmsg[%s]: benign duplicate close msgid=%d", c.cfg.Label, msg.Header.MsgID)
			return
		}
		c.log.Printf("dmsg[%s]: transaction error: %v", c.cfg.Label, err)
		c.fail(err)
		return
	}

	if c.cfg.Callbacks.OnMessage != nil {
		if err := c.cfg.Callbacks.OnMessage(c, s, msg); err != nil {
			c.log.Printf("dmsg[%s]: message callback: %v", c.cfg.Label, err)
		}
	}

	c.states.CleanupRX(s, msg.Header.Cmd)
}
