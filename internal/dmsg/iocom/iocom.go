// Package iocom implements the DMSG per-connection I/O context: the
// single-threaded event loop over a socket fd, an optional alternate fd,
// and a self-pipe used for cross-thread wakeups. The loop primes its
// work-flag bits, then dispatches on them, with golang.org/x/sys/unix
// supplying the raw Poll/Pipe2/Writev primitives both ends of the link
// need.
package iocom

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stormcore/stormio/internal/dmsg/crypto"
	"github.com/stormcore/stormio/internal/dmsg/state"
	"github.com/stormcore/stormio/internal/dmsg/wire"
)

// flag is the bit vector of pending-work and request flags an IOCom
// tracks: RREQ/WREQ/RWORK/WWORK/PWORK/SWORK/ARWORK/AWWORK/EOF/CRYPTED/
// CLOSEALT.
type flag uint32

const (
	flagRREQ flag = 1 << iota
	flagWREQ
	flagRWORK
	flagWWORK
	flagPWORK
	flagSWORK
	flagARWORK
	flagAWWORK
	flagEOF
	flagCrypted
	flagCloseAlt
)

// pollTimeout bounds the event loop's poll() call.
const pollTimeout = 5 * time.Second

// reseedInterval reseeds the salt PRNG every 32768 TX messages.
const reseedInterval = 32768

// Logger is the narrow logging collaborator this package needs.
type Logger interface {
	Debugf(format string, args ...any)
	Printf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Printf(string, ...any) {}

// Callbacks are the user hooks the core loop invokes.
type Callbacks struct {
	// OnMessage is called for every fully decoded, state-resolved
	// message (rcvmsg_callback).
	OnMessage func(c *IOCom, s *state.State, msg *wire.Message) error

	// OnAltMessage is called for data arriving on the alternate fd.
	OnAltMessage func(c *IOCom, data []byte) error

	// OnSignal is called when another thread kicks the self-pipe purely
	// to request callback invocation rather than to enqueue a message
	// (signal_callback).
	OnSignal func(c *IOCom) error

	// OnIdle is called whenever poll() times out with no work pending —
	// the keepalive/liveness hook the 5s poll timeout
	// implies but nothing else names explicitly.
	OnIdle func(c *IOCom)
}

// Config configures a new IOCom.
type Config struct {
	Label string

	// Fd is the connection's socket file descriptor. Required.
	Fd int
	// AltFd is an optional alternate fd (e.g. a control channel); -1 if
	// unused.
	AltFd int

	// Crypto is the optional link-encryption adapter. nil installs
	// crypto.NullAdapter{}, leaving CRYPTED unset.
	Crypto crypto.Adapter

	Logger    Logger
	Callbacks Callbacks
}

// outMsg is a queued egress message: its fully wire-encoded bytes
// (header followed by aligned aux, built with a bufiox.BytesWriter) and
// the send-side cursor tracking how much of it has been written, for
// partial-write retry.
type outMsg struct {
	state *state.State
	cmd   uint32
	wire  []byte
	sent  int

	// encrypted marks that wire already holds ciphertext; flushEgress
	// runs each message through the crypto adapter exactly once, before
	// its first write attempt.
	encrypted bool
}

func (m *outMsg) done() bool { return m.sent >= len(m.wire) }

// IOCom is one DMSG connection's I/O context.
type IOCom struct {
	cfg   Config
	log   Logger
	flags flag

	mu       sync.Mutex
	txq      []*outMsg // cross-thread enqueue point, guarded by mu
	localq   []*outMsg // loop-thread-only staging queue, post flush

	pipeR, pipeW int

	states *state.Table

	rng          *rand.Rand
	rngSince     int
	txSeq        uint32
	rxSeq        uint32

	rx decoderState

	err error
}

// New constructs an IOCom ready to Run. The caller owns cfg.Fd/cfg.AltFd
// and must not use them concurrently once Run is called.
func New(cfg Config) (*IOCom, error) {
	if cfg.Fd < 0 {
		return nil, fmt.Errorf("dmsg: iocom: Fd is required")
	}
	if cfg.AltFd == 0 {
		cfg.AltFd = -1
	}
	if cfg.Crypto == nil {
		cfg.Crypto = crypto.NullAdapter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	fds := [2]int{}
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("dmsg: iocom: self-pipe: %w", err)
	}

	c := &IOCom{
		cfg:    cfg,
		log:    cfg.Logger,
		flags:  flagRREQ,
		pipeR:  fds[0],
		pipeW:  fds[1],
		states: state.NewTable(),
		rng:    rand.New(rand.NewSource(int64(fds[1])<<32 | int64(fds[0]))),
	}
	if _, ok := cfg.Crypto.(crypto.NullAdapter); !ok {
		c.flags |= flagCrypted
	}
	return c, nil
}

// States returns the connection's transaction state table, for callers
// that need to create or inspect transactions directly (e.g. the relay
// package).
func (c *IOCom) States() *state.Table { return c.states }

// Label returns the connection's configured label.
func (c *IOCom) Label() string { return c.cfg.Label }

// Read satisfies crypto.Conn for a negotiating adapter.
func (c *IOCom) Read(p []byte) (int, error) { return unix.Read(c.cfg.Fd, p) }

// Write satisfies crypto.Conn for a negotiating adapter.
func (c *IOCom) Write(p []byte) (int, error) { return unix.Write(c.cfg.Fd, p) }

func (c *IOCom) setFlags(f flag) {
	c.flags |= f
}

func (c *IOCom) clearFlag(f flag) {
	c.flags &^= f
}

func (c *IOCom) hasFlag(f flag) bool {
	return c.flags&f != 0
}

func (c *IOCom) testAndClear(f flag) bool {
	if c.flags&f == 0 {
		return false
	}
	c.flags &^= f
	return true
}

// hasWork reports whether any *WORK bit is set, the "if
// no *WORK bits set: poll(...)" gate of the core loop.
func (c *IOCom) hasWork() bool {
	return c.flags&(flagRWORK|flagWWORK|flagPWORK|flagSWORK|flagARWORK|flagAWWORK) != 0
}

// Wake is the cross-thread entry point: external producers enqueue msg
// under the mutex, then write one byte to the self-pipe; they must
// hold the IOCom mutex for the enqueue.
func (c *IOCom) Wake() {
	var b [1]byte
	_, _ = unix.Write(c.pipeW, b[:])
}

// Close releases the self-pipe and, if CLOSEALT is set, the alt fd. The
// socket fd itself is the caller's to close (IOCom never assumes
// ownership of it, mirroring the protocol's "owns a socket fd" without
// specifying who opened it).
func (c *IOCom) Close() error {
	unix.Close(c.pipeR)
	unix.Close(c.pipeW)
	if c.hasFlag(flagCloseAlt) && c.cfg.AltFd >= 0 {
		unix.Close(c.cfg.AltFd)
	}
	return nil
}

// Err returns the error that drove the loop to EOF, if any.
func (c *IOCom) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// checkMsgSeq validates the just-decoded header's salt against the
// per-direction receive sequence counter: the salt's low byte must
// equal rxSeq's low byte, the anti-replay rule behind the MSGSEQ error
// and the sequence-gapping check. Called once per header from the single event-loop
// goroutine, so rxSeq needs no extra locking.
func (c *IOCom) checkMsgSeq(h wire.Header) error {
	c.rxSeq++
	if uint8(h.Salt) != uint8(c.rxSeq) {
		return wire.ErrMsgSeq
	}
	return nil
}

// fail records the connection's terminal error (first one wins), drains
// every transaction still open in the state table by synthesizing a
// remote DELETE+LNK_ERROR for each (reader tree first, then writer),
// delivers a final non-transactional LNK_ERROR, and then
// sets EOF. Every call site runs on the single event-loop goroutine, so
// no locking is needed around the drain itself.
func (c *IOCom) fail(err error) {
	c.mu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.mu.Unlock()

	if first {
		c.drainOnError(err)
	}
	c.setFlags(flagEOF)
}

// drainOnError is the terminal error-propagation drain:
// on any ingress/egress fault, every transaction still open in the
// state table is closed out from this side with a synthesized
// DELETE+LNK_ERROR, then one final non-transactional LNK_ERROR is
// delivered so a caller watching OnMessage learns the link is dead even
// if it had no transactions open.
func (c *IOCom) drainOnError(cause error) {
	code := wire.LNKErrorCode(cause)

	for _, s := range c.states.OpenStates() {
		cmd := wire.LNKErrorOp | wire.CmdDelete | wire.CmdAbort
		msg := &wire.Message{Header: wire.Header{
			MsgID:   s.MsgID,
			Circuit: s.Circuit,
			Cmd:     cmd,
			Error:   code,
		}}
		if c.cfg.Callbacks.OnMessage != nil {
			if err := c.cfg.Callbacks.OnMessage(c, s, msg); err != nil {
				c.log.Printf("dmsg[%s]: error-drain callback: %v", c.cfg.Label, err)
			}
		}
		c.states.CleanupTX(s, cmd)
		c.states.CleanupRX(s, cmd)
	}

	final := &wire.Message{Header: wire.Header{Cmd: wire.LNKErrorOp, Error: code}}
	if c.cfg.Callbacks.OnMessage != nil {
		if err := c.cfg.Callbacks.OnMessage(c, nil, final); err != nil {
			c.log.Printf("dmsg[%s]: final LNK_ERROR callback: %v", c.cfg.Label, err)
		}
	}
}

// Run drives the connection's core event loop until ctx is canceled or
// EOF is reached, returning the terminal error (nil on a clean
// cancellation).
func (c *IOCom) Run(ctx context.Context) error {
	defer c.Close()

	if c.hasFlag(flagCrypted) {
		if err := c.cfg.Crypto.Negotiate(c); err != nil {
			c.fail(fmt.Errorf("dmsg[%s]: crypto negotiate: %w", c.cfg.Label, err))
			return c.Err()
		}
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			c.Wake()
		case <-stopWatch:
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.hasFlag(flagEOF) {
			return c.Err()
		}

		if !c.hasWork() {
			if err := c.pollOnce(); err != nil {
				c.fail(err)
				continue
			}
		}

		if c.testAndClear(flagSWORK) {
			if c.cfg.Callbacks.OnSignal != nil {
				if err := c.cfg.Callbacks.OnSignal(c); err != nil {
					c.log.Printf("dmsg[%s]: signal callback: %v", c.cfg.Label, err)
				}
			}
		}

		if c.testAndClear(flagPWORK) {
			c.drainSelfPipe()
			c.setFlags(flagRWORK | flagWWORK)
		}

		if c.hasFlag(flagWWORK) {
			c.clearFlag(flagWWORK)
			if err := c.flushEgress(); err != nil {
				c.fail(err)
			}
		}

		if c.hasFlag(flagRWORK) {
			c.runIngress()
		}

		if c.testAndClear(flagARWORK) {
			c.runAltIngress()
		}
	}
}

// pollOnce blocks on the self-pipe, socket, and alt fd (if configured)
// for up to pollTimeout, setting the corresponding *WORK flags when an
// fd becomes ready.
func (c *IOCom) pollOnce() error {
	fds := []unix.PollFd{
		{Fd: int32(c.pipeR), Events: unix.POLLIN},
		{Fd: int32(c.cfg.Fd), Events: 0},
	}
	if c.hasFlag(flagRREQ) {
		fds[1].Events |= unix.POLLIN
	}
	if c.hasFlag(flagWREQ) {
		fds[1].Events |= unix.POLLOUT
	}
	altIdx := -1
	if c.cfg.AltFd >= 0 {
		altIdx = len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(c.cfg.AltFd), Events: unix.POLLIN})
	}

	n, err := unix.Poll(fds, int(pollTimeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("dmsg[%s]: poll: %w", c.cfg.Label, wire.ErrSock)
	}
	if n == 0 {
		if c.cfg.Callbacks.OnIdle != nil {
			c.cfg.Callbacks.OnIdle(c)
		}
		return nil
	}

	if fds[0].Revents&unix.POLLIN != 0 {
		c.setFlags(flagPWORK)
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		c.setFlags(flagRWORK)
	}
	if fds[1].Revents&unix.POLLOUT != 0 {
		c.clearFlag(flagWREQ)
		c.setFlags(flagWWORK)
	}
	if fds[1].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		c.fail(wire.ErrEOF)
	}
	if altIdx >= 0 && fds[altIdx].Revents&unix.POLLIN != 0 {
		c.setFlags(flagARWORK)
	}
	return nil
}

func (c *IOCom) drainSelfPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(c.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (c *IOCom) runAltIngress() {
	if c.cfg.Callbacks.OnAltMessage == nil {
		return
	}
	var buf [4096]byte
	n, err := unix.Read(c.cfg.AltFd, buf[:])
	if err != nil || n == 0 {
		return
	}
	if err := c.cfg.Callbacks.OnAltMessage(c, append([]byte(nil), buf[:n]...)); err != nil {
		c.log.Printf("dmsg[%s]: alt callback: %v", c.cfg.Label, err)
	}
}
