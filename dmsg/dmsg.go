// Package dmsg is the public API for the DMSG transactional message
// engine: a framed, CRC-protected, optionally-encrypted bidirectional
// protocol over a socket fd, with transaction state, circuit nesting,
// and relay forwarding. It wraps internal/dmsg/{iocom,state,relay,crypto,
// errs} the same way the root nvme package wraps internal/nvme/*,
// keeping every internal collaborator (and its own package-local tests)
// reachable only through this narrow surface.
package dmsg

import (
	"context"

	"github.com/stormcore/stormio/internal/dmsg/crypto"
	"github.com/stormcore/stormio/internal/dmsg/errs"
	"github.com/stormcore/stormio/internal/dmsg/iocom"
	"github.com/stormcore/stormio/internal/dmsg/relay"
	"github.com/stormcore/stormio/internal/dmsg/state"
	"github.com/stormcore/stormio/internal/dmsg/wire"
)

// Error and ErrorCode are re-exported from the internal errs package so
// callers never need to import it directly.
type Error = errs.Error
type ErrorCode = errs.ErrorCode

const (
	ErrCodeEOF     = errs.ErrCodeEOF
	ErrCodeSock    = errs.ErrCodeSock
	ErrCodeSync    = errs.ErrCodeSync
	ErrCodeField   = errs.ErrCodeField
	ErrCodeXCRC    = errs.ErrCodeXCRC
	ErrCodeACRC    = errs.ErrCodeACRC
	ErrCodeMsgSeq  = errs.ErrCodeMsgSeq
	ErrCodeTrans   = errs.ErrCodeTrans
	ErrCodeAlready = errs.ErrCodeAlready
	ErrCodeInvalid = errs.ErrCodeInvalid
)

// NewError, NewLinkError, WrapError, WrapLinkError, and IsCode are
// re-exported constructors over the shared error type.
var (
	NewError      = errs.NewError
	NewLinkError  = errs.NewLinkError
	WrapError     = errs.WrapError
	WrapLinkError = errs.WrapLinkError
	IsCode        = errs.IsCode
)

// Command bit constants, re-exported from internal/dmsg/wire so callers
// building cmd values for Send/Open never import wire directly.
const (
	CmdOpMask   = wire.CmdOpMask
	CmdCreate   = wire.CmdCreate
	CmdDelete   = wire.CmdDelete
	CmdReply    = wire.CmdReply
	CmdAbort    = wire.CmdAbort
	CmdRevTrans = wire.CmdRevTrans
	CmdRevCirc  = wire.CmdRevCirc
	LNKErrorOp  = wire.LNKErrorOp
)

// Logger is the narrow logging collaborator a Link needs; *logging.Logger
// (and iocom's own Logger) satisfy it directly.
type Logger interface {
	Debugf(format string, args ...any)
	Printf(format string, args ...any)
}

type loggerAdapter struct{ l Logger }

func (a loggerAdapter) Debugf(format string, args ...any) {
	if a.l != nil {
		a.l.Debugf(format, args...)
	}
}
func (a loggerAdapter) Printf(format string, args ...any) {
	if a.l != nil {
		a.l.Printf(format, args...)
	}
}

// CryptoAdapter is re-exported from internal/dmsg/crypto for callers
// installing a non-default link-encryption adapter.
type CryptoAdapter = crypto.Adapter

// Message is a fully decoded DMSG message delivered to a Handler.
type Message struct {
	Cmd     uint32
	Aux     []byte
	ExtTail []byte // opcode-specific extended-header payload beyond the fixed 64-byte prefix
}

// Transaction is a live DMSG transaction (or circuit), the public
// wrapper around internal/dmsg/state.State.
type Transaction struct {
	s *state.State
}

// MsgID returns the transaction's wire msgid.
func (t *Transaction) MsgID() uint64 { return t.s.MsgID }

// Circuit returns the enclosing transaction's circuit id, zero for
// transactions opened directly under the root scope.
func (t *Transaction) Circuit() uint64 { return t.s.Circuit }

// Handler is the set of callbacks a Link invokes from its event loop
//. Any field left nil is simply skipped.
type Handler struct {
	// OnMessage is called for every fully decoded, state-resolved message.
	OnMessage func(l *Link, txn *Transaction, msg Message) error

	// OnAltMessage is called for data arriving on the Link's alternate fd.
	OnAltMessage func(l *Link, data []byte) error

	// OnSignal is called when another goroutine wakes the Link purely to
	// request callback invocation, not to deliver a message.
	OnSignal func(l *Link) error

	// OnIdle is called whenever the event loop's poll times out with no
	// work pending, the keepalive/liveness hook.
	OnIdle func(l *Link)
}

// Config configures a new Link.
type Config struct {
	// Label identifies this Link in logs and wrapped errors.
	Label string

	// Fd is the connection's socket file descriptor. Required.
	Fd int
	// AltFd is an optional alternate fd (e.g. a control channel); 0 or
	// negative leaves it unused.
	AltFd int

	// Crypto is the optional link-encryption adapter. nil means
	// plaintext.
	Crypto CryptoAdapter

	Logger  Logger
	Handler Handler

	// Router, if set, is consulted before Handler.OnMessage on every
	// received message, giving it first chance to mirror the message
	// onto a bound peer Link. Use NewRouter and
	// BindLinks to wire one up; most callers leave this nil.
	Router *Router
}

// Link is one DMSG connection: the public wrapper around
// internal/dmsg/iocom.IOCom.
type Link struct {
	label string
	c     *iocom.IOCom
}

// New constructs a Link ready for Run. The caller owns cfg.Fd/cfg.AltFd
// and must not use them concurrently once Run is called.
func New(cfg Config) (*Link, error) {
	l := &Link{label: cfg.Label}

	ic, err := iocom.New(iocom.Config{
		Label:  cfg.Label,
		Fd:     cfg.Fd,
		AltFd:  cfg.AltFd,
		Crypto: cfg.Crypto,
		Logger: loggerAdapter{cfg.Logger},
		Callbacks: iocom.Callbacks{
			OnMessage: func(ic *iocom.IOCom, s *state.State, msg *wire.Message) error {
				if cfg.Router != nil {
					if err := cfg.Router.OnMessage(ic, s, msg); err != nil {
						return err
					}
				}
				if cfg.Handler.OnMessage == nil {
					return nil
				}
				var txn *Transaction
				if s != nil {
					txn = &Transaction{s}
				}
				return cfg.Handler.OnMessage(l, txn, Message{Cmd: msg.Header.Cmd, Aux: msg.Aux, ExtTail: msg.ExtTail})
			},
			OnAltMessage: func(_ *iocom.IOCom, data []byte) error {
				if cfg.Handler.OnAltMessage == nil {
					return nil
				}
				return cfg.Handler.OnAltMessage(l, data)
			},
			OnSignal: func(*iocom.IOCom) error {
				if cfg.Handler.OnSignal == nil {
					return nil
				}
				return cfg.Handler.OnSignal(l)
			},
			OnIdle: func(*iocom.IOCom) {
				if cfg.Handler.OnIdle != nil {
					cfg.Handler.OnIdle(l)
				}
			},
		},
	})
	if err != nil {
		return nil, WrapLinkError("dmsg: new link", cfg.Label, err)
	}
	l.c = ic
	return l, nil
}

// Label returns the Link's configured label.
func (l *Link) Label() string { return l.label }

// Run drives the Link's event loop until ctx is canceled or the
// connection fails, returning the terminal error (nil on clean
// cancellation).
func (l *Link) Run(ctx context.Context) error {
	if err := l.c.Run(ctx); err != nil {
		return WrapLinkError("dmsg: run", l.label, err)
	}
	return nil
}

// Wake kicks the Link's event loop from another goroutine, e.g. after
// enqueuing work via Send or to deliver an OnSignal callback.
func (l *Link) Wake() { l.c.Wake() }

// Err returns the error that ended the Link's event loop, if any.
func (l *Link) Err() error {
	err := l.c.Err()
	if err == nil {
		return nil
	}
	return WrapLinkError("dmsg: link", l.label, err)
}

// Root returns the Link's root transaction (circuit 0).
func (l *Link) Root() *Transaction { return &Transaction{l.c.States().Root()} }

// Open allocates a new locally-initiated transaction under parent (the
// root, if parent is nil), ready to Send a CREATE on.
func (l *Link) Open(parent *Transaction, baseCmd uint32) *Transaction {
	var pstate *state.State
	if parent != nil {
		pstate = parent.s
	}
	return &Transaction{l.c.States().CreateLocal(pstate, baseCmd)}
}

// Send transmits aux under txn with cmd's flag bits, queuing it for the
// event loop's next egress pass. A nil txn sends against
// the Link's root transaction. extTail, if given, is the opcode-specific
// extended-header payload beyond the fixed 64-byte prefix.
func (l *Link) Send(txn *Transaction, cmd uint32, aux []byte, extTail ...byte) error {
	if txn == nil {
		txn = l.Root()
	}
	if err := l.c.Send(txn.s, cmd, aux, extTail...); err != nil {
		return WrapLinkError("dmsg: send", l.label, err)
	}
	return nil
}

// Close releases the Link's self-pipe and, if owned, its alt fd. The
// socket fd itself remains the caller's to close.
func (l *Link) Close() error { return l.c.Close() }

// Router cross-links pairs of Links so traffic entering a relay-bound
// subtree on one side is automatically mirrored onto the other
//, the public wrapper around internal/dmsg/relay.Router.
type Router = relay.Router

// NewRouter returns an empty Router.
func NewRouter() *Router { return relay.NewRouter() }

// BindLinks cross-links a's and b's root transactions as relay peers.
// Both a's and b's Config.Router must already be set to router (before
// New was called) for the binding to take effect at message-dispatch
// time — BindLinks only performs the state cross-link, not the
// per-message hook installation, which Config.Router handles.
func BindLinks(router *Router, a, b *Link) {
	router.BindRoot(a.c, b.c)
}

// BindTransactions cross-links two existing transactions as each
// other's relay peer, for establishing a relay anchor deeper than the
// root.
func BindTransactions(a, b *Transaction) {
	relay.BindStates(a.s, b.s)
}
