// Package errs is the structured DMSG error type shared by every
// internal/dmsg/* package and re-exported by the public dmsg package.
// It lives below the public package so iocom/relay/state can depend on
// it without the public package depending back on them.
package errs

import (
	"errors"
	"fmt"

	"github.com/stormcore/stormio/internal/dmsg/wire"
)

// Error is a structured DMSG error carrying enough context to log or
// compare against.
type Error struct {
	Op    string
	Label string // the IOCom's configured label, "" if not applicable
	Code  ErrorCode
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Label != "" {
		parts = append(parts, fmt.Sprintf("link=%s", e.Label))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("dmsg: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("dmsg: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode is a high-level DMSG error category, the taxonomy an IOCom
// carries in its error field and surfaces via synthetic LNK_ERROR messages.
type ErrorCode string

const (
	ErrCodeEOF     ErrorCode = "peer closed"
	ErrCodeSock    ErrorCode = "socket I/O error"
	ErrCodeSync    ErrorCode = "bad magic"
	ErrCodeField   ErrorCode = "field out of range"
	ErrCodeXCRC    ErrorCode = "header CRC mismatch"
	ErrCodeACRC    ErrorCode = "aux CRC mismatch"
	ErrCodeMsgSeq  ErrorCode = "salt sequence mismatch"
	ErrCodeTrans   ErrorCode = "transaction protocol error"
	ErrCodeAlready ErrorCode = "benign duplicate close"
	ErrCodeInvalid ErrorCode = "invalid argument"
)

// wireToCode maps internal/dmsg/wire's sentinel errors onto the public
// taxonomy.
var wireToCode = map[error]ErrorCode{
	wire.ErrEOF:      ErrCodeEOF,
	wire.ErrSock:     ErrCodeSock,
	wire.ErrSync:     ErrCodeSync,
	wire.ErrField:    ErrCodeField,
	wire.ErrXCRC:     ErrCodeXCRC,
	wire.ErrACRC:     ErrCodeACRC,
	wire.ErrMsgSeq:   ErrCodeMsgSeq,
	wire.ErrTrans:    ErrCodeTrans,
	wire.ErrEAlready: ErrCodeAlready,
}

func codeFor(err error) ErrorCode {
	for sentinel, code := range wireToCode {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ErrCodeSock
}

// NewError creates a structured error with no link context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewLinkError creates a link-scoped structured error.
func NewLinkError(op, label string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Label: label, Code: code, Msg: msg}
}

// WrapError wraps inner with op context, mapping a bare wire sentinel
// error to the matching ErrorCode and preserving an already-structured
// *Error's fields.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, Label: e.Label, Code: e.Code, Msg: e.Msg, Inner: e.Inner}
	}
	return &Error{Op: op, Code: codeFor(inner), Msg: inner.Error(), Inner: inner}
}

// WrapLinkError is WrapError with a link label attached.
func WrapLinkError(op, label string, inner error) *Error {
	e := WrapError(op, inner)
	if e != nil {
		e.Label = label
	}
	return e
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
