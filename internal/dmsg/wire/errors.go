package wire

import "errors"

// Error taxonomy carried in an IOCom's error field and surfaced via a
// synthetic LNK_ERROR message.
var (
	ErrEOF      = errors.New("dmsg: EOF")
	ErrSock     = errors.New("dmsg: socket I/O error")
	ErrSync     = errors.New("dmsg: bad magic")
	ErrField    = errors.New("dmsg: header/aux length out of range")
	ErrXCRC     = errors.New("dmsg: header CRC mismatch")
	ErrACRC     = errors.New("dmsg: aux CRC mismatch")
	ErrMsgSeq   = errors.New("dmsg: sequence byte mismatch")
	ErrTrans    = errors.New("dmsg: transaction state error")
	ErrEAlready = errors.New("dmsg: benign abort/delete race")
)
