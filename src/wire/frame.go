// Package wire implements the single-frame subset of the RFC 6455 wire
// format used by wirehub: text, binary, close, ping, and pong frames with
// 7/16/64-bit payload lengths and client-to-server masking. Continuation
// frames are rejected; every message fits in one frame.
package wire

import "errors"

// Opcode values defined in RFC 6455 Section 5.2.
const (
	OpText   byte = 0x1
	OpBinary byte = 0x2
	OpClose  byte = 0x8
	OpPing   byte = 0x9
	OpPong   byte = 0xA
)

// Close status codes used by the server.
const (
	CloseNormal          uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	ClosePolicyViolation uint16 = 1008
	CloseMessageTooBig   uint16 = 1009
)

// Decode failures. All of them are fatal to the connection; the caller is
// expected to send a close frame and tear the connection down.
var (
	ErrNonFinalFrame = errors.New("wire: non-final frame (fragmentation unsupported)")
	ErrReservedBits  = errors.New("wire: reserved bits set")
	ErrBadOpcode     = errors.New("wire: invalid opcode")
	ErrUnmasked      = errors.New("wire: client frame is not masked")
	ErrTooLarge      = errors.New("wire: payload exceeds maximum size")
)

// Frame is one decoded wire-protocol unit.
type Frame struct {
	Opcode  byte
	Payload []byte
}

// IsControl reports whether the frame carries a control opcode.
func (f Frame) IsControl() bool {
	return f.Opcode&0x08 != 0
}

func validOpcode(op byte) bool {
	switch op {
	case OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}
