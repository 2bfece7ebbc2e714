package wire

import "encoding/binary"

const (
	finBit  = 0x80
	maskBit = 0x80
	rsvBits = 0x70
)

// Decode parses one client frame from the front of buf. It returns the frame
// and the number of bytes consumed. A zero consumed count with a nil error
// means buf does not yet hold a complete frame and more bytes are needed.
//
// Frames from clients must be final, carry a known opcode, and be masked;
// anything else is a protocol error. maxPayload caps the declared payload
// length when positive.
func Decode(buf []byte, maxPayload int64) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, nil
	}

	b0, b1 := buf[0], buf[1]
	if b0&finBit == 0 {
		return Frame{}, 0, ErrNonFinalFrame
	}
	if b0&rsvBits != 0 {
		return Frame{}, 0, ErrReservedBits
	}
	opcode := b0 & 0x0F
	if !validOpcode(opcode) {
		return Frame{}, 0, ErrBadOpcode
	}
	if b1&maskBit == 0 {
		return Frame{}, 0, ErrUnmasked
	}

	length := int64(b1 & 0x7F)
	offset := 2
	switch length {
	case 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return Frame{}, 0, nil
		}
		l := binary.BigEndian.Uint64(buf[offset:])
		if l > 1<<62 {
			return Frame{}, 0, ErrTooLarge
		}
		length = int64(l)
		offset += 8
	}
	if maxPayload > 0 && length > maxPayload {
		return Frame{}, 0, ErrTooLarge
	}

	if len(buf) < offset+4 {
		return Frame{}, 0, nil
	}
	var key [4]byte
	copy(key[:], buf[offset:offset+4])
	offset += 4

	total := offset + int(length)
	if len(buf) < total {
		return Frame{}, 0, nil
	}

	payload := make([]byte, length)
	for i, b := range buf[offset:total] {
		payload[i] = b ^ key[i%4]
	}
	return Frame{Opcode: opcode, Payload: payload}, total, nil
}

// Encode builds a server-to-client frame. Server frames are final and never
// masked.
func Encode(opcode byte, payload []byte) []byte {
	n := len(payload)

	var header []byte
	switch {
	case n < 126:
		header = []byte{finBit | opcode, byte(n)}
	case n <= 0xFFFF:
		header = []byte{finBit | opcode, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = finBit | opcode
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	out := make([]byte, 0, len(header)+n)
	out = append(out, header...)
	return append(out, payload...)
}

// EncodeClose builds a close frame carrying a status code and an optional
// UTF-8 reason.
func EncodeClose(code uint16, reason string) []byte {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], reason)
	return Encode(OpClose, payload)
}

// DecodeClose extracts the status code and reason from a close frame
// payload. An empty payload maps to a normal closure.
func DecodeClose(payload []byte) (uint16, string) {
	if len(payload) < 2 {
		return CloseNormal, ""
	}
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:])
}
