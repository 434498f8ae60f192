package frame

import "encoding/binary"

// Type identifies a frame on the wire. Values are fixed so host and
// observer implementations interoperate; never renumber.
type Type byte

const (
	TerminalData     Type = 0x10 // host→observer: raw output bytes
	TerminalInput    Type = 0x11 // observer→host: raw input bytes
	Metadata         Type = 0x12 // host→observer: JSON session metadata snapshot
	Scrollback       Type = 0x13 // host→observer: compressed buffered output
	ControlRequest   Type = 0x14 // observer→host: JSON {observerId, displayName}
	ControlGrant     Type = 0x15 // host→observer: JSON {observerId}
	ControlRevoke    Type = 0x16 // host→observer: JSON {observerId, reason}
	ObserverAnnounce Type = 0x17 // observer→host: JSON {observerId, displayName}
	ObserverList     Type = 0x18 // host→observer: JSON {observers[]}
	ShareClose       Type = 0x19 // host→observer: JSON {reason, message?}
	Ping             Type = 0x1A // bidirectional, empty payload
	Pong             Type = 0x1B // bidirectional, empty payload
)

// HeaderSize is the fixed frame header length: type(1) + flags(1) + streamID(4).
const HeaderSize = 6

// DefaultStreamID is the only stream currently in use.
const DefaultStreamID uint32 = 1

// Frame is one decoded wire message.
type Frame struct {
	Type     Type
	Flags    byte // reserved, always 0
	StreamID uint32
	Payload  []byte
}

// Encode builds the wire form of a frame: 6-byte header followed by
// the payload. A nil payload encodes as a bare header.
func Encode(t Type, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	buf[1] = 0
	binary.BigEndian.PutUint32(buf[2:6], DefaultStreamID)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode parses a wire buffer. Buffers shorter than the header are not
// frames: callers drop them silently, so the second return is false
// rather than an error.
func Decode(buf []byte) (Frame, bool) {
	if len(buf) < HeaderSize {
		return Frame{}, false
	}
	return Frame{
		Type:     Type(buf[0]),
		Flags:    buf[1],
		StreamID: binary.BigEndian.Uint32(buf[2:6]),
		Payload:  buf[HeaderSize:],
	}, true
}
