package frame

import (
	"bytes"
	"testing"
)

var allTypes = []Type{
	TerminalData, TerminalInput, Metadata, Scrollback,
	ControlRequest, ControlGrant, ControlRevoke, ObserverAnnounce,
	ObserverList, ShareClose, Ping, Pong,
}

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{},
		[]byte("hello"),
		{0x00, 0x03, 0xFF, 0x10},
		bytes.Repeat([]byte{0xAB}, 64*1024),
	}
	for _, typ := range allTypes {
		for _, payload := range payloads {
			encoded := Encode(typ, payload)
			if got, want := len(encoded), HeaderSize+len(payload); got != want {
				t.Fatalf("Encode(%#x) length = %d, want %d", typ, got, want)
			}
			decoded, ok := Decode(encoded)
			if !ok {
				t.Fatalf("Decode failed for type %#x", typ)
			}
			if decoded.Type != typ {
				t.Errorf("type = %#x, want %#x", decoded.Type, typ)
			}
			if decoded.Flags != 0 {
				t.Errorf("flags = %d, want 0", decoded.Flags)
			}
			if decoded.StreamID != DefaultStreamID {
				t.Errorf("streamID = %d, want %d", decoded.StreamID, DefaultStreamID)
			}
			if !bytes.Equal(decoded.Payload, payload) && len(payload) > 0 {
				t.Errorf("payload mismatch for type %#x", typ)
			}
		}
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		if _, ok := Decode(make([]byte, n)); ok {
			t.Errorf("Decode accepted %d-byte buffer", n)
		}
	}
	if _, ok := Decode(nil); ok {
		t.Error("Decode accepted nil buffer")
	}
}

func TestDecodeHeaderOnly(t *testing.T) {
	f, ok := Decode(Encode(Ping, nil))
	if !ok {
		t.Fatal("Decode rejected header-only frame")
	}
	if f.Type != Ping || len(f.Payload) != 0 {
		t.Errorf("got type %#x payload %d bytes", f.Type, len(f.Payload))
	}
}
