package wire

import (
	"bytes"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var h Handshake
	copy(h.InfoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(h.PeerID[:], bytes.Repeat([]byte{0xCD}, 20))

	encoded := h.Encode()
	if len(encoded) != HandshakeSize {
		t.Fatalf("encoded length = %d, want %d", len(encoded), HandshakeSize)
	}
	if encoded[0] != 19 {
		t.Fatalf("pstrlen = %d, want 19", encoded[0])
	}
	if string(encoded[1:20]) != protocolName {
		t.Fatalf("pstr = %q, want %q", encoded[1:20], protocolName)
	}
	for _, b := range encoded[20:28] {
		if b != 0 {
			t.Fatalf("reserved bytes must be zero, got %v", encoded[20:28])
		}
	}

	decoded, err := DecodeHandshake(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	if decoded != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, h)
	}
}

func TestDecodeHandshakeRejectsBadProtocol(t *testing.T) {
	buf := make([]byte, HandshakeSize)
	buf[0] = 19
	copy(buf[1:20], "Not BitTorrent proto")

	if _, err := DecodeHandshake(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error for mismatched protocol string")
	}
}

func TestDecodeHandshakeRejectsShortRead(t *testing.T) {
	if _, err := DecodeHandshake(bytes.NewReader(make([]byte, 10))); err == nil {
		t.Fatal("expected error for truncated handshake")
	}
}
