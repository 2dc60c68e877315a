package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestKeepAliveRoundTrip(t *testing.T) {
	msg, err := ReadMessage(bytes.NewReader(EncodeKeepAlive()))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil message for keep-alive, got %+v", msg)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		{ID: MsgChoke},
		{ID: MsgUnchoke},
		{ID: MsgInterested},
		{ID: MsgNotInterested},
		NewHaveMessage(42),
		NewBitfieldMessage([]byte{0xFF, 0x00, 0x80}),
		NewRequestMessage(1, 2, 3),
		NewCancelMessage(1, 2, 3),
		NewPieceMessage(1, 0, []byte("some block data")),
		NewPortMessage(6881),
	}

	for _, want := range cases {
		encoded := want.Encode()
		got, err := ReadMessage(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("ReadMessage(%v): %v", want, err)
		}
		if got == nil {
			t.Fatalf("ReadMessage(%v): got nil", want)
		}
		if got.ID != want.ID || !reflect.DeepEqual(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestReadMessageRejectsWrongPayloadLengths(t *testing.T) {
	bad := Message{ID: MsgHave, Payload: []byte{1, 2, 3}} // Have needs 4 bytes
	if _, err := ReadMessage(bytes.NewReader(bad.Encode())); err == nil {
		t.Fatal("expected malformed-message error for short Have payload")
	}

	bad = Message{ID: MsgChoke, Payload: []byte{1}} // Choke must be empty
	if _, err := ReadMessage(bytes.NewReader(bad.Encode())); err == nil {
		t.Fatal("expected malformed-message error for non-empty Choke payload")
	}

	bad = Message{ID: MsgPort, Payload: []byte{1, 2, 3}}
	if _, err := ReadMessage(bytes.NewReader(bad.Encode())); err == nil {
		t.Fatal("expected malformed-message error for bad Port payload")
	}
}

func TestParseHaveRequestPiece(t *testing.T) {
	h := NewHaveMessage(7)
	idx, err := ParseHave(h)
	if err != nil || idx != 7 {
		t.Fatalf("ParseHave = (%d, %v), want (7, nil)", idx, err)
	}

	r := NewRequestMessage(1, 16384, 16384)
	idx, begin, length, err := ParseRequestTriple(r)
	if err != nil || idx != 1 || begin != 16384 || length != 16384 {
		t.Fatalf("ParseRequestTriple = (%d, %d, %d, %v)", idx, begin, length, err)
	}

	p := NewPieceMessage(2, 0, []byte{1, 2, 3})
	idx, begin, block, err := ParsePiece(p)
	if err != nil || idx != 2 || begin != 0 || !bytes.Equal(block, []byte{1, 2, 3}) {
		t.Fatalf("ParsePiece = (%d, %d, %v, %v)", idx, begin, block, err)
	}
}

func TestHasPieceSetPieceMSBFirst(t *testing.T) {
	var bitfield []byte
	bitfield = SetPiece(bitfield, 0)
	bitfield = SetPiece(bitfield, 9)

	if !HasPiece(bitfield, 0) {
		t.Fatal("expected bit 0 set")
	}
	if !HasPiece(bitfield, 9) {
		t.Fatal("expected bit 9 set")
	}
	if HasPiece(bitfield, 1) || HasPiece(bitfield, 8) {
		t.Fatal("unexpected bit set")
	}
	// bit 0 is the MSB of byte 0
	if bitfield[0]&0x80 == 0 {
		t.Fatal("bit 0 should be the MSB of the first byte")
	}
}
