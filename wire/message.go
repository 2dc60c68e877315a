package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/TorrentDamDev/bittorrent/errs"
)

// MessageID identifies the shape of a peer message's payload.
type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort
)

const maxMessageLength = 1 << 20 // generous upper bound, rejects garbage length prefixes

// Message is a decoded peer-wire message. A nil *Message denotes KeepAlive
// (the zero-length frame).
type Message struct {
	ID      MessageID
	Payload []byte
}

// Encode serializes m as length-prefixed bytes: u32 length, id byte, payload.
func (m Message) Encode() []byte {
	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// EncodeKeepAlive returns the zero-length keep-alive frame.
func EncodeKeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// ReadMessage reads one frame from r. It returns (nil, nil) for a keep-alive.
// A frame with no payload decodes to a nil Payload.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading message length: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxMessageLength {
		return nil, fmt.Errorf("%w: length %d exceeds max", errs.ErrMalformedMessage, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading message body: %w", err)
	}

	msg := &Message{ID: MessageID(body[0]), Payload: body[1:]}
	if len(msg.Payload) == 0 {
		msg.Payload = nil
	}
	if err := validatePayloadLength(msg.ID, len(msg.Payload)); err != nil {
		return nil, err
	}
	return msg, nil
}

func validatePayloadLength(id MessageID, n int) error {
	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if n != 0 {
			return fmt.Errorf("%w: id %d expects empty payload, got %d bytes", errs.ErrMalformedMessage, id, n)
		}
	case MsgHave:
		if n != 4 {
			return fmt.Errorf("%w: Have expects 4 byte payload, got %d", errs.ErrMalformedMessage, n)
		}
	case MsgRequest, MsgCancel:
		if n != 12 {
			return fmt.Errorf("%w: id %d expects 12 byte payload, got %d", errs.ErrMalformedMessage, id, n)
		}
	case MsgPiece:
		if n < 8 {
			return fmt.Errorf("%w: Piece expects at least 8 byte payload, got %d", errs.ErrMalformedMessage, n)
		}
	case MsgPort:
		if n != 2 {
			return fmt.Errorf("%w: Port expects 2 byte payload, got %d", errs.ErrMalformedMessage, n)
		}
	case MsgBitfield:
		// any length, including zero, is legal
	default:
		// unknown ids are forward-compatible and unvalidated
	}
	return nil
}

// NewHaveMessage builds a Have message for piece index.
func NewHaveMessage(index uint32) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return Message{ID: MsgHave, Payload: payload}
}

// ParseHave extracts the piece index from a Have message.
func ParseHave(m Message) (uint32, error) {
	if m.ID != MsgHave || len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: not a valid Have message", errs.ErrMalformedMessage)
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// NewBitfieldMessage builds a Bitfield message from raw MSB-first bytes.
func NewBitfieldMessage(bitfield []byte) Message {
	payload := make([]byte, len(bitfield))
	copy(payload, bitfield)
	return Message{ID: MsgBitfield, Payload: payload}
}

// NewRequestMessage builds a Request message.
func NewRequestMessage(index, begin, length uint32) Message {
	return Message{ID: MsgRequest, Payload: encodeRequestTriple(index, begin, length)}
}

// NewCancelMessage builds a Cancel message with the same shape as Request.
func NewCancelMessage(index, begin, length uint32) Message {
	return Message{ID: MsgCancel, Payload: encodeRequestTriple(index, begin, length)}
}

func encodeRequestTriple(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

// ParseRequestTriple extracts (index, begin, length) from a Request or
// Cancel message.
func ParseRequestTriple(m Message) (index, begin, length uint32, err error) {
	if (m.ID != MsgRequest && m.ID != MsgCancel) || len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: not a valid Request/Cancel message", errs.ErrMalformedMessage)
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	length = binary.BigEndian.Uint32(m.Payload[8:12])
	return index, begin, length, nil
}

// NewPieceMessage builds a Piece message carrying a downloaded block.
func NewPieceMessage(index, begin uint32, block []byte) Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return Message{ID: MsgPiece, Payload: payload}
}

// ParsePiece extracts (index, begin, block) from a Piece message.
func ParsePiece(m Message) (index, begin uint32, block []byte, err error) {
	if m.ID != MsgPiece || len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: not a valid Piece message", errs.ErrMalformedMessage)
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	return index, begin, m.Payload[8:], nil
}

// NewPortMessage builds a Port message (DHT listen port announcement).
func NewPortMessage(port uint16) Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)
	return Message{ID: MsgPort, Payload: payload}
}

// ParsePort extracts the port from a Port message.
func ParsePort(m Message) (uint16, error) {
	if m.ID != MsgPort || len(m.Payload) != 2 {
		return 0, fmt.Errorf("%w: not a valid Port message", errs.ErrMalformedMessage)
	}
	return binary.BigEndian.Uint16(m.Payload), nil
}

// HasPiece reports whether bitfield claims piece index, MSB-first.
func HasPiece(bitfield []byte, index int) bool {
	byteIndex := index / 8
	bitIndex := index % 8
	if byteIndex < 0 || byteIndex >= len(bitfield) {
		return false
	}
	return (bitfield[byteIndex]>>(7-bitIndex))&1 == 1
}

// SetPiece sets bit index in bitfield, MSB-first, growing the slice if
// needed, and returns the (possibly reallocated) bitfield.
func SetPiece(bitfield []byte, index int) []byte {
	byteIndex := index / 8
	bitIndex := index % 8
	if byteIndex >= len(bitfield) {
		grown := make([]byte, byteIndex+1)
		copy(grown, bitfield)
		bitfield = grown
	}
	bitfield[byteIndex] |= 1 << (7 - bitIndex)
	return bitfield
}
