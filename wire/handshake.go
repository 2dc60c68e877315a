// Package wire implements the bit-exact peer handshake and message codecs,
// plus the DHT compact node/peer blob formats. Every encoder here produces
// exactly the bytes a strict decoder accepts. Decoders reject anything else:
// peer messages with errs.ErrMalformedMessage, the handshake with
// errs.ErrHandshakeFailed, and compact blobs with errs.ErrDhtMalformed.
package wire

import (
	"fmt"
	"io"

	"github.com/TorrentDamDev/bittorrent/errs"
)

const (
	protocolName  = "BitTorrent protocol"
	HandshakeSize = 1 + 19 + 8 + 20 + 20
)

// Handshake is the fixed 68-byte message that opens a peer connection.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode serializes the handshake exactly as the wire protocol requires:
// pstrlen(19) 'BitTorrent protocol' reserved(8 zero bytes) infohash peerid.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(protocolName))
	copy(buf[1:20], protocolName)
	// buf[20:28] reserved, left zero
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// DecodeHandshake reads and validates a handshake from r. Any deviation from
// the fixed format fails with errs.ErrHandshakeFailed.
func DecodeHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("%w: reading handshake: %v", errs.ErrHandshakeFailed, err)
	}

	if buf[0] != 19 || string(buf[1:20]) != protocolName {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol string", errs.ErrHandshakeFailed)
	}

	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
