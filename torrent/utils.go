package torrent

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/TorrentDamDev/bittorrent/wire"
)

// GeneratePeerID creates a unique peer id for this client: a fixed client
// prefix plus random characters, the convention BEP-20 describes.
func GeneratePeerID() (wire.PeerID, error) {
	const prefix = "-GT0001-"

	var id wire.PeerID
	copy(id[:], prefix)

	random := make([]byte, len(id)-len(prefix))
	if _, err := crand.Read(random); err != nil {
		return wire.PeerID{}, fmt.Errorf("generating peer id: %w", err)
	}

	const chars = "0123456789abcdefghijklmnopqrstuvxyz"
	for i, b := range random {
		random[i] = chars[int(b)%len(chars)]
	}
	copy(id[len(prefix):], random)
	return id, nil
}

// GenerateTransactionID returns a random 32-bit transaction id for a UDP
// tracker connect/announce request.
func GenerateTransactionID() (uint32, error) {
	var buf [4]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generating transaction id: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func isHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func isUDP(url string) bool {
	return strings.HasPrefix(url, "udp://")
}
