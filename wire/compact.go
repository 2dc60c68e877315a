package wire

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"net"

	"github.com/TorrentDamDev/bittorrent/errs"
)

// NodeID is a 160-bit Kademlia node identifier.
type NodeID [20]byte

// Distance returns the Kademlia XOR metric between id and other, as the
// unsigned integer value of their XOR. InfoHash shares NodeID's byte layout
// and converts to it directly (wire.NodeID(someInfoHash)) wherever a
// distance to a swarm's info_hash is needed.
func (id NodeID) Distance(other NodeID) *big.Int {
	var xor [20]byte
	for i := range xor {
		xor[i] = id[i] ^ other[i]
	}
	return new(big.Int).SetBytes(xor[:])
}

// InfoHash identifies a torrent swarm.
type InfoHash [20]byte

// PeerID identifies a peer endpoint at the wire level.
type PeerID [20]byte

// PeerInfo is a reachable (IP, port) address of a remote peer.
type PeerInfo struct {
	IP   net.IP
	Port uint16
}

func (p PeerInfo) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// NodeInfo is a DHT node's routable identity.
type NodeInfo struct {
	ID   NodeID
	Addr PeerInfo
}

const (
	compactNodeSize = 20 + 4 + 2
	compactPeerSize = 4 + 2
)

// EncodeCompactNode serializes a single NodeInfo: 20-byte id, 4-byte IPv4,
// 2-byte big-endian port.
func EncodeCompactNode(n NodeInfo) ([]byte, error) {
	ip4 := n.Addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%w: compact node requires an IPv4 address", errs.ErrDhtMalformed)
	}
	buf := make([]byte, compactNodeSize)
	copy(buf[0:20], n.ID[:])
	copy(buf[20:24], ip4)
	binary.BigEndian.PutUint16(buf[24:26], n.Addr.Port)
	return buf, nil
}

// EncodeCompactNodeList concatenates the compact form of every node.
func EncodeCompactNodeList(nodes []NodeInfo) ([]byte, error) {
	buf := make([]byte, 0, len(nodes)*compactNodeSize)
	for _, n := range nodes {
		enc, err := EncodeCompactNode(n)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

// DecodeCompactNodeList parses a concatenation of compact node blobs.
func DecodeCompactNodeList(data []byte) ([]NodeInfo, error) {
	if len(data)%compactNodeSize != 0 {
		return nil, fmt.Errorf("%w: compact node list length %d not a multiple of %d", errs.ErrDhtMalformed, len(data), compactNodeSize)
	}

	nodes := make([]NodeInfo, 0, len(data)/compactNodeSize)
	for i := 0; i < len(data); i += compactNodeSize {
		var n NodeInfo
		copy(n.ID[:], data[i:i+20])
		ip := make(net.IP, 4)
		copy(ip, data[i+20:i+24])
		n.Addr = PeerInfo{
			IP:   ip,
			Port: binary.BigEndian.Uint16(data[i+24 : i+26]),
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// EncodeCompactPeer serializes a single PeerInfo: 4-byte IPv4, 2-byte port.
func EncodeCompactPeer(p PeerInfo) ([]byte, error) {
	ip4 := p.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%w: compact peer requires an IPv4 address", errs.ErrDhtMalformed)
	}
	buf := make([]byte, compactPeerSize)
	copy(buf[0:4], ip4)
	binary.BigEndian.PutUint16(buf[4:6], p.Port)
	return buf, nil
}

// EncodeCompactPeerList concatenates the compact form of every peer.
func EncodeCompactPeerList(peers []PeerInfo) ([]byte, error) {
	buf := make([]byte, 0, len(peers)*compactPeerSize)
	for _, p := range peers {
		enc, err := EncodeCompactPeer(p)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

// DecodeCompactPeerList parses a concatenation of compact peer blobs.
func DecodeCompactPeerList(data []byte) ([]PeerInfo, error) {
	if len(data)%compactPeerSize != 0 {
		return nil, fmt.Errorf("%w: compact peer list length %d not a multiple of %d", errs.ErrDhtMalformed, len(data), compactPeerSize)
	}

	peers := make([]PeerInfo, 0, len(data)/compactPeerSize)
	for i := 0; i < len(data); i += compactPeerSize {
		ip := make(net.IP, 4)
		copy(ip, data[i:i+4])
		peers = append(peers, PeerInfo{
			IP:   ip,
			Port: binary.BigEndian.Uint16(data[i+4 : i+6]),
		})
	}
	return peers, nil
}
