// Package dht implements the BEP-5 KRPC query/response protocol over UDP:
// Ping, FindNode, and GetPeers, each correlated by a generated transaction
// id and fed into the caller's own routingtable.Table. Incoming queries are
// answered in-process, so every Client is also a full DHT participant.
package dht

import (
	"bytes"
	"fmt"

	"github.com/jackpal/bencode-go"

	"github.com/TorrentDamDev/bittorrent/errs"
	"github.com/TorrentDamDev/bittorrent/wire"
)

// Query names the supported KRPC methods.
type Query string

const (
	QueryPing     Query = "ping"
	QueryFindNode Query = "find_node"
	QueryGetPeers Query = "get_peers"
)

// krpcArgs is the "a" dict of a query.
type krpcArgs struct {
	ID       string `bencode:"id"`
	Target   string `bencode:"target,omitempty"`
	InfoHash string `bencode:"info_hash,omitempty"`
}

// krpcResponse is the "r" dict of a response. Values carries compact peer
// blobs (6 bytes each) when the answering node has peers for the
// requested info_hash; Nodes carries compact node blobs (26 bytes each)
// otherwise. A real response has exactly one of the two populated.
type krpcResponse struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

// krpcMessage is the bencode wire shape: a dict with "t" (transaction id),
// "y" (message type: q/r/e), and either "q"/"a" (query name + arguments),
// "r" (response values), or "e" (error).
type krpcMessage struct {
	T string        `bencode:"t"`
	Y string        `bencode:"y"`
	Q string        `bencode:"q,omitempty"`
	A *krpcArgs     `bencode:"a,omitempty"`
	R *krpcResponse `bencode:"r,omitempty"`
	E []any         `bencode:"e,omitempty"`
}

func encode(m krpcMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, m); err != nil {
		return nil, fmt.Errorf("%w: encoding krpc message: %v", errs.ErrDhtMalformed, err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (krpcMessage, error) {
	var m krpcMessage
	if err := bencode.Unmarshal(bytes.NewReader(data), &m); err != nil {
		return krpcMessage{}, fmt.Errorf("%w: decoding krpc message: %v", errs.ErrDhtMalformed, err)
	}
	if m.Y == "" || m.T == "" {
		return krpcMessage{}, fmt.Errorf("%w: missing t or y field", errs.ErrDhtMalformed)
	}
	return m, nil
}

func encodePingQuery(txID string, selfID wire.NodeID) ([]byte, error) {
	return encode(krpcMessage{T: txID, Y: "q", Q: string(QueryPing), A: &krpcArgs{ID: string(selfID[:])}})
}

func encodeFindNodeQuery(txID string, selfID, target wire.NodeID) ([]byte, error) {
	return encode(krpcMessage{
		T: txID, Y: "q", Q: string(QueryFindNode),
		A: &krpcArgs{ID: string(selfID[:]), Target: string(target[:])},
	})
}

func encodeGetPeersQuery(txID string, selfID wire.NodeID, infoHash wire.InfoHash) ([]byte, error) {
	return encode(krpcMessage{
		T: txID, Y: "q", Q: string(QueryGetPeers),
		A: &krpcArgs{ID: string(selfID[:]), InfoHash: string(infoHash[:])},
	})
}

func encodePingResponse(txID string, selfID wire.NodeID) ([]byte, error) {
	return encode(krpcMessage{T: txID, Y: "r", R: &krpcResponse{ID: string(selfID[:])}})
}

func encodeFindNodeResponse(txID string, selfID wire.NodeID, nodes []byte) ([]byte, error) {
	return encode(krpcMessage{T: txID, Y: "r", R: &krpcResponse{ID: string(selfID[:]), Nodes: string(nodes)}})
}

// encodeGetPeersNodesResponse always answers get_peers with the closest
// known nodes rather than peers: without announce_peer or token bookkeeping
// there is no mechanism that would populate the peer index trustworthily,
// so this node never hands its contents out.
func encodeGetPeersNodesResponse(txID string, selfID wire.NodeID, nodes []byte) ([]byte, error) {
	return encode(krpcMessage{T: txID, Y: "r", R: &krpcResponse{ID: string(selfID[:]), Nodes: string(nodes)}})
}

func encodeError(txID, message string) ([]byte, error) {
	return encode(krpcMessage{T: txID, Y: "e", E: []any{201, message}})
}

func idFromField(field string) (wire.NodeID, error) {
	var id wire.NodeID
	if len(field) != len(id) {
		return id, fmt.Errorf("%w: node id field length %d, want %d", errs.ErrDhtMalformed, len(field), len(id))
	}
	copy(id[:], field)
	return id, nil
}
