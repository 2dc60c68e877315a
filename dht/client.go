package dht

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/TorrentDamDev/bittorrent/collab"
	"github.com/TorrentDamDev/bittorrent/errs"
	"github.com/TorrentDamDev/bittorrent/routingtable"
	"github.com/TorrentDamDev/bittorrent/wire"
)

const (
	// QueryTimeout bounds how long a Client waits for a correlated response.
	QueryTimeout  = 5 * time.Second
	maxPacketSize = 1500
)

// Client is a single DHT node: a UDP socket, its own routing table, and the
// query/response machinery to drive Ping, FindNode, and GetPeers against
// other nodes, while also answering those same queries from peers.
type Client struct {
	selfID wire.NodeID
	conn   *net.UDPConn
	table  *routingtable.Table
	txs    *transactionManager
	logger collab.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClient builds a Client for selfID that records the nodes it hears from
// in table. table may be shared with a discovery.PeerDiscovery walking the same node.
func NewClient(selfID wire.NodeID, table *routingtable.Table, logger collab.Logger) *Client {
	return &Client{
		selfID: selfID,
		table:  table,
		txs:    newTransactionManager(),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Listen binds the UDP socket and starts the read loop. port 0 picks an
// ephemeral port.
func (c *Client) Listen(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("%w: binding dht socket: %v", errs.ErrDhtTimeout, err)
	}
	c.conn = conn
	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// LocalPort returns the UDP port the client is bound to.
func (c *Client) LocalPort() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close stops the read loop and releases the socket.
func (c *Client) Close() {
	close(c.done)
	c.conn.Close()
	c.wg.Wait()
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		c.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.logger.Error("dht: read error: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go c.handleMessage(data, addr)
	}
}

func (c *Client) handleMessage(data []byte, addr *net.UDPAddr) {
	msg, err := decode(data)
	if err != nil {
		c.logger.Debug("dht: malformed message from %s: %v", addr, err)
		return
	}
	switch msg.Y {
	case "q":
		c.handleQuery(msg, addr)
	case "r":
		c.handleResponse(msg, addr)
	case "e":
		c.logger.Debug("dht: error response from %s: %v", addr, msg.E)
		c.txs.deliver(msg.T, msg)
	}
}

func peerInfoFromUDP(addr *net.UDPAddr) wire.PeerInfo {
	return wire.PeerInfo{IP: addr.IP, Port: uint16(addr.Port)}
}

// handleQuery answers an incoming query. The querying node is inserted into
// the routing table before any response is built, and both find_node and
// get_peers answer with the closest known bucket: this client never serves
// its own peer index back out in a get_peers response.
func (c *Client) handleQuery(msg krpcMessage, addr *net.UDPAddr) {
	if msg.A == nil {
		return
	}
	senderID, err := idFromField(msg.A.ID)
	if err == nil {
		c.table.Insert(senderID, peerInfoFromUDP(addr))
	}

	var response []byte
	switch Query(msg.Q) {
	case QueryPing:
		response, err = encodePingResponse(msg.T, c.selfID)

	case QueryFindNode:
		target, terr := idFromField(msg.A.Target)
		if terr != nil {
			response, err = encodeError(msg.T, "invalid target")
			break
		}
		nodes := c.table.FindBucket(target)
		blob, nerr := wire.EncodeCompactNodeList(nodes)
		if nerr != nil {
			response, err = encodeError(msg.T, "cannot encode nodes")
			break
		}
		response, err = encodeFindNodeResponse(msg.T, c.selfID, blob)

	case QueryGetPeers:
		var infoHash wire.InfoHash
		if len(msg.A.InfoHash) != len(infoHash) {
			response, err = encodeError(msg.T, "invalid info_hash")
			break
		}
		copy(infoHash[:], msg.A.InfoHash)
		nodes := c.table.FindBucket(wire.NodeID(infoHash))
		blob, nerr := wire.EncodeCompactNodeList(nodes)
		if nerr != nil {
			response, err = encodeError(msg.T, "cannot encode nodes")
			break
		}
		response, err = encodeGetPeersNodesResponse(msg.T, c.selfID, blob)

	default:
		response, err = encodeError(msg.T, "unknown method")
	}

	if err != nil {
		c.logger.Debug("dht: building response to %s: %v", addr, err)
		return
	}
	if _, werr := c.conn.WriteToUDP(response, addr); werr != nil {
		c.logger.Debug("dht: writing response to %s: %v", addr, werr)
	}
}

func (c *Client) handleResponse(msg krpcMessage, addr *net.UDPAddr) {
	if msg.R == nil {
		return
	}
	if senderID, err := idFromField(msg.R.ID); err == nil {
		c.table.Insert(senderID, peerInfoFromUDP(addr))
	}
	c.txs.deliver(msg.T, msg)
}

func (c *Client) roundTrip(addr wire.PeerInfo, query []byte, txID string) (krpcMessage, error) {
	udpAddr := &net.UDPAddr{IP: addr.IP, Port: int(addr.Port)}
	pq := c.txs.add(txID)
	if _, err := c.conn.WriteToUDP(query, udpAddr); err != nil {
		c.txs.remove(txID)
		return krpcMessage{}, fmt.Errorf("%w: sending query: %v", errs.ErrDhtTimeout, err)
	}
	select {
	case resp := <-pq.response:
		if resp.Y == "e" {
			return krpcMessage{}, fmt.Errorf("%w: %s: %v", errs.ErrDhtRemoteError, addr, resp.E)
		}
		return resp, nil
	case <-time.After(QueryTimeout):
		c.txs.remove(txID)
		return krpcMessage{}, fmt.Errorf("%w: no response from %s", errs.ErrDhtTimeout, addr)
	}
}

// Ping queries addr and returns the responder's node id.
func (c *Client) Ping(addr wire.PeerInfo) (wire.NodeID, error) {
	txID := c.txs.newID()
	query, err := encodePingQuery(txID, c.selfID)
	if err != nil {
		return wire.NodeID{}, err
	}
	resp, err := c.roundTrip(addr, query, txID)
	if err != nil {
		return wire.NodeID{}, err
	}
	if resp.R == nil {
		return wire.NodeID{}, fmt.Errorf("%w: ping response missing r", errs.ErrDhtMalformed)
	}
	return idFromField(resp.R.ID)
}

// FindNode queries addr for nodes near target.
func (c *Client) FindNode(addr wire.PeerInfo, target wire.NodeID) (wire.NodeID, []wire.NodeInfo, error) {
	txID := c.txs.newID()
	query, err := encodeFindNodeQuery(txID, c.selfID, target)
	if err != nil {
		return wire.NodeID{}, nil, err
	}
	resp, err := c.roundTrip(addr, query, txID)
	if err != nil {
		return wire.NodeID{}, nil, err
	}
	if resp.R == nil {
		return wire.NodeID{}, nil, fmt.Errorf("%w: find_node response missing r", errs.ErrDhtMalformed)
	}
	senderID, err := idFromField(resp.R.ID)
	if err != nil {
		return wire.NodeID{}, nil, err
	}
	nodes, err := wire.DecodeCompactNodeList([]byte(resp.R.Nodes))
	if err != nil {
		return wire.NodeID{}, nil, err
	}
	return senderID, nodes, nil
}

// GetPeersResult is the parsed response to a get_peers query: either Peers
// (the remote node knows reachable peers for the info_hash) or Nodes (it
// does not, and suggests closer nodes to continue the search).
type GetPeersResult struct {
	SenderID wire.NodeID
	Peers    []wire.PeerInfo
	Nodes    []wire.NodeInfo
}

// GetPeers queries addr for peers of infoHash.
func (c *Client) GetPeers(addr wire.PeerInfo, infoHash wire.InfoHash) (GetPeersResult, error) {
	txID := c.txs.newID()
	query, err := encodeGetPeersQuery(txID, c.selfID, infoHash)
	if err != nil {
		return GetPeersResult{}, err
	}
	resp, err := c.roundTrip(addr, query, txID)
	if err != nil {
		return GetPeersResult{}, err
	}
	if resp.R == nil {
		return GetPeersResult{}, fmt.Errorf("%w: get_peers response missing r", errs.ErrDhtMalformed)
	}
	senderID, err := idFromField(resp.R.ID)
	if err != nil {
		return GetPeersResult{}, err
	}

	result := GetPeersResult{SenderID: senderID}
	if len(resp.R.Values) > 0 {
		for _, v := range resp.R.Values {
			peers, perr := wire.DecodeCompactPeerList([]byte(v))
			if perr != nil {
				continue
			}
			result.Peers = append(result.Peers, peers...)
		}
		return result, nil
	}
	nodes, err := wire.DecodeCompactNodeList([]byte(resp.R.Nodes))
	if err != nil {
		return GetPeersResult{}, err
	}
	result.Nodes = nodes
	return result, nil
}
