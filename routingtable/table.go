package routingtable

import (
	"sync"
	"sync/atomic"

	"github.com/TorrentDamDev/bittorrent/wire"
)

// Table is a Kademlia-style bucket trie plus a per-infohash peer index.
// Mutations are serialized through writeMu and published by swapping the
// atomic root pointer, so readers always observe a consistent snapshot
// without taking any lock.
type Table struct {
	selfID  wire.NodeID
	writeMu sync.Mutex
	root    atomic.Pointer[treeNode]

	peerMu    sync.Mutex
	peerIndex map[wire.InfoHash]map[string]wire.PeerInfo
}

// New builds an empty table rooted at selfID.
func New(selfID wire.NodeID) *Table {
	t := &Table{
		selfID:    selfID,
		peerIndex: make(map[wire.InfoHash]map[string]wire.PeerInfo),
	}
	t.root.Store(newRoot())
	return t
}

// SelfID returns the table's own id.
func (t *Table) SelfID() wire.NodeID { return t.selfID }

// Insert adds or refreshes a node. Returns true if the node was inserted,
// refreshed, or replaced a bad node; false if it was dropped because its
// bucket was full of good nodes and outside self's range.
func (t *Table) Insert(id wire.NodeID, addr wire.PeerInfo) bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	old := t.root.Load()
	newRoot, changed := insertNode(old, Node{ID: id, Addr: addr, IsGood: true}, t.selfID)
	if !changed {
		return false
	}
	t.root.Store(newRoot)
	return true
}

// Remove deletes id from the table, collapsing an empty sibling pair back
// into one bucket.
func (t *Table) Remove(id wire.NodeID) bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	old := t.root.Load()
	newRoot, changed := removeNode(old, id)
	if !changed {
		return false
	}
	t.root.Store(newRoot)
	return true
}

// UpdateGoodness marks every id in good as live and every id in bad as
// stale, across the whole table.
func (t *Table) UpdateGoodness(good, bad []wire.NodeID) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	goodSet := make(map[wire.NodeID]struct{}, len(good))
	for _, id := range good {
		goodSet[id] = struct{}{}
	}
	badSet := make(map[wire.NodeID]struct{}, len(bad))
	for _, id := range bad {
		badSet[id] = struct{}{}
	}

	old := t.root.Load()
	t.root.Store(rewriteGoodness(old, goodSet, badSet))
}

// FindBucket returns the up-to-MaxNodes good nodes sharing target's bucket.
// Lock-free: reads the current root snapshot without taking writeMu.
func (t *Table) FindBucket(target wire.NodeID) []wire.NodeInfo {
	root := t.root.Load()
	leaf := findLeaf(root, idInt(target))
	return leaf.bucket.goodNodes(MaxNodes)
}

// FindNodes returns every good node in the table ordered by proximity to
// target: closest bucket first, then its sibling, and so on outward.
func (t *Table) FindNodes(target wire.NodeID) []wire.NodeInfo {
	root := t.root.Load()
	var out []wire.NodeInfo
	walkOrdered(root, idInt(target), &out)
	return out
}

// AddPeer records addr as a known peer for infoHash.
func (t *Table) AddPeer(infoHash wire.InfoHash, addr wire.PeerInfo) {
	t.peerMu.Lock()
	defer t.peerMu.Unlock()

	set, ok := t.peerIndex[infoHash]
	if !ok {
		set = make(map[string]wire.PeerInfo)
		t.peerIndex[infoHash] = set
	}
	set[addr.String()] = addr
}

// FindPeers returns the peers known for infoHash, and whether any are
// known at all.
func (t *Table) FindPeers(infoHash wire.InfoHash) ([]wire.PeerInfo, bool) {
	t.peerMu.Lock()
	defer t.peerMu.Unlock()

	set, ok := t.peerIndex[infoHash]
	if !ok || len(set) == 0 {
		return nil, false
	}
	out := make([]wire.PeerInfo, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	return out, true
}
