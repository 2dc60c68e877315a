// Package routingtable implements a Kademlia-style bucket trie: a binary
// tree of buckets keyed by 160-bit node-id prefix, split only along the
// branch containing the table's own id, with bad-node eviction on overflow
// elsewhere. It also carries the per-infohash peer index the DHT layer
// populates.
package routingtable

import (
	"math/big"

	"github.com/TorrentDamDev/bittorrent/wire"
)

// MaxNodes is the maximum live entries a single leaf bucket holds.
const MaxNodes = 8

// Node is a single routing-table entry.
type Node struct {
	ID     wire.NodeID
	Addr   wire.PeerInfo
	IsGood bool
}

// treeNode is either a leaf (bucket != nil) or an internal split.
type treeNode struct {
	from, until *big.Int // leaf/internal: this node's covered id range [from, until)

	// leaf fields
	bucket *leafBucket

	// internal fields
	center        *big.Int
	lower, higher *treeNode
}

// leafBucket holds an insertion-ordered map<NodeID, Node>.
type leafBucket struct {
	order   []wire.NodeID
	entries map[wire.NodeID]Node
}

func newLeafBucket() *leafBucket {
	return &leafBucket{entries: make(map[wire.NodeID]Node)}
}

func (b *leafBucket) clone() *leafBucket {
	clone := &leafBucket{
		order:   append([]wire.NodeID(nil), b.order...),
		entries: make(map[wire.NodeID]Node, len(b.entries)),
	}
	for k, v := range b.entries {
		clone.entries[k] = v
	}
	return clone
}

func (b *leafBucket) put(n Node) {
	if _, exists := b.entries[n.ID]; !exists {
		b.order = append(b.order, n.ID)
	}
	b.entries[n.ID] = n
}

func (b *leafBucket) remove(id wire.NodeID) {
	if _, exists := b.entries[id]; !exists {
		return
	}
	delete(b.entries, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// goodNodes returns good nodes in insertion order, at most limit of them
// (all of them when limit is 0).
func (b *leafBucket) goodNodes(limit int) []wire.NodeInfo {
	out := make([]wire.NodeInfo, 0, len(b.order))
	for _, id := range b.order {
		n := b.entries[id]
		if !n.IsGood {
			continue
		}
		out = append(out, wire.NodeInfo{ID: n.ID, Addr: n.Addr})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// idInt converts a 160-bit id to its unsigned big-integer value.
func idInt(id wire.NodeID) *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// fullRange returns [0, 2^160) as the root bucket's span.
func fullRange() (*big.Int, *big.Int) {
	from := big.NewInt(0)
	until := new(big.Int).Lsh(big.NewInt(1), 160)
	return from, until
}

func newRoot() *treeNode {
	from, until := fullRange()
	return &treeNode{from: from, until: until, bucket: newLeafBucket()}
}

// contains reports whether v falls in [from, until).
func contains(from, until, v *big.Int) bool {
	return v.Cmp(from) >= 0 && v.Cmp(until) < 0
}

// insertNode descends to node's leaf bucket and returns a new tree sharing
// untouched subtrees with n (a persistent, copy-on-write update so
// concurrent readers of the old root are unaffected). The second return
// reports whether anything changed.
func insertNode(n *treeNode, node Node, selfID wire.NodeID) (*treeNode, bool) {
	nodeVal := idInt(node.ID)

	if n.bucket != nil {
		if _, exists := n.bucket.entries[node.ID]; exists {
			clone := n.bucket.clone()
			clone.put(Node{ID: node.ID, Addr: node.Addr, IsGood: true})
			return &treeNode{from: n.from, until: n.until, bucket: clone}, true
		}

		if len(n.bucket.order) < MaxNodes {
			clone := n.bucket.clone()
			clone.put(Node{ID: node.ID, Addr: node.Addr, IsGood: true})
			return &treeNode{from: n.from, until: n.until, bucket: clone}, true
		}

		selfVal := idInt(selfID)
		if contains(n.from, n.until, selfVal) {
			return splitAndInsert(n, node, selfID)
		}

		// Full and outside self's range: evict one bad node if any exists.
		for _, id := range n.bucket.order {
			if !n.bucket.entries[id].IsGood {
				clone := n.bucket.clone()
				clone.remove(id)
				clone.put(Node{ID: node.ID, Addr: node.Addr, IsGood: true})
				return &treeNode{from: n.from, until: n.until, bucket: clone}, true
			}
		}
		// No bad node to evict: drop the new node, bucket unchanged.
		return n, false
	}

	// Internal node: descend into the half containing node.id.
	if nodeVal.Cmp(n.center) < 0 {
		newLower, changed := insertNode(n.lower, node, selfID)
		if !changed {
			return n, false
		}
		return &treeNode{from: n.from, until: n.until, center: n.center, lower: newLower, higher: n.higher}, true
	}
	newHigher, changed := insertNode(n.higher, node, selfID)
	if !changed {
		return n, false
	}
	return &treeNode{from: n.from, until: n.until, center: n.center, lower: n.lower, higher: newHigher}, true
}

// splitAndInsert splits a full leaf whose range contains selfID, then
// reinserts node into the correct half, recursing if that half is still
// full. If node is dropped from that half, the second return is false and
// the caller keeps the unsplit tree.
func splitAndInsert(n *treeNode, node Node, selfID wire.NodeID) (*treeNode, bool) {
	center := new(big.Int).Rsh(new(big.Int).Add(n.from, n.until), 1)

	lower := &treeNode{from: n.from, until: center, bucket: newLeafBucket()}
	higher := &treeNode{from: center, until: n.until, bucket: newLeafBucket()}

	for _, id := range n.bucket.order {
		existing := n.bucket.entries[id]
		if idInt(id).Cmp(center) < 0 {
			lower.bucket.put(existing)
		} else {
			higher.bucket.put(existing)
		}
	}

	internal := &treeNode{from: n.from, until: n.until, center: center, lower: lower, higher: higher}
	return insertNode(internal, node, selfID)
}

// removeNode removes id if present, collapsing an internal split back into
// a single bucket when one side becomes empty. Returns the
// possibly-unchanged tree and whether a change occurred.
func removeNode(n *treeNode, id wire.NodeID) (*treeNode, bool) {
	if n.bucket != nil {
		if _, exists := n.bucket.entries[id]; !exists {
			return n, false
		}
		clone := n.bucket.clone()
		clone.remove(id)
		return &treeNode{from: n.from, until: n.until, bucket: clone}, true
	}

	var newLower, newHigher *treeNode
	var changed bool
	if idInt(id).Cmp(n.center) < 0 {
		newLower, changed = removeNode(n.lower, id)
		newHigher = n.higher
	} else {
		newLower = n.lower
		newHigher, changed = removeNode(n.higher, id)
	}
	if !changed {
		return n, false
	}

	if newLower.bucket != nil && len(newLower.bucket.order) == 0 && newHigher.bucket != nil {
		merged := newHigher.bucket.clone()
		return &treeNode{from: n.from, until: n.until, bucket: merged}, true
	}
	if newHigher.bucket != nil && len(newHigher.bucket.order) == 0 && newLower.bucket != nil {
		merged := newLower.bucket.clone()
		return &treeNode{from: n.from, until: n.until, bucket: merged}, true
	}

	return &treeNode{from: n.from, until: n.until, center: n.center, lower: newLower, higher: newHigher}, true
}

// findLeaf descends to the leaf whose range contains target.
func findLeaf(n *treeNode, target *big.Int) *treeNode {
	for n.bucket == nil {
		if target.Cmp(n.center) < 0 {
			n = n.lower
		} else {
			n = n.higher
		}
	}
	return n
}

// walkOrdered collects every good node depth-first: the leaf containing
// target first, then its sibling, then that sibling's sibling, preferring
// at every split the branch whose half-range contains target.
func walkOrdered(n *treeNode, target *big.Int, out *[]wire.NodeInfo) {
	if n.bucket != nil {
		*out = append(*out, n.bucket.goodNodes(0)...)
		return
	}
	if target.Cmp(n.center) < 0 {
		walkOrdered(n.lower, target, out)
		walkOrdered(n.higher, target, out)
	} else {
		walkOrdered(n.higher, target, out)
		walkOrdered(n.lower, target, out)
	}
}

// rewriteGoodness clones the entire tree, applying the given liveness sets
// to every leaf entry.
func rewriteGoodness(n *treeNode, good, bad map[wire.NodeID]struct{}) *treeNode {
	if n.bucket != nil {
		clone := n.bucket.clone()
		for _, id := range clone.order {
			entry := clone.entries[id]
			if _, ok := good[id]; ok {
				entry.IsGood = true
			}
			if _, ok := bad[id]; ok {
				entry.IsGood = false
			}
			clone.entries[id] = entry
		}
		return &treeNode{from: n.from, until: n.until, bucket: clone}
	}
	return &treeNode{
		from:   n.from,
		until:  n.until,
		center: n.center,
		lower:  rewriteGoodness(n.lower, good, bad),
		higher: rewriteGoodness(n.higher, good, bad),
	}
}
