// Package discovery implements the iterative DHT get_peers walk: seed
// candidates from the bootstrap router, query each for peers, follow the
// closer nodes it suggests, and emit a deduplicated stream of reachable
// peers for an info_hash.
package discovery

import (
	"context"
	"sort"
	"time"

	"github.com/TorrentDamDev/bittorrent/collab"
	"github.com/TorrentDamDev/bittorrent/dht"
	"github.com/TorrentDamDev/bittorrent/routingtable"
	"github.com/TorrentDamDev/bittorrent/wire"
)

// DefaultBootstrap is the well-known DHT bootstrap node.
const DefaultBootstrap = "router.bittorrent.com:6881"

const (
	// reseedInterval is how long the walk sleeps before re-seeding from
	// the bootstrap node once its candidate list runs dry.
	reseedInterval = 10 * time.Second

	// bootstrapRetryInterval paces repeated ping attempts while seeding;
	// seeding keeps retrying until the bootstrap answers.
	bootstrapRetryInterval = 2 * time.Second
)

// PeerDiscovery runs the iterative get_peers walk for a single DHT node
// identity. One instance can drive many concurrent Walk calls for
// different info hashes, since dht.Client and routingtable.Table are
// already safe for concurrent use.
type PeerDiscovery struct {
	selfID    wire.NodeID
	client    *dht.Client
	table     *routingtable.Table
	logger    collab.Logger
	clock     collab.Clock
	bootstrap string
	resolver  Resolver
}

// Resolver resolves a bootstrap hostname to a dialable address. Production
// code uses net.ResolveUDPAddr; tests substitute a fixed address.
type Resolver func(hostport string) (wire.PeerInfo, error)

// New builds a PeerDiscovery bound to client. table receives every
// discovered peer in its per-infohash index, usually the same table client
// answers queries from. bootstrap overrides DefaultBootstrap when
// non-empty; resolver overrides net-based DNS resolution when non-nil
// (tests use this to avoid real DNS lookups).
func New(selfID wire.NodeID, client *dht.Client, table *routingtable.Table, logger collab.Logger, clock collab.Clock, bootstrap string, resolver Resolver) *PeerDiscovery {
	if bootstrap == "" {
		bootstrap = DefaultBootstrap
	}
	if resolver == nil {
		resolver = resolveUDP
	}
	return &PeerDiscovery{
		selfID:    selfID,
		client:    client,
		table:     table,
		logger:    logger,
		clock:     clock,
		bootstrap: bootstrap,
		resolver:  resolver,
	}
}

// Walk runs the iterative get_peers search for infoHash and returns a
// channel of deduplicated PeerInfo. Every emitted peer is also recorded in
// the table's per-infohash index, so callers can read the accumulated
// swarm view back via Table.FindPeers. The walk is best-effort: a failed
// candidate is logged and skipped, never aborts the walk. The channel
// closes when ctx is cancelled; cancellation never leaks a pending DHT
// transaction beyond one query timeout, since dht.Client.GetPeers itself
// bounds its wait.
func (d *PeerDiscovery) Walk(ctx context.Context, infoHash wire.InfoHash) <-chan wire.PeerInfo {
	out := make(chan wire.PeerInfo)
	go d.run(ctx, infoHash, out)
	return out
}

func (d *PeerDiscovery) run(ctx context.Context, infoHash wire.InfoHash, out chan<- wire.PeerInfo) {
	defer close(out)

	seenPeers := make(map[string]struct{})
	seenNodes := make(map[wire.NodeID]struct{})
	var candidates []wire.NodeInfo

	// The bootstrap is exempt from the seenNodes dedup: a drained walk must
	// be able to re-query it, and seed only ever runs with an empty
	// candidate list. Marking it seen still keeps Nodes responses from
	// queuing it a second time mid-walk.
	seed := func() {
		boot, ok := d.bootstrapNode(ctx)
		if !ok {
			return
		}
		seenNodes[boot.ID] = struct{}{}
		candidates = append(candidates, boot)
	}

	seed()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if len(candidates) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-d.clock.After(reseedInterval):
			}
			seed()
			continue
		}

		cand := candidates[0]
		candidates = candidates[1:]

		result, err := d.client.GetPeers(cand.Addr, infoHash)
		if err != nil {
			d.logger.Debug("discovery: get_peers to %s failed: %v", cand.Addr, err)
			continue
		}

		for _, p := range result.Peers {
			key := p.String()
			if _, dup := seenPeers[key]; dup {
				continue
			}
			seenPeers[key] = struct{}{}
			d.table.AddPeer(infoHash, p)
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}

		if len(result.Nodes) == 0 {
			continue
		}
		target := wire.NodeID(infoHash)
		sort.Slice(result.Nodes, func(i, j int) bool {
			return result.Nodes[i].ID.Distance(target).Cmp(result.Nodes[j].ID.Distance(target)) < 0
		})

		fresh := make([]wire.NodeInfo, 0, len(result.Nodes))
		for _, n := range result.Nodes {
			if n.ID == d.selfID {
				continue
			}
			if _, dup := seenNodes[n.ID]; dup {
				continue
			}
			seenNodes[n.ID] = struct{}{}
			fresh = append(fresh, n)
		}
		// Prepend: closer nodes are explored before whatever was already
		// queued.
		candidates = append(fresh, candidates...)
	}
}

// bootstrapNode resolves and pings the bootstrap endpoint, retrying until
// it answers or ctx is cancelled.
func (d *PeerDiscovery) bootstrapNode(ctx context.Context) (wire.NodeInfo, bool) {
	for {
		select {
		case <-ctx.Done():
			return wire.NodeInfo{}, false
		default:
		}

		addr, err := d.resolver(d.bootstrap)
		if err == nil {
			if id, perr := d.client.Ping(addr); perr == nil {
				return wire.NodeInfo{ID: id, Addr: addr}, true
			} else {
				d.logger.Debug("discovery: bootstrap ping failed: %v", perr)
			}
		} else {
			d.logger.Debug("discovery: resolving bootstrap %s: %v", d.bootstrap, err)
		}

		select {
		case <-ctx.Done():
			return wire.NodeInfo{}, false
		case <-d.clock.After(bootstrapRetryInterval):
		}
	}
}
