package torrent

import (
	"github.com/TorrentDamDev/bittorrent/collab"
	"github.com/TorrentDamDev/bittorrent/wire"
)

// Open loads a .torrent file from path, computing its InfoHash.
func Open(path string, logger collab.Logger) (*TorrentFile, error) {
	return Parse(path, logger)
}

// DiscoverPeers announces t to its trackers and returns the peers found.
// It is the tracker-based half of peer discovery, run alongside the DHT's
// dht/discovery walk.
func (t *TorrentFile) DiscoverPeers(peerID wire.PeerID, logger collab.Logger) ([]wire.PeerInfo, error) {
	resp, err := t.AnnounceToTrackers(peerID, logger)
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}
