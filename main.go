// Command bittorrent is a minimal demo entrypoint: parse a .torrent file,
// announce to its trackers, then walk the BitTorrent DHT (the two run one
// after the other, not concurrently), and handshake with whatever peers
// turn up. It does not download anything
// (this repository leaves the swarm-level PiecePicker to its callers); it
// only exercises the wire, dht, routingtable, discovery, and peerconn
// packages end to end.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"

	"github.com/TorrentDamDev/bittorrent/collab"
	"github.com/TorrentDamDev/bittorrent/dht"
	"github.com/TorrentDamDev/bittorrent/discovery"
	"github.com/TorrentDamDev/bittorrent/logx"
	"github.com/TorrentDamDev/bittorrent/peerconn"
	"github.com/TorrentDamDev/bittorrent/routingtable"
	"github.com/TorrentDamDev/bittorrent/torrent"
	"github.com/TorrentDamDev/bittorrent/wire"
)

// discoveryWindow bounds how long the demo waits for the DHT walk before
// moving on to whatever peers it and the tracker announce turned up.
const discoveryWindow = 30 * time.Second

// nopPicker never hands out a block request: this demo connects to peers
// and completes handshakes, but downloading requires a real swarm-level
// PiecePicker, which callers supply.
type nopPicker struct{}

func (nopPicker) Pick([]bool, string) (collab.Request, bool) { return collab.Request{}, false }
func (nopPicker) Complete(collab.Request, []byte)            {}
func (nopPicker) Unpick(collab.Request)                      {}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <path-to-torrent-file>\n", os.Args[0])
		os.Exit(1)
	}

	logger := logx.Std{}
	colorstring.Printf("[blue]bittorrent[reset]: parsing %s\n", os.Args[1])

	t, err := torrent.Open(os.Args[1], logger)
	if err != nil {
		colorstring.Printf("[red][FAIL][reset]\t%v\n", err)
		os.Exit(1)
	}
	colorstring.Printf("[green][INFO][reset]\t%s infoHash=%x length=%d\n", t.Info.Name, t.InfoHash(), t.TotalLength())

	peerID, err := torrent.GeneratePeerID()
	if err != nil {
		colorstring.Printf("[red][FAIL][reset]\t%v\n", err)
		os.Exit(1)
	}

	selfNodeID, err := randomNodeID()
	if err != nil {
		colorstring.Printf("[red][FAIL][reset]\t%v\n", err)
		os.Exit(1)
	}

	seen := make(map[string]wire.PeerInfo)
	bar := progressbar.Default(-1, "discovering peers")

	if peers, err := t.DiscoverPeers(peerID, logger); err != nil {
		colorstring.Printf("[yellow][WARN][reset]\ttracker announce failed: %v\n", err)
	} else {
		for _, p := range peers {
			seen[p.String()] = p
			bar.Add(1)
		}
	}

	table := routingtable.New(selfNodeID)
	client := dht.NewClient(selfNodeID, table, logger)
	if err := client.Listen(0); err != nil {
		colorstring.Printf("[red][FAIL][reset]\tbinding dht socket: %v\n", err)
	} else {
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), discoveryWindow)
		defer cancel()

		pd := discovery.New(selfNodeID, client, table, logger, collab.SystemClock{}, "", nil)
		for p := range pd.Walk(ctx, t.InfoHash()) {
			key := p.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = p
			bar.Add(1)
		}
	}

	fmt.Println()
	colorstring.Printf("[green][INFO][reset]\tfound %d unique peers\n", len(seen))

	for _, peer := range seen {
		connectDemo(t, peer, peerID, logger)
	}
}

func connectDemo(t *torrent.TorrentFile, peer wire.PeerInfo, selfID wire.PeerID, logger collab.Logger) {
	socket, err := net.DialTimeout("tcp", peer.String(), 5*time.Second)
	if err != nil {
		logger.Debug("main: dialing %s: %v", peer, err)
		return
	}

	conn, err := peerconn.Connect(selfID, peer, t.InfoHash(), socket, nopPicker{}, collab.SystemClock{}, logger)
	if err != nil {
		logger.Debug("main: handshake with %s: %v", peer, err)
		socket.Close()
		return
	}
	logger.Info("main: handshook with %s (peer id %x)", peer, conn.PeerID())

	go func() {
		for range conn.Events() {
		}
	}()
}

func randomNodeID() (wire.NodeID, error) {
	var id wire.NodeID
	_, err := rand.Read(id[:])
	return id, err
}
