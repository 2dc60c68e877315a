package torrent

import (
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jackpal/bencode-go"

	"github.com/TorrentDamDev/bittorrent/collab"
	"github.com/TorrentDamDev/bittorrent/wire"
)

// TrackerResponse is the peer list and re-announce interval a tracker
// returns, normalized across the HTTP (BEP-3) and UDP (BEP-15) transports.
type TrackerResponse struct {
	Peers    []wire.PeerInfo
	Interval time.Duration
}

// httpTrackerResponse is the bencoded wire shape of an HTTP tracker's
// answer, before its compact peer string is decoded into []wire.PeerInfo.
type httpTrackerResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// SendHTTPTrackerRequest performs a BEP-3 HTTP announce against announceURL.
func (t *TorrentFile) SendHTTPTrackerRequest(announceURL string, peerID wire.PeerID, logger collab.Logger) (TrackerResponse, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return TrackerResponse{}, fmt.Errorf("parsing tracker url: %w", err)
	}

	infoHash := t.InfoHash()
	params := url.Values{}
	params.Add("info_hash", string(infoHash[:]))
	params.Add("peer_id", string(peerID[:]))
	params.Add("port", "6881")
	params.Add("uploaded", "0")
	params.Add("downloaded", "0")
	params.Add("left", fmt.Sprintf("%d", t.TotalLength()))
	params.Add("compact", "1")
	params.Add("event", "started")
	u.RawQuery = params.Encode()

	client := &http.Client{Timeout: 15 * time.Second}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return TrackerResponse{}, fmt.Errorf("building tracker request: %w", err)
	}
	req.Header.Set("User-Agent", "bittorrent/1.0")

	logger.Info("tracker: announcing to %s", u.Host)
	resp, err := client.Do(req)
	if err != nil {
		return TrackerResponse{}, fmt.Errorf("http tracker request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TrackerResponse{}, fmt.Errorf("tracker %s returned status %d", u.Host, resp.StatusCode)
	}

	var decoded httpTrackerResponse
	if err := bencode.Unmarshal(resp.Body, &decoded); err != nil {
		return TrackerResponse{}, fmt.Errorf("decoding tracker response: %w", err)
	}
	if decoded.Failure != "" {
		return TrackerResponse{}, fmt.Errorf("tracker failure: %s", decoded.Failure)
	}

	peers, err := wire.DecodeCompactPeerList([]byte(decoded.Peers))
	if err != nil {
		return TrackerResponse{}, fmt.Errorf("decoding compact peers: %w", err)
	}
	return TrackerResponse{Peers: peers, Interval: time.Duration(decoded.Interval) * time.Second}, nil
}

// createAnnounceRequest builds a 98-byte BEP-15 UDP announce packet.
func createAnnounceRequest(connectionID uint64, transactionID uint32, infoHash wire.InfoHash, peerID wire.PeerID, left uint64, key uint32, port uint16) []byte {
	const (
		actionAnnounce = 1
		eventStarted   = 2
	)
	var numWant int32 = -1

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connectionID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], transactionID)
	copy(req[16:36], infoHash[:])
	copy(req[36:56], peerID[:])
	binary.BigEndian.PutUint64(req[56:64], 0) // downloaded
	binary.BigEndian.PutUint64(req[64:72], left)
	binary.BigEndian.PutUint64(req[72:80], 0) // uploaded
	binary.BigEndian.PutUint32(req[80:84], eventStarted)
	binary.BigEndian.PutUint32(req[88:92], key)
	binary.BigEndian.PutUint32(req[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(req[96:98], port)
	return req
}

// SendUDPTrackerRequest performs a BEP-15 connect+announce against
// announceURL, retrying the connect phase up to 3 times with a growing
// deadline.
func (t *TorrentFile) SendUDPTrackerRequest(announceURL string, peerID wire.PeerID, logger collab.Logger) (TrackerResponse, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return TrackerResponse{}, fmt.Errorf("parsing udp tracker url: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return TrackerResponse{}, fmt.Errorf("resolving udp tracker: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return TrackerResponse{}, fmt.Errorf("dialing udp tracker: %w", err)
	}
	defer conn.Close()

	transactionID, err := GenerateTransactionID()
	if err != nil {
		return TrackerResponse{}, err
	}

	const protocolID = 0x41727101980
	connectReq := make([]byte, 16)
	binary.BigEndian.PutUint64(connectReq[0:8], protocolID)
	binary.BigEndian.PutUint32(connectReq[8:12], 0) // action: connect
	binary.BigEndian.PutUint32(connectReq[12:16], transactionID)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
		if _, err := conn.Write(connectReq); err != nil {
			lastErr = err
			logger.Debug("tracker: udp connect attempt %d to %s failed: %v", attempt+1, u.Host, err)
			continue
		}

		resp := make([]byte, 16)
		n, err := conn.Read(resp)
		if err != nil || n < 16 {
			lastErr = err
			logger.Debug("tracker: udp connect response from %s invalid: %v", u.Host, err)
			continue
		}
		if binary.BigEndian.Uint32(resp[0:4]) != 0 || binary.BigEndian.Uint32(resp[4:8]) != transactionID {
			return TrackerResponse{}, fmt.Errorf("udp tracker %s: connect response mismatch", u.Host)
		}
		connectionID := binary.BigEndian.Uint64(resp[8:16])

		announceReq := createAnnounceRequest(connectionID, transactionID, t.InfoHash(), peerID, uint64(t.TotalLength()), mrand.Uint32(), 6881)

		conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(announceReq); err != nil {
			return TrackerResponse{}, fmt.Errorf("sending udp announce: %w", err)
		}

		resp = make([]byte, 1024)
		n, err = conn.Read(resp)
		if err != nil {
			return TrackerResponse{}, fmt.Errorf("reading udp announce response: %w", err)
		}
		if n < 20 {
			return TrackerResponse{}, fmt.Errorf("udp tracker %s: short announce response (%d bytes)", u.Host, n)
		}

		action := binary.BigEndian.Uint32(resp[0:4])
		if action == 3 {
			return TrackerResponse{}, fmt.Errorf("udp tracker %s error: %s", u.Host, resp[8:n])
		}
		if action != 1 || binary.BigEndian.Uint32(resp[4:8]) != transactionID {
			return TrackerResponse{}, fmt.Errorf("udp tracker %s: unexpected announce response", u.Host)
		}

		interval := time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second
		peers, err := wire.DecodeCompactPeerList(resp[20:n])
		if err != nil {
			return TrackerResponse{}, fmt.Errorf("decoding udp compact peers: %w", err)
		}
		logger.Info("tracker: %s returned %d peers, interval %s", u.Host, len(peers), interval)
		return TrackerResponse{Peers: peers, Interval: interval}, nil
	}

	return TrackerResponse{}, fmt.Errorf("udp tracker %s: connect failed after 3 attempts: %w", u.Host, lastErr)
}

// AnnounceToTrackers contacts every tracker URL the torrent carries, plus a
// small set of well-known public trackers as a fallback, and merges their
// peer lists. Individual tracker failures are logged and skipped;
// AnnounceToTrackers only fails outright if no tracker yields a single peer.
func (t *TorrentFile) AnnounceToTrackers(peerID wire.PeerID, logger collab.Logger) (TrackerResponse, error) {
	publicTrackers := []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://open.tracker.cl:1337/announce",
		"udp://open.stealth.si:80/announce",
		"udp://tracker.tiny-vps.com:6969/announce",
	}

	trackers := t.AnnounceURLs()
	seen := make(map[string]struct{}, len(trackers))
	for _, url := range trackers {
		seen[url] = struct{}{}
	}
	for _, url := range publicTrackers {
		if _, ok := seen[url]; !ok {
			seen[url] = struct{}{}
			trackers = append(trackers, url)
		}
	}
	if len(trackers) == 0 {
		return TrackerResponse{}, fmt.Errorf("torrent: no trackers found")
	}

	peers := make(map[string]wire.PeerInfo)
	var minInterval time.Duration

	for _, announceURL := range trackers {
		var (
			resp TrackerResponse
			err  error
		)
		switch {
		case isUDP(announceURL):
			resp, err = t.SendUDPTrackerRequest(announceURL, peerID, logger)
		case isHTTP(announceURL):
			resp, err = t.SendHTTPTrackerRequest(announceURL, peerID, logger)
		default:
			continue
		}
		if err != nil {
			logger.Debug("tracker: %s failed: %v", announceURL, err)
			continue
		}
		for _, p := range resp.Peers {
			peers[p.String()] = p
		}
		if minInterval == 0 || (resp.Interval > 0 && resp.Interval < minInterval) {
			minInterval = resp.Interval
		}
	}

	if len(peers) == 0 {
		return TrackerResponse{}, fmt.Errorf("torrent: no peers received from any tracker")
	}

	out := make([]wire.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	return TrackerResponse{Peers: out, Interval: minInterval}, nil
}
