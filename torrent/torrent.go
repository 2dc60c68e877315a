// Package torrent is the metainfo front-end and tracker client: it parses a
// .torrent file far enough to obtain the InfoHash both discovery paths
// (dht/discovery and this package's own tracker client) need, and it
// announces to HTTP/UDP trackers for a peer list. Piece hashes, file
// layout, and anything else only a storage layer would consume are decoded
// but otherwise left alone.
package torrent

import "github.com/TorrentDamDev/bittorrent/wire"

// TorrentFile represents a root dictionary of a .torrent file.
type TorrentFile struct {
	Announce     string                 `bencode:"announce"`
	AnnounceList [][]string             `bencode:"announce-list"`
	Comment      string                 `bencode:"comment"`
	CreatedBy    string                 `bencode:"created by"`
	CreationDate int64                  `bencode:"creation date"`
	Encoding     string                 `bencode:"encoding"`
	Info         TorrentInfo            `bencode:"info"`
	Nodes        [][]interface{}        `bencode:"nodes"`
	URLList      []string               `bencode:"url-list"`
	HTTPSeeds    []string               `bencode:"httpseeds"`
	Publisher    string                 `bencode:"publisher"`
	PublisherURL string                 `bencode:"publisher-url"`
	Source       string                 `bencode:"source"`
	Signature    string                 `bencode:"signature"`
	Custom       map[string]interface{} `bencode:"-"`

	// infoHash is computed by Parse from the raw info dictionary bytes; it
	// is never itself part of the bencoded form.
	infoHash wire.InfoHash
}

// TorrentInfo represents the `info` dictionary in a .torrent file.
type TorrentInfo struct {
	PieceLength int64                  `bencode:"piece length"`
	Pieces      string                 `bencode:"pieces"`
	Name        string                 `bencode:"name"`
	Length      int64                  `bencode:"length"`
	Files       []TorrentFileEntry     `bencode:"files"`
	MD5Sum      string                 `bencode:"md5sum"`
	Private     int                    `bencode:"private"`
	Source      string                 `bencode:"source"`
	MetaVersion int                    `bencode:"meta version"`
	FileTree    map[string]interface{} `bencode:"file tree"`
	PieceLayers map[string]string      `bencode:"piece layers"`
	PiecesRoot  string                 `bencode:"pieces root"`
	Custom      map[string]interface{} `bencode:"-"`
}

// TorrentFileEntry describes one file of a multi-file torrent.
type TorrentFileEntry struct {
	Length     int64                  `bencode:"length"`
	Path       []string               `bencode:"path"`
	MD5Sum     string                 `bencode:"md5sum"`
	PiecesRoot string                 `bencode:"pieces root"`
	Custom     map[string]interface{} `bencode:"-"`
}

// InfoHash returns the torrent's 20-byte info-dictionary hash, computed by
// Parse. It is the shared key the tracker client and dht/discovery both
// resolve peers against.
func (t *TorrentFile) InfoHash() wire.InfoHash { return t.infoHash }

// TotalLength returns the sum of every file's length: the single Length
// field for a single-file torrent, or the sum of Info.Files for a
// multi-file one.
func (t *TorrentFile) TotalLength() int64 {
	if len(t.Info.Files) == 0 {
		return t.Info.Length
	}
	var total int64
	for _, f := range t.Info.Files {
		total += f.Length
	}
	return total
}

// AnnounceURLs returns every announce URL the torrent carries, the primary
// Announce field followed by every tier of AnnounceList, without
// duplicates.
func (t *TorrentFile) AnnounceURLs() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(url string) {
		if url == "" {
			return
		}
		if _, ok := seen[url]; ok {
			return
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	add(t.Announce)
	for _, tier := range t.AnnounceList {
		for _, url := range tier {
			add(url)
		}
	}
	return out
}
