package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"

	"github.com/TorrentDamDev/bittorrent/collab"
	"github.com/TorrentDamDev/bittorrent/wire"
)

// bencodeValueEnd returns the offset one past the end of the single bencoded
// value (string, integer, list, or dict) starting at data[start], without
// interpreting its contents. It is the primitive infoHashFromRaw needs to
// isolate the info dict's exact original bytes, since re-marshaling through
// the decoded struct would not reproduce byte-for-byte the encoding a
// SHA-1 over the dict must match.
func bencodeValueEnd(data []byte, start int) (int, error) {
	if start >= len(data) {
		return 0, fmt.Errorf("torrent: value starts past end of data at %d", start)
	}

	switch c := data[start]; {
	case c == 'i':
		end := bytes.IndexByte(data[start+1:], 'e')
		if end < 0 {
			return 0, fmt.Errorf("torrent: unterminated integer at %d", start)
		}
		return start + 1 + end + 1, nil

	case c == 'd' || c == 'l':
		pos := start + 1
		for pos < len(data) && data[pos] != 'e' {
			next, err := bencodeValueEnd(data, pos)
			if err != nil {
				return 0, err
			}
			pos = next
		}
		if pos >= len(data) {
			return 0, fmt.Errorf("torrent: unterminated %c at %d", c, start)
		}
		return pos + 1, nil

	case c >= '0' && c <= '9':
		colon := bytes.IndexByte(data[start:], ':')
		if colon < 0 {
			return 0, fmt.Errorf("torrent: malformed string length at %d", start)
		}
		n, err := strconv.Atoi(string(data[start : start+colon]))
		if err != nil {
			return 0, fmt.Errorf("torrent: invalid string length at %d: %w", start, err)
		}
		end := start + colon + 1 + n
		if end > len(data) {
			return 0, fmt.Errorf("torrent: string at %d runs past end of data", start)
		}
		return end, nil

	default:
		return 0, fmt.Errorf("torrent: unrecognized bencode tag %q at %d", data[start], start)
	}
}

// extractInfoBytes locates the top-level "info" key in a bencoded .torrent
// file's raw bytes and returns its value dictionary exactly as it was
// encoded on disk; re-marshaling the decoded struct would not reproduce
// the same bytes a SHA-1 over the dict must match.
func extractInfoBytes(data []byte) ([]byte, error) {
	const key = "4:info"
	idx := bytes.Index(data, []byte(key))
	if idx < 0 {
		return nil, fmt.Errorf("torrent: no %q key found", key)
	}

	valueStart := idx + len(key)
	valueEnd, err := bencodeValueEnd(data, valueStart)
	if err != nil {
		return nil, fmt.Errorf("torrent: scanning info dict: %w", err)
	}
	return data[valueStart:valueEnd], nil
}

// infoHashFromRaw hashes the info dict extractInfoBytes isolates, producing
// the InfoHash both discovery paths resolve peers against.
func infoHashFromRaw(data []byte) (wire.InfoHash, error) {
	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return wire.InfoHash{}, err
	}
	return wire.InfoHash(sha1.Sum(infoBytes)), nil
}

// Parse loads and decodes a .torrent file and computes its InfoHash. The
// file is read once; both the bencode decode and the hand-rolled info-dict
// scan work off the same in-memory bytes.
func Parse(path string, logger collab.Logger) (*TorrentFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}

	var t TorrentFile
	if err := bencode.Unmarshal(bytes.NewReader(data), &t); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}

	hash, err := infoHashFromRaw(data)
	if err != nil {
		return nil, fmt.Errorf("hashing %q: %w", path, err)
	}
	t.infoHash = hash

	if logger != nil {
		logger.Info("torrent: parsed %q name=%q infoHash=%x", path, t.Info.Name, t.infoHash)
	}
	return &t, nil
}
