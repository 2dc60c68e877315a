package peerconn

import "github.com/TorrentDamDev/bittorrent/collab"

// Request names a block within a piece. It is a direct alias of
// collab.Request so PiecePicker and PeerConnection share one vocabulary.
type Request = collab.Request

// requestSet is an insertion-ordered set of Requests: a hash set for O(1)
// membership plus a slice for FIFO order.
type requestSet struct {
	order []Request
	has   map[Request]struct{}
}

func newRequestSet() *requestSet {
	return &requestSet{has: make(map[Request]struct{})}
}

func (s *requestSet) Contains(r Request) bool {
	_, ok := s.has[r]
	return ok
}

// Add appends r to the tail if not already present. Reports whether it was
// newly added.
func (s *requestSet) Add(r Request) bool {
	if s.Contains(r) {
		return false
	}
	s.has[r] = struct{}{}
	s.order = append(s.order, r)
	return true
}

func (s *requestSet) Remove(r Request) {
	if !s.Contains(r) {
		return
	}
	delete(s.has, r)
	for i, existing := range s.order {
		if existing == r {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// PopFront removes and returns the head of the set in insertion order.
func (s *requestSet) PopFront() (Request, bool) {
	if len(s.order) == 0 {
		return Request{}, false
	}
	r := s.order[0]
	s.order = s.order[1:]
	delete(s.has, r)
	return r, true
}

func (s *requestSet) Len() int { return len(s.order) }
