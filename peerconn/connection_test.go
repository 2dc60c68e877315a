package peerconn

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/TorrentDamDev/bittorrent/collab"
	"github.com/TorrentDamDev/bittorrent/errs"
	"github.com/TorrentDamDev/bittorrent/wire"
)

// fakeClock gives tests deterministic control over timer firing without real
// sleeps driving the state machine's 10s/2min timeouts.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*clockWaiter
}

type clockWaiter struct {
	fireAt time.Time
	ch     chan time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (f *fakeClock) Now() time.Time { f.mu.Lock(); defer f.mu.Unlock(); return f.now }

func (f *fakeClock) Sleep(d time.Duration) { f.Advance(d) }

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	f.waiters = append(f.waiters, &clockWaiter{fireAt: f.now.Add(d), ch: ch})
	f.mu.Unlock()
	return ch
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.fireAt.After(f.now) {
			w.ch <- f.now
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
}

// fakePicker is a minimal collab.PiecePicker recording Unpick/Complete calls.
type fakePicker struct {
	mu        sync.Mutex
	completed []Request
	unpicked  []Request
}

func (p *fakePicker) Pick([]bool, string) (collab.Request, bool) { return collab.Request{}, false }

func (p *fakePicker) Complete(req collab.Request, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, req)
}

func (p *fakePicker) Unpick(req collab.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpicked = append(p.unpicked, req)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Trace(string, ...any) {}
func (nopLogger) Error(string, ...any) {}

// remoteHandshake reads the client's handshake off conn and writes back a
// matching one with the given remote peer id.
func remoteHandshake(t *testing.T, conn net.Conn, infoHash wire.InfoHash, remotePeerID wire.PeerID) {
	t.Helper()
	in, err := wire.DecodeHandshake(conn)
	if err != nil {
		t.Fatalf("remote: decoding handshake: %v", err)
	}
	if in.InfoHash != infoHash {
		t.Fatalf("remote: infohash mismatch: got %x want %x", in.InfoHash, infoHash)
	}
	resp := wire.Handshake{InfoHash: infoHash, PeerID: remotePeerID}
	if _, err := conn.Write(resp.Encode()); err != nil {
		t.Fatalf("remote: writing handshake: %v", err)
	}
}

func readMessageWithTimeout(t *testing.T, conn net.Conn, d time.Duration) *wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(d))
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatalf("reading message: %v", err)
	}
	return msg
}

func setup(t *testing.T) (client net.Conn, remote net.Conn, conn *Connection, picker *fakePicker, clock *fakeClock, infoHash wire.InfoHash) {
	t.Helper()
	client, remote = net.Pipe()

	infoHash = wire.InfoHash{1, 2, 3}
	remotePeerID := wire.PeerID{9, 9, 9}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		remoteHandshake(t, remote, infoHash, remotePeerID)
	}()

	picker = &fakePicker{}
	clock = newFakeClock()

	c, err := Connect(wire.PeerID{1, 1, 1}, wire.PeerInfo{}, infoHash, client, picker, clock, nopLogger{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	wg.Wait()

	return client, remote, c, picker, clock, infoHash
}

func TestHandshakeSuccess(t *testing.T) {
	client, remote, conn, _, _, _ := setup(t)
	defer client.Close()
	defer remote.Close()

	if conn.PeerID() != (wire.PeerID{9, 9, 9}) {
		t.Fatalf("PeerID() = %v, want {9,9,9}", conn.PeerID())
	}
}

func TestUnchokeThenDownload(t *testing.T) {
	_, remote, conn, _, _, _ := setup(t)
	defer remote.Close()
	defer conn.Close()

	req := Request{PieceIndex: 0, Begin: 0, Length: 16384}
	conn.Enqueue(req)

	// Send Unchoke from the remote side.
	if _, err := remote.Write(wire.Message{ID: wire.MsgUnchoke}.Encode()); err != nil {
		t.Fatalf("writing Unchoke: %v", err)
	}

	interested := readMessageWithTimeout(t, remote, 2*time.Second)
	if interested == nil || interested.ID != wire.MsgInterested {
		t.Fatalf("expected Interested, got %+v", interested)
	}

	request := readMessageWithTimeout(t, remote, 2*time.Second)
	if request == nil || request.ID != wire.MsgRequest {
		t.Fatalf("expected Request, got %+v", request)
	}
	idx, begin, length, err := wire.ParseRequestTriple(*request)
	if err != nil || idx != req.PieceIndex || begin != req.Begin || length != req.Length {
		t.Fatalf("ParseRequestTriple = (%d,%d,%d,%v), want %+v", idx, begin, length, err, req)
	}
}

func TestPieceCompletesRequest(t *testing.T) {
	_, remote, conn, picker, _, _ := setup(t)
	defer remote.Close()
	defer conn.Close()

	req := Request{PieceIndex: 2, Begin: 0, Length: 4}
	conn.Enqueue(req)
	remote.Write(wire.Message{ID: wire.MsgUnchoke}.Encode())
	readMessageWithTimeout(t, remote, 2*time.Second) // Interested
	readMessageWithTimeout(t, remote, 2*time.Second) // Request

	block := []byte{1, 2, 3, 4}
	piece := wire.NewPieceMessage(req.PieceIndex, req.Begin, block)
	remote.Write(piece.Encode())

	select {
	case ev := <-conn.Events():
		dl, ok := ev.(Downloaded)
		if !ok {
			t.Fatalf("expected Downloaded event, got %+v", ev)
		}
		if dl.Request != req || !bytes.Equal(dl.Data, block) {
			t.Fatalf("Downloaded = %+v, want request %+v data %v", dl, req, block)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Downloaded event")
	}

	time.Sleep(50 * time.Millisecond)
	picker.mu.Lock()
	defer picker.mu.Unlock()
	if len(picker.completed) != 1 || picker.completed[0] != req {
		t.Fatalf("picker.completed = %v, want [%+v]", picker.completed, req)
	}
}

func TestUnexpectedPieceDisconnects(t *testing.T) {
	_, remote, conn, _, _, _ := setup(t)
	defer remote.Close()
	defer conn.Close()

	piece := wire.NewPieceMessage(99, 0, []byte{1})
	remote.Write(piece.Encode())

	select {
	case ev := <-conn.Events():
		d, ok := ev.(Disconnected)
		if !ok || !errors.Is(d.Reason, errs.ErrUnexpectedPiece) {
			t.Fatalf("expected Disconnected(ErrUnexpectedPiece), got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Disconnected event")
	}
}

func TestCheckRequestTimeoutFires(t *testing.T) {
	_, remote, conn, picker, clock, _ := setup(t)
	defer remote.Close()
	defer conn.Close()

	req := Request{PieceIndex: 0, Begin: 0, Length: 16384}
	conn.Enqueue(req)
	remote.Write(wire.Message{ID: wire.MsgUnchoke}.Encode())
	readMessageWithTimeout(t, remote, 2*time.Second) // Interested
	readMessageWithTimeout(t, remote, 2*time.Second) // Request

	time.Sleep(50 * time.Millisecond) // let scheduleCheckRequest register with the fake clock
	clock.Advance(11 * time.Second)

	select {
	case ev := <-conn.Events():
		d, ok := ev.(Disconnected)
		if !ok || !errors.Is(d.Reason, errs.ErrPeerDoesNotRespond) {
			t.Fatalf("expected Disconnected(ErrPeerDoesNotRespond), got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Disconnected event")
	}

	time.Sleep(50 * time.Millisecond)
	picker.mu.Lock()
	defer picker.mu.Unlock()
	found := false
	for _, r := range picker.unpicked {
		if r == req {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %+v to be unpicked, got %v", req, picker.unpicked)
	}
}

func TestUnchokeWaitTimeoutFires(t *testing.T) {
	_, remote, conn, picker, clock, _ := setup(t)
	defer remote.Close()
	defer conn.Close()

	req := Request{PieceIndex: 0, Begin: 0, Length: 16384}
	conn.Enqueue(req)

	// The peer starts out choking, so promote only sends Interested and
	// arms the unchoke-wait timer.
	interested := readMessageWithTimeout(t, remote, 2*time.Second)
	if interested == nil || interested.ID != wire.MsgInterested {
		t.Fatalf("expected Interested, got %+v", interested)
	}

	time.Sleep(50 * time.Millisecond) // let the timer register with the fake clock
	clock.Advance(31 * time.Second)

	select {
	case ev := <-conn.Events():
		d, ok := ev.(Disconnected)
		if !ok || !errors.Is(d.Reason, errs.ErrUnchokeTimeout) {
			t.Fatalf("expected Disconnected(ErrUnchokeTimeout), got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Disconnected event")
	}

	time.Sleep(50 * time.Millisecond)
	picker.mu.Lock()
	defer picker.mu.Unlock()
	found := false
	for _, r := range picker.unpicked {
		if r == req {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the still-queued %+v to be unpicked, got %v", req, picker.unpicked)
	}
}

func TestUnchokeBeforeTimeoutKeepsConnectionAlive(t *testing.T) {
	_, remote, conn, _, clock, _ := setup(t)
	defer remote.Close()
	defer conn.Close()

	req := Request{PieceIndex: 0, Begin: 0, Length: 16384}
	conn.Enqueue(req)
	readMessageWithTimeout(t, remote, 2*time.Second) // Interested

	remote.Write(wire.Message{ID: wire.MsgUnchoke}.Encode())
	readMessageWithTimeout(t, remote, 2*time.Second) // Request: queue now empty

	block := make([]byte, req.Length)
	remote.Write(wire.NewPieceMessage(req.PieceIndex, req.Begin, block).Encode())
	select {
	case ev := <-conn.Events():
		if _, ok := ev.(Downloaded); !ok {
			t.Fatalf("expected Downloaded event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Downloaded event")
	}

	// With the request completed and the queue drained, both the armed
	// unchoke-wait tick and the request-check tick must be no-ops.
	time.Sleep(50 * time.Millisecond)
	clock.Advance(31 * time.Second)

	select {
	case ev := <-conn.Events():
		t.Fatalf("expected no event after a timely unchoke, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDuplicateEnqueueWhilePendingIsNoOp(t *testing.T) {
	_, remote, conn, _, _, _ := setup(t)
	defer remote.Close()
	defer conn.Close()

	req := Request{PieceIndex: 0, Begin: 0, Length: 16384}
	conn.Enqueue(req)

	remote.Write(wire.Message{ID: wire.MsgUnchoke}.Encode())
	readMessageWithTimeout(t, remote, 2*time.Second) // Interested
	readMessageWithTimeout(t, remote, 2*time.Second) // Request: req now in pending

	// req is already in pending; a second Enqueue must not produce a second
	// Request frame or arm a second CheckRequest timer.
	conn.Enqueue(req)

	remote.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := wire.ReadMessage(remote)
	if err == nil {
		t.Fatal("expected no second Request frame for a duplicate enqueue of an already-pending request")
	}
}

func TestDuplicateEnqueueIsNoOp(t *testing.T) {
	_, remote, conn, _, _, _ := setup(t)
	defer remote.Close()
	defer conn.Close()

	req := Request{PieceIndex: 0, Begin: 0, Length: 16384}
	conn.Enqueue(req)
	conn.Enqueue(req) // duplicate, set semantics: no-op

	remote.Write(wire.Message{ID: wire.MsgUnchoke}.Encode())
	readMessageWithTimeout(t, remote, 2*time.Second) // Interested
	readMessageWithTimeout(t, remote, 2*time.Second) // Request

	// No second Request, nor any other frame, should arrive before the read
	// deadline.
	remote.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := wire.ReadMessage(remote)
	if err == nil {
		t.Fatal("expected no second Request frame for a duplicate enqueue")
	}
}

func TestZeroLengthPieceCompletesZeroLengthRequest(t *testing.T) {
	_, remote, conn, _, _, _ := setup(t)
	defer remote.Close()
	defer conn.Close()

	req := Request{PieceIndex: 0, Begin: 0, Length: 0}
	conn.Enqueue(req)
	remote.Write(wire.Message{ID: wire.MsgUnchoke}.Encode())
	readMessageWithTimeout(t, remote, 2*time.Second) // Interested
	readMessageWithTimeout(t, remote, 2*time.Second) // Request

	piece := wire.NewPieceMessage(0, 0, nil)
	remote.Write(piece.Encode())

	select {
	case ev := <-conn.Events():
		dl, ok := ev.(Downloaded)
		if !ok || dl.Request != req || len(dl.Data) != 0 {
			t.Fatalf("expected zero-length Downloaded for %+v, got %+v", req, ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Downloaded event")
	}
}
