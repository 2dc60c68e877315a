// Package peerconn implements the per-peer TCP session: handshake, frame
// I/O, choke/interest state machine, and the request pipeline with timeout.
// All state lives in a single command-processor goroutine fed by a reader
// goroutine and timer ticks, so no mutation ever needs a lock.
package peerconn

import (
	"fmt"
	"net"
	"time"

	"github.com/TorrentDamDev/bittorrent/collab"
	"github.com/TorrentDamDev/bittorrent/errs"
	"github.com/TorrentDamDev/bittorrent/wire"
)

const (
	handshakeTimeout  = 5 * time.Second
	requestTimeout    = 10 * time.Second
	unchokeTimeout    = 30 * time.Second
	keepaliveInterval = 2 * time.Minute
)

// Event is emitted on a Connection's event stream.
type Event interface{ isEvent() }

// Downloaded is emitted when a pending Request's Piece arrives.
type Downloaded struct {
	Request Request
	Data    []byte
}

func (Downloaded) isEvent() {}

// Disconnected is emitted exactly once, when the connection terminates.
type Disconnected struct {
	Reason error
}

func (Disconnected) isEvent() {}

// command is the single-consumer queue's tagged variant set.
type command interface{ isCommand() }

type cmdPeerMessage struct{ msg *wire.Message }
type cmdSendKeepAlive struct{}
type cmdDownload struct{ req Request }
type cmdCheckRequest struct{ req Request }
type cmdCheckUnchoke struct{}
type cmdInterested struct{}

func (cmdPeerMessage) isCommand()   {}
func (cmdSendKeepAlive) isCommand() {}
func (cmdDownload) isCommand()      {}
func (cmdCheckRequest) isCommand()  {}
func (cmdCheckUnchoke) isCommand()  {}
func (cmdInterested) isCommand()    {}

// Connection is a live peer session. All exported methods are safe to call
// from any goroutine; they only ever enqueue a command.
type Connection struct {
	peerID   wire.PeerID
	addr     wire.PeerInfo
	infoHash wire.InfoHash
	conn     net.Conn
	picker   collab.PiecePicker
	clock    collab.Clock
	logger   collab.Logger

	commands chan command
	events   chan Event
	done     chan struct{}
	closed   bool
}

// Connect performs the handshake over socket with a 5s timeout each
// direction, then starts the reader and command-processor tasks. It fails
// with errs.ErrHandshakeFailed if bytes mismatch, the socket closes, or the
// returned infohash does not match ours.
func Connect(
	selfID wire.PeerID,
	peer wire.PeerInfo,
	infoHash wire.InfoHash,
	socket net.Conn,
	picker collab.PiecePicker,
	clock collab.Clock,
	logger collab.Logger,
) (*Connection, error) {
	if err := socket.SetWriteDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("%w: setting write deadline: %v", errs.ErrHandshakeFailed, err)
	}
	out := wire.Handshake{InfoHash: infoHash, PeerID: wire.PeerID(selfID)}
	if _, err := socket.Write(out.Encode()); err != nil {
		return nil, fmt.Errorf("%w: sending handshake: %v", errs.ErrHandshakeFailed, err)
	}

	if err := socket.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("%w: setting read deadline: %v", errs.ErrHandshakeFailed, err)
	}
	in, err := wire.DecodeHandshake(socket)
	if err != nil {
		return nil, err
	}
	if in.InfoHash != infoHash {
		return nil, fmt.Errorf("%w: infohash mismatch", errs.ErrHandshakeFailed)
	}

	socket.SetReadDeadline(time.Time{})
	socket.SetWriteDeadline(time.Time{})

	c := &Connection{
		peerID:   in.PeerID,
		addr:     peer,
		infoHash: infoHash,
		conn:     socket,
		picker:   picker,
		clock:    clock,
		logger:   logger,
		commands: make(chan command, 64),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}

	go c.readLoop()
	go c.processLoop()
	c.scheduleKeepAlive()

	return c, nil
}

// PeerID returns the remote peer's id, as returned in the handshake.
func (c *Connection) PeerID() wire.PeerID { return c.peerID }

// Events returns the connection's event stream. It is closed after the
// single Disconnected event is emitted.
func (c *Connection) Events() <-chan Event { return c.events }

// Enqueue adds req to the download queue, promoting it to the wire
// immediately if the peer is not choking us.
func (c *Connection) Enqueue(req Request) {
	c.post(cmdDownload{req: req})
}

// Interested sends an Interested message if one has not been sent since the
// last NotInterested, without requiring a queued Request.
func (c *Connection) Interested() {
	c.post(cmdInterested{})
}

// Close tears down the connection from the outside. Any pending requests are
// relinquished to the PiecePicker and a single Disconnected event follows.
func (c *Connection) Close() {
	c.fail(errs.ErrConnectionClosed)
}

func (c *Connection) post(cmd command) {
	select {
	case c.commands <- cmd:
	case <-c.done:
	}
}

func (c *Connection) readLoop() {
	for {
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			select {
			case c.commands <- readErrCmd{err: err}:
			case <-c.done:
			}
			return
		}
		c.post(cmdPeerMessage{msg: msg})
	}
}

// readErrCmd carries a fatal read-side error into the processor loop.
type readErrCmd struct{ err error }

func (readErrCmd) isCommand() {}

func (c *Connection) scheduleKeepAlive() {
	c.afterDelay(keepaliveInterval, cmdSendKeepAlive{})
}

func (c *Connection) scheduleCheckRequest(req Request) {
	c.afterDelay(requestTimeout, cmdCheckRequest{req: req})
}

func (c *Connection) afterDelay(d time.Duration, cmd command) {
	go func() {
		select {
		case <-c.clock.After(d):
			c.post(cmd)
		case <-c.done:
		}
	}()
}

// processLoop is the single mutator of ConnectionState; it is the only
// goroutine that ever touches the fields below.
func (c *Connection) processLoop() {
	state := &connState{amChoking: true, peerChoking: true, queue: newRequestSet(), pending: newRequestSet()}
	lastMessageAt := c.clock.Now()

	finish := func(reason error) {
		for _, r := range state.pending.order {
			c.picker.Unpick(r)
		}
		for _, r := range state.queue.order {
			c.picker.Unpick(r)
		}
		c.conn.Close()
		c.events <- Disconnected{Reason: reason}
		close(c.events)
		close(c.done)
	}

	for {
		select {
		case cmd := <-c.commands:
			switch v := cmd.(type) {
			case readErrCmd:
				finish(v.err)
				return

			case cmdPeerMessage:
				if v.msg != nil {
					if err := c.handlePeerMessage(state, *v.msg); err != nil {
						finish(err)
						return
					}
				}

			case cmdSendKeepAlive:
				if c.clock.Now().Sub(lastMessageAt) > keepaliveInterval {
					if _, err := c.conn.Write(wire.EncodeKeepAlive()); err != nil {
						finish(fmt.Errorf("%w: %v", errs.ErrWriteTimeout, err))
						return
					}
				}
				c.scheduleKeepAlive()

			case cmdDownload:
				if !state.pending.Contains(v.req) {
					state.queue.Add(v.req)
				}
				if err := c.promote(state); err != nil {
					finish(err)
					return
				}

			case cmdCheckRequest:
				if state.queue.Contains(v.req) || state.pending.Contains(v.req) {
					finish(fmt.Errorf("%w: request %+v", errs.ErrPeerDoesNotRespond, v.req))
					return
				}

			case cmdCheckUnchoke:
				state.unchokeArmed = false
				if state.peerChoking && state.queue.Len() > 0 {
					finish(errs.ErrUnchokeTimeout)
					return
				}

			case cmdInterested:
				if !state.amInterested {
					if _, err := c.conn.Write(wire.Message{ID: wire.MsgInterested}.Encode()); err != nil {
						finish(fmt.Errorf("%w: sending Interested: %v", errs.ErrWriteTimeout, err))
						return
					}
					state.amInterested = true
				}
			}

			lastMessageAt = c.clock.Now()

		case <-c.done:
			return
		}
	}
}

// connState is the per-connection wire state, owned exclusively by
// processLoop.
type connState struct {
	amChoking, amInterested     bool
	peerChoking, peerInterested bool
	unchokeArmed                bool
	peerBitfield                []byte
	queue, pending              *requestSet
}

func (c *Connection) handlePeerMessage(state *connState, m wire.Message) error {
	switch m.ID {
	case wire.MsgChoke:
		state.peerChoking = true

	case wire.MsgUnchoke:
		state.peerChoking = false
		return c.promote(state)

	case wire.MsgInterested:
		state.peerInterested = true

	case wire.MsgNotInterested:
		state.peerInterested = false

	case wire.MsgBitfield:
		state.peerBitfield = append([]byte(nil), m.Payload...)

	case wire.MsgHave:
		idx, err := wire.ParseHave(m)
		if err != nil {
			return err
		}
		state.peerBitfield = wire.SetPiece(state.peerBitfield, int(idx))

	case wire.MsgPiece:
		idx, begin, block, err := wire.ParsePiece(m)
		if err != nil {
			return err
		}
		req := Request{PieceIndex: idx, Begin: begin, Length: uint32(len(block))}
		if !state.pending.Contains(req) {
			return fmt.Errorf("%w: %+v", errs.ErrUnexpectedPiece, req)
		}
		state.pending.Remove(req)
		c.picker.Complete(req, block)
		c.events <- Downloaded{Request: req, Data: block}
		return c.promote(state)

	default:
		// Port and any forward-compatible/extension ids are ignored.
	}
	return nil
}

// promote sends Interested if needed, then, while unchoked, moves the
// head of queue to pending and transmits a Request, arming its timeout.
// While choked with work queued it instead arms the unchoke-wait timer.
func (c *Connection) promote(state *connState) error {
	if !state.amInterested {
		if _, err := c.conn.Write(wire.Message{ID: wire.MsgInterested}.Encode()); err != nil {
			return fmt.Errorf("%w: sending Interested: %v", errs.ErrWriteTimeout, err)
		}
		state.amInterested = true
	}

	if state.peerChoking {
		if !state.unchokeArmed && state.queue.Len() > 0 {
			state.unchokeArmed = true
			c.afterDelay(unchokeTimeout, cmdCheckUnchoke{})
		}
		return nil
	}

	req, ok := state.queue.PopFront()
	if !ok {
		return nil
	}
	if !state.pending.Add(req) {
		return nil
	}

	msg := wire.NewRequestMessage(req.PieceIndex, req.Begin, req.Length)
	if _, err := c.conn.Write(msg.Encode()); err != nil {
		return fmt.Errorf("%w: sending Request: %v", errs.ErrWriteTimeout, err)
	}
	c.scheduleCheckRequest(req)
	return nil
}

func (c *Connection) fail(reason error) {
	select {
	case c.commands <- readErrCmd{err: reason}:
	case <-c.done:
	}
}
