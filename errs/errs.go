// Package errs defines the sentinel error kinds shared across the peer-wire
// and DHT layers. Callers compare with errors.Is; wrapped context is added
// with fmt.Errorf("...: %w", ...) at the call site.
package errs

import "errors"

var (
	// peer wire / connection errors
	ErrHandshakeFailed    = errors.New("handshake failed")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnexpectedPiece    = errors.New("unexpected piece")
	ErrPeerDoesNotRespond = errors.New("peer does not respond")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrReadTimeout        = errors.New("read timeout")
	ErrWriteTimeout       = errors.New("write timeout")
	ErrUnchokeTimeout     = errors.New("unchoke timeout")
	ErrInvalidChecksum    = errors.New("invalid checksum")

	// DHT errors
	ErrDhtTimeout     = errors.New("dht query timeout")
	ErrDhtMalformed   = errors.New("dht malformed message")
	ErrDhtRemoteError = errors.New("dht remote error")
)
