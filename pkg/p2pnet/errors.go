package p2pnet

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrTimeout is returned when a dial, stream open or relay operation
	// does not complete within its deadline. Callers distinguish it from
	// other failures with errors.Is.
	ErrTimeout = errors.New("timed out")

	// ErrRelayUnavailable is returned when the relay role cannot be started
	// or when joining a remote relay fails (unreachable, refused reservation).
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrInvalidPeerAddress is returned when a multiaddr does not carry a
	// /p2p/<peer-id> component or cannot be parsed.
	ErrInvalidPeerAddress = errors.New("invalid peer address")

	// ErrNotDirect is returned when a forced direct dial still yields a
	// relayed connection.
	ErrNotDirect = errors.New("connection is not direct")

	// ErrPeerMismatch is returned when a connection's authenticated remote
	// identity differs from the expected peer.
	ErrPeerMismatch = errors.New("remote peer mismatch")

	// ErrProtocolUnsupported is returned when the remote peer does not speak
	// the chat protocol after identify completes.
	ErrProtocolUnsupported = errors.New("protocol not supported by peer")

	// ErrConnClosed is returned when an operation targets a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotLibp2pConn is returned when a Conn value was not produced by
	// this package's host.
	ErrNotLibp2pConn = errors.New("not a libp2p connection")

	// ErrDHTDisabled is returned by FindPeer when peer routing is off.
	ErrDHTDisabled = errors.New("dht lookup disabled")
)

// wrapTimeout tags deadline errors with ErrTimeout so callers can match on
// either the sentinel or context.DeadlineExceeded.
func wrapTimeout(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
