package session

import "errors"

var (
	// ErrConnClosed is returned when SetConnectionState is handed a
	// connection that has already closed. The active reference never
	// points at a closed connection.
	ErrConnClosed = errors.New("connection already closed")

	// ErrWrongPeer is returned when a connection's remote peer is not the
	// session's peer.
	ErrWrongPeer = errors.New("connection belongs to a different peer")

	// ErrInvalidState is returned for transitions to an unrecognized state.
	ErrInvalidState = errors.New("invalid session state")
)
