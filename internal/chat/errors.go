package chat

import "errors"

var (
	// ErrNoPeers is returned by SendChatMessage when no peer has an
	// active connection.
	ErrNoPeers = errors.New("no connected peers")

	// ErrNoSession is returned when a peer has no active connection to
	// open a chat stream on.
	ErrNoSession = errors.New("no active connection to peer")

	// ErrEmptyMessage is returned for blank chat text.
	ErrEmptyMessage = errors.New("empty chat message")
)
