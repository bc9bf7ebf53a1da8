package node

import "errors"

var (
	// ErrInvalidDisplayName is returned for a blank display name.
	ErrInvalidDisplayName = errors.New("display name must not be blank")

	// ErrNotStarted is returned by operations that need Start to have run.
	ErrNotStarted = errors.New("node not started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("node closed")
)
