package voice

import "errors"

var (
	// ErrNoSession is returned by InitiateCall when the peer has no active
	// connection in the session registry.
	ErrNoSession = errors.New("no session for peer")

	// ErrAlreadyInCall is returned by InitiateCall when a call is already
	// in progress. Hang up first; calls are never queued.
	ErrAlreadyInCall = errors.New("already in a call")

	// ErrNoActiveStream is returned by SendAudioChunk outside an active call.
	ErrNoActiveStream = errors.New("no active voice stream")

	// ErrNotRinging is returned by Answer when there is no incoming call
	// waiting to be answered.
	ErrNotRinging = errors.New("no incoming call to answer")

	// ErrCallCancelled is returned by InitiateCall when the call was ended
	// or replaced while its stream was being opened.
	ErrCallCancelled = errors.New("call cancelled while connecting")

	// ErrChunkTooLarge is returned for audio chunks above the frame limit.
	ErrChunkTooLarge = errors.New("audio chunk too large")
)
