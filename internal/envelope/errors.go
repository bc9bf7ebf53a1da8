package envelope

import "errors"

var (
	// ErrMalformed is returned by Decode and Reader.Next for payloads that
	// are not a recognizable envelope. The stream stays usable; callers
	// drop the frame and keep reading.
	ErrMalformed = errors.New("malformed envelope")

	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	// On read the stream is no longer aligned and must be closed.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrInvalidEnvelope is returned by Encode for values that have no
	// wire form.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)
