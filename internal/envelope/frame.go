package envelope

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-msgio"
)

// MaxFrameSize bounds a single chat frame.
const MaxFrameSize = 64 << 10

// Reader reads varint length-prefixed envelopes from a stream.
type Reader struct {
	r msgio.ReadCloser
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: msgio.NewVarintReaderSize(r, MaxFrameSize)}
}

// Next returns the next envelope. Errors wrapping ErrMalformed leave the
// stream aligned and the caller may keep reading. io.EOF marks a clean end.
// Any other error is terminal.
func (r *Reader) Next() (Envelope, error) {
	msg, err := r.r.ReadMsg()
	if err != nil {
		if errors.Is(err, msgio.ErrMsgTooLarge) {
			return nil, fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
		}
		return nil, err
	}
	env, err := Decode(msg)
	r.r.ReleaseMsg(msg)
	return env, err
}

// Writer writes varint length-prefixed envelopes. Safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  msgio.WriteCloser
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: msgio.NewVarintWriter(w)}
}

// WriteEnvelope encodes e and writes it as one frame.
func (w *Writer) WriteEnvelope(e Envelope) error {
	b, err := Encode(e)
	if err != nil {
		return err
	}
	if len(b) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.WriteMsg(b)
}
