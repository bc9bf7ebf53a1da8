// Package voice runs the single process-wide voice call. At most one call
// exists at a time; an incoming call replaces the current one.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"

	"github.com/shurlinet/parley/pkg/p2pnet"
)

// Phase is the call state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseCalling     Phase = "calling"
	PhaseRinging     Phase = "ringing"
	PhaseActive      Phase = "active"
	PhaseTerminating Phase = "terminating"
)

// Direction of the current call.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

const (
	DefaultOpenTimeout   = 10 * time.Second
	DefaultMaxChunkBytes = 64 << 10

	// Termination reasons carried in EventTerminated.
	ReasonReplaced   = "replaced by new incoming call"
	ReasonHangup     = "hangup"
	ReasonRemoteEnd  = "remote hung up"
	ReasonShutdown   = "shutting down"
	reasonStreamLost = "stream closed"
)

// Stream is a bidirectional voice stream. libp2p network.Stream satisfies it.
type Stream interface {
	io.ReadWriteCloser
	Reset() error
}

// Opener opens an outgoing voice stream on a specific connection.
type Opener interface {
	OpenVoiceStream(ctx context.Context, c p2pnet.Conn) (Stream, error)
}

// Sessions resolves a peer to the connection calls should use and records
// inbound voice traffic against it. *session.Registry satisfies it.
type Sessions interface {
	ActiveConn(p peer.ID) p2pnet.Conn
	Touch(p peer.ID)
}

// EventKind identifies a controller event.
type EventKind string

const (
	EventIncoming   EventKind = "incoming_call"
	EventChunk      EventKind = "voice_chunk"
	EventTerminated EventKind = "call_terminated"
)

// Event is delivered to Config.OnEvent in the order transitions happen.
type Event struct {
	Kind   EventKind
	CallID string
	Peer   peer.ID
	Reason string // EventTerminated only
	Chunk  []byte // EventChunk only
}

// Config for a Controller.
type Config struct {
	// AutoAnswer moves an incoming call straight from Ringing to Active.
	AutoAnswer bool

	OpenTimeout   time.Duration // 0 = DefaultOpenTimeout
	MaxChunkBytes int           // 0 = DefaultMaxChunkBytes

	Metrics *p2pnet.Metrics // nil = disabled

	// OnEvent receives events outside the controller lock. It must not
	// call back into the Controller synchronously.
	OnEvent func(Event)
}

// CallState is a snapshot of the current call.
type CallState struct {
	Phase     Phase     `json:"phase"`
	CallID    string    `json:"call_id,omitempty"`
	Peer      peer.ID   `json:"peer,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Started   time.Time `json:"started,omitempty"`
}

// Controller owns the voice call state. Every transition re-checks the
// phase under the lock because it may have changed while I/O was pending.
type Controller struct {
	cfg      Config
	sessions Sessions
	opener   Opener

	mu      sync.Mutex
	phase   Phase
	gen     uint64 // bumped whenever the current call changes identity
	callID  string
	peer    peer.ID
	dir     Direction
	started time.Time
	stream  Stream
	writer  msgio.WriteCloser
	pending []Event

	emitMu  sync.Mutex // keeps event delivery in transition order
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates an idle Controller.
func New(sessions Sessions, opener Opener, cfg Config) *Controller {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	return &Controller{
		cfg:      cfg,
		sessions: sessions,
		opener:   opener,
		phase:    PhaseIdle,
	}
}

// unlock releases c.mu and delivers the events queued while it was held.
func (c *Controller) unlock() {
	evs := c.pending
	c.pending = nil
	if len(evs) == 0 || c.cfg.OnEvent == nil {
		c.mu.Unlock()
		return
	}
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	for _, ev := range evs {
		c.cfg.OnEvent(ev)
	}
}

func (c *Controller) count(event string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.VoiceCallsTotal.WithLabelValues(event).Inc()
	}
}

// State returns the current call state.
func (c *Controller) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CallState{
		Phase:     c.phase,
		CallID:    c.callID,
		Peer:      c.peer,
		Direction: c.dir,
		Started:   c.started,
	}
}

// InitiateCall opens a voice stream to p over its active connection and
// returns the new call ID once the stream is open.
func (c *Controller) InitiateCall(ctx context.Context, p peer.ID) (string, error) {
	conn := c.sessions.ActiveConn(p)
	if conn == nil || conn.IsClosed() {
		return "", ErrNoSession
	}

	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return "", ErrAlreadyInCall
	}
	c.gen++
	gen := c.gen
	c.phase = PhaseCalling
	c.callID = uuid.NewString()
	c.peer = p
	c.dir = Outgoing
	c.started = time.Now()
	callID := c.callID
	c.mu.Unlock()

	slog.Info("voice: calling", "peer", p2pnet.ShortID(p), "call", callID)
	c.count("initiated")

	octx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	s, err := c.opener.OpenVoiceStream(octx, conn)
	cancel()

	c.mu.Lock()
	if c.gen != gen || c.phase != PhaseCalling {
		c.unlock()
		if s != nil {
			_ = s.Reset()
		}
		return "", ErrCallCancelled
	}
	if err != nil {
		c.clearLocked()
		c.unlock()
		c.count("failed")
		slog.Info("voice: call failed", "peer", p2pnet.ShortID(p), "error", err)
		return "", fmt.Errorf("open voice stream: %w", err)
	}
	c.stream = s
	c.activateLocked()
	c.unlock()
	return callID, nil
}

// HandleIncoming accepts a voice stream opened by p. Any call already in
// progress is terminated first: the last caller wins.
func (c *Controller) HandleIncoming(p peer.ID, s Stream) {
	c.sessions.Touch(p)

	c.mu.Lock()
	if c.phase != PhaseIdle {
		slog.Info("voice: replacing current call", "old", p2pnet.ShortID(c.peer), "new", p2pnet.ShortID(p))
		c.count("replaced")
		c.terminateLocked(ReasonReplaced)
	}
	c.gen++
	c.phase = PhaseRinging
	c.callID = uuid.NewString()
	c.peer = p
	c.dir = Incoming
	c.started = time.Now()
	c.stream = s
	c.pending = append(c.pending, Event{Kind: EventIncoming, CallID: c.callID, Peer: p})
	c.count("incoming")
	slog.Info("voice: incoming call", "peer", p2pnet.ShortID(p), "call", c.callID)

	if c.cfg.AutoAnswer {
		c.activateLocked()
	}
	c.unlock()
}

// Answer accepts a ringing incoming call.
func (c *Controller) Answer() error {
	c.mu.Lock()
	if c.phase != PhaseRinging {
		c.mu.Unlock()
		return ErrNotRinging
	}
	c.activateLocked()
	c.unlock()
	return nil
}

// activateLocked moves a Calling or Ringing call to Active and starts the
// inbound audio loop. Must be called with c.mu held.
func (c *Controller) activateLocked() {
	c.phase = PhaseActive
	c.writer = msgio.NewVarintWriter(c.stream)
	c.count("active")
	slog.Info("voice: call active", "peer", p2pnet.ShortID(c.peer), "call", c.callID, "direction", c.dir)

	c.wg.Add(1)
	go c.readLoop(c.gen, c.stream, c.peer, c.callID)
}

// SendAudioChunk writes one audio chunk to the active call. A write error
// other than a deadline ends the call.
func (c *Controller) SendAudioChunk(b []byte) error {
	if len(b) > c.cfg.MaxChunkBytes {
		return fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(b))
	}

	c.mu.Lock()
	if c.phase != PhaseActive {
		c.mu.Unlock()
		return ErrNoActiveStream
	}
	gen := c.gen
	w := c.writer
	c.mu.Unlock()

	if len(b) == 0 {
		return nil
	}

	c.writeMu.Lock()
	err := w.WriteMsg(b)
	c.writeMu.Unlock()
	if err != nil {
		if !isTimeout(err) {
			c.endIfCurrent(gen, reasonStreamLost+": "+err.Error())
		}
		return fmt.Errorf("send audio: %w", err)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.VoiceChunksTotal.WithLabelValues("out").Inc()
	}
	return nil
}

// Terminate ends the current call with reason. With no call in progress
// it does nothing and returns nil.
func (c *Controller) Terminate(reason string) error {
	c.mu.Lock()
	c.terminateLocked(reason)
	c.unlock()
	return nil
}

// Close ends any call and waits for the audio loop to exit.
func (c *Controller) Close() error {
	err := c.Terminate(ReasonShutdown)
	c.wg.Wait()
	return err
}

// terminateLocked closes the stream and queues the termination event.
// Close errors are logged only. Must be called with c.mu held.
func (c *Controller) terminateLocked(reason string) {
	if c.phase == PhaseIdle {
		return
	}
	c.phase = PhaseTerminating
	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			slog.Debug("voice: close stream", "error", err)
			_ = c.stream.Reset()
		}
	}
	c.pending = append(c.pending, Event{Kind: EventTerminated, CallID: c.callID, Peer: c.peer, Reason: reason})
	c.count("terminated")
	slog.Info("voice: call ended", "peer", p2pnet.ShortID(c.peer), "call", c.callID, "reason", reason)
	c.clearLocked()
}

func (c *Controller) clearLocked() {
	c.gen++
	c.phase = PhaseIdle
	c.callID = ""
	c.peer = ""
	c.dir = ""
	c.started = time.Time{}
	c.stream = nil
	c.writer = nil
}

// endIfCurrent terminates the call only if it is still the one identified
// by gen.
func (c *Controller) endIfCurrent(gen uint64, reason string) {
	c.mu.Lock()
	if c.gen == gen {
		c.terminateLocked(reason)
	}
	c.unlock()
}

func (c *Controller) readLoop(gen uint64, s Stream, p peer.ID, callID string) {
	defer c.wg.Done()
	r := msgio.NewVarintReaderSize(s, c.cfg.MaxChunkBytes)
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			reason := ReasonRemoteEnd
			if !errors.Is(err, io.EOF) {
				reason = reasonStreamLost + ": " + err.Error()
			}
			c.endIfCurrent(gen, reason)
			return
		}
		c.sessions.Touch(p)
		if len(msg) == 0 {
			r.ReleaseMsg(msg)
			continue
		}
		chunk := make([]byte, len(msg))
		copy(chunk, msg)
		r.ReleaseMsg(msg)

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.pending = append(c.pending, Event{Kind: EventChunk, CallID: callID, Peer: p, Chunk: chunk})
		c.unlock()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.VoiceChunksTotal.WithLabelValues("in").Inc()
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
