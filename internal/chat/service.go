// Package chat runs the chat channel: one outbound stream per peer on the
// peer's active connection, and a read loop per inbound stream. The same
// channel carries address adverts for the direct upgrade.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/multierr"

	"github.com/shurlinet/parley/internal/envelope"
	"github.com/shurlinet/parley/internal/session"
	"github.com/shurlinet/parley/pkg/p2pnet"
)

// Protocol is the chat channel protocol. Frames are varint length-prefixed
// JSON envelopes.
const Protocol protocol.ID = "/parley/chat/1.0.0"

// DefaultOpenTimeout bounds opening an outbound chat stream.
const DefaultOpenTimeout = 10 * time.Second

// Transport opens protocol streams on a specific connection.
// *p2pnet.Network satisfies it.
type Transport interface {
	OpenStream(ctx context.Context, c p2pnet.Conn, proto protocol.ID) (p2pnet.Stream, error)
}

// Sessions is the registry view the chat service needs.
// *session.Registry satisfies it.
type Sessions interface {
	ActiveConn(p peer.ID) p2pnet.Conn
	Touch(p peer.ID)
	ForEachActive(fn func(session.PeerSession))
}

// Config for a Service.
type Config struct {
	DisplayName string
	OpenTimeout time.Duration // 0 = DefaultOpenTimeout
	Clock       clock.Clock   // nil = wall clock
	Metrics     *p2pnet.Metrics

	// OnMessage receives every chat line read from a peer. Lines whose
	// timestamp could not be read are stamped with the local receive time.
	OnMessage func(peer.ID, envelope.ChatMessage)

	// OnAdvert receives address adverts. A returned error is logged and
	// the frame dropped.
	OnAdvert func(peer.ID, envelope.AddressAdvert) error
}

type outbound struct {
	connID string
	s      p2pnet.Stream
	w      *envelope.Writer
}

// Service sends and receives chat envelopes.
type Service struct {
	tr       Transport
	sessions Sessions
	cfg      Config
	clock    clock.Clock

	mu   sync.Mutex
	name string
	out  map[peer.ID]*outbound
}

// New creates a chat Service. Register StreamHandler for Protocol to
// receive.
func New(tr Transport, sessions Sessions, cfg Config) *Service {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		tr:       tr,
		sessions: sessions,
		cfg:      cfg,
		clock:    clk,
		name:     cfg.DisplayName,
		out:      make(map[peer.ID]*outbound),
	}
}

// SetDisplayName sets the username sent with outgoing chat lines.
func (s *Service) SetDisplayName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// DisplayName returns the current username.
func (s *Service) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// StreamHandler returns the inbound handler for Protocol. It reads until
// the remote closes the stream.
func (s *Service) StreamHandler() network.StreamHandler {
	return func(st network.Stream) {
		defer st.Close()
		p := st.Conn().RemotePeer()
		s.sessions.Touch(p)
		s.readLoop(p, st)
	}
}

// readLoop delivers envelopes from r. Malformed frames are dropped and the
// loop continues; end of stream or a framing error ends it.
func (s *Service) readLoop(p peer.ID, r io.Reader) {
	short := p2pnet.ShortID(p)
	fr := envelope.NewReader(r)
	for {
		env, err := fr.Next()
		switch {
		case err == nil:
		case errors.Is(err, envelope.ErrMalformed):
			slog.Debug("chat: dropped malformed frame", "peer", short, "error", err)
			s.drop("malformed")
			continue
		case errors.Is(err, io.EOF):
			slog.Debug("chat: stream closed by peer", "peer", short)
			return
		default:
			if errors.Is(err, envelope.ErrFrameTooLarge) {
				s.drop("oversize")
			}
			slog.Debug("chat: read loop ended", "peer", short, "error", err)
			return
		}

		s.sessions.Touch(p)
		switch v := env.(type) {
		case envelope.ChatMessage:
			if v.Time.IsZero() {
				v.Time = s.clock.Now().UTC()
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.ChatMessagesTotal.WithLabelValues("in").Inc()
			}
			if s.cfg.OnMessage != nil {
				s.cfg.OnMessage(p, v)
			}
		case envelope.AddressAdvert:
			if s.cfg.OnAdvert == nil {
				continue
			}
			if err := s.cfg.OnAdvert(p, v); err != nil {
				slog.Debug("chat: advert rejected", "peer", short, "addr", v.Addr, "error", err)
				s.drop("advert_rejected")
			}
		}
	}
}

func (s *Service) drop(reason string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.EnvelopeDropsTotal.WithLabelValues(reason).Inc()
	}
}

// stream returns the outbound stream to p, opening one on p's active
// connection if there is none or the active connection has changed.
func (s *Service) stream(ctx context.Context, p peer.ID) (*outbound, error) {
	conn := s.sessions.ActiveConn(p)
	if conn == nil || conn.IsClosed() {
		return nil, ErrNoSession
	}

	s.mu.Lock()
	if o, ok := s.out[p]; ok {
		if o.connID == conn.ID() {
			s.mu.Unlock()
			return o, nil
		}
		delete(s.out, p)
		_ = o.s.Close()
	}
	s.mu.Unlock()

	octx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()
	st, err := s.tr.OpenStream(octx, conn, Protocol)
	if err != nil {
		return nil, fmt.Errorf("open chat stream to %s: %w", p2pnet.ShortID(p), err)
	}
	o := &outbound{connID: conn.ID(), s: st, w: envelope.NewWriter(st)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.out[p]; ok && cur.connID == o.connID {
		// Lost a race with another sender on the same connection.
		_ = st.Reset()
		return cur, nil
	}
	s.out[p] = o
	return o, nil
}

func (s *Service) send(ctx context.Context, p peer.ID, env envelope.Envelope) error {
	o, err := s.stream(ctx, p)
	if err != nil {
		return err
	}
	if err := o.w.WriteEnvelope(env); err != nil {
		s.mu.Lock()
		if s.out[p] == o {
			delete(s.out, p)
		}
		s.mu.Unlock()
		_ = o.s.Reset()
		return fmt.Errorf("write to %s: %w", p2pnet.ShortID(p), err)
	}
	return nil
}

// SendAdvert sends an address advert to p over its active connection.
func (s *Service) SendAdvert(ctx context.Context, p peer.ID, adv envelope.AddressAdvert) error {
	return s.send(ctx, p, adv)
}

// SendChatMessage sends text to every peer with an active connection and
// returns how many peers it reached.
func (s *Service) SendChatMessage(ctx context.Context, text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyMessage
	}
	msg := envelope.ChatMessage{
		Username: s.DisplayName(),
		Time:     s.clock.Now().UTC(),
		Text:     text,
	}

	var peers []peer.ID
	s.sessions.ForEachActive(func(ps session.PeerSession) {
		peers = append(peers, ps.PeerID)
	})
	if len(peers) == 0 {
		return 0, ErrNoPeers
	}

	var (
		err  error
		sent int
	)
	for _, p := range peers {
		if sendErr := s.send(ctx, p, msg); sendErr != nil {
			err = multierr.Append(err, sendErr)
			continue
		}
		sent++
	}
	if s.cfg.Metrics != nil && sent > 0 {
		s.cfg.Metrics.ChatMessagesTotal.WithLabelValues("out").Add(float64(sent))
	}
	return sent, err
}

// Close closes all outbound streams.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for p, o := range s.out {
		err = multierr.Append(err, o.s.Close())
		delete(s.out, p)
	}
	return err
}
