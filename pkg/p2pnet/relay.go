package p2pnet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	relayclient "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Relay tuning.
const (
	// DefaultRelaySettleDelay is how long Join waits after the
	// reservation before reading the host's addresses. The circuit address
	// shows up asynchronously once the address manager notices the
	// reservation; the delay is a heuristic, not a protocol guarantee.
	DefaultRelaySettleDelay = 2 * time.Second

	// DefaultReservationRefresh is how often a held reservation is renewed.
	// Relays expire reservations after their TTL (1h by default).
	DefaultReservationRefresh = 30 * time.Minute

	// relayConnectTimeout bounds the initial connection to the relay.
	relayConnectTimeout = 15 * time.Second
)

// DefaultRelayResources is the unlimited profile used when a node acts as
// a relay for its own chat group: many reservations, no per-circuit data or
// duration cap so relayed voice calls are not cut off.
func DefaultRelayResources() relayv2.Resources {
	rc := relayv2.DefaultResources()
	rc.Limit = nil
	rc.MaxReservations = 1 << 16
	rc.MaxCircuits = 64
	rc.MaxReservationsPerIP = 1 << 10
	rc.MaxReservationsPerASN = 1 << 12
	return rc
}

// RelayRole runs the circuit relay v2 service on this node's host.
type RelayRole struct {
	relay *relayv2.Relay
}

// Close stops the relay service.
func (r *RelayRole) Close() error {
	if r.relay == nil {
		return nil
	}
	err := r.relay.Close()
	r.relay = nil
	slog.Info("relay: role stopped")
	return err
}

// StartRelayRole starts serving as a circuit relay and returns the address
// other nodes should join through (listen address plus /p2p/<self>).
// Calling it again while the role is running returns the same address.
func (n *Network) StartRelayRole(res relayv2.Resources) (ma.Multiaddr, error) {
	n.relayMu.Lock()
	defer n.relayMu.Unlock()

	if n.relay == nil {
		r, err := relayv2.New(n.host, relayv2.WithResources(res))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
		}
		n.relay = &RelayRole{relay: r}
		slog.Info("relay: role started",
			"max_reservations", res.MaxReservations,
			"max_circuits", res.MaxCircuits,
			"limited", res.Limit != nil,
		)
	}

	addr, ok := pickRelayListenAddr(n.host.Addrs())
	if !ok {
		return nil, fmt.Errorf("%w: host has no listen addresses", ErrRelayUnavailable)
	}
	full, err := WithPeer(addr, n.host.ID())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return full, nil
}

// StopRelayRole stops the relay service if it is running.
func (n *Network) StopRelayRole() error {
	n.relayMu.Lock()
	defer n.relayMu.Unlock()
	if n.relay == nil {
		return nil
	}
	err := n.relay.Close()
	n.relay = nil
	return err
}

// RelayRoleActive reports whether this node is serving as a relay.
func (n *Network) RelayRoleActive() bool {
	n.relayMu.Lock()
	defer n.relayMu.Unlock()
	return n.relay != nil
}

// pickRelayListenAddr prefers public, then private, then loopback
// non-circuit addresses. TCP wins ties since every client can dial it.
func pickRelayListenAddr(addrs []ma.Multiaddr) (ma.Multiaddr, bool) {
	rank := func(a ma.Multiaddr) int {
		d := Describe(a)
		var r int
		switch {
		case d.Public:
		case manet.IsIPLoopback(a):
			r = 20
		default:
			r = 10
		}
		if d.Transport != "tcp" {
			r++
		}
		return r
	}
	var best ma.Multiaddr
	bestRank := 1 << 30
	for _, a := range addrs {
		if IsRelayed(a) || manet.IsIPUnspecified(a) {
			continue
		}
		if r := rank(a); r < bestRank {
			best, bestRank = a, r
		}
	}
	return best, best != nil
}

// RelayBootstrap joins a remote relay: it connects, reserves a slot,
// reports the resulting circuit address and keeps the reservation fresh.
type RelayBootstrap struct {
	host        host.Host
	clock       clock.Clock
	settleDelay time.Duration
	refresh     time.Duration
	metrics     *Metrics // nil-safe

	mu      sync.Mutex
	relay   peer.AddrInfo
	addr    ma.Multiaddr
	expires time.Time
}

// RelayBootstrapConfig configures NewRelayBootstrap. Zero values pick defaults.
type RelayBootstrapConfig struct {
	SettleDelay time.Duration
	Refresh     time.Duration
	Clock       clock.Clock
	Metrics     *Metrics
}

// NewRelayBootstrap creates a RelayBootstrap for n's host.
func NewRelayBootstrap(n *Network, cfg RelayBootstrapConfig) *RelayBootstrap {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultRelaySettleDelay
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultReservationRefresh
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = n.metrics
	}
	return &RelayBootstrap{
		host:        n.host,
		clock:       cfg.Clock,
		settleDelay: cfg.SettleDelay,
		refresh:     cfg.Refresh,
		metrics:     cfg.Metrics,
	}
}

// Join connects to the relay at relayAddr, makes a reservation, waits for
// the settle delay and returns a circuit address (ending in /p2p/<self>)
// that other peers can dial to reach this node through the relay.
func (b *RelayBootstrap) Join(ctx context.Context, relayAddr string) (ma.Multiaddr, error) {
	ai, err := peer.AddrInfoFromString(relayAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPeerAddress, relayAddr, err)
	}
	if ai.ID == b.host.ID() {
		return nil, fmt.Errorf("%w: relay address names this node", ErrInvalidPeerAddress)
	}

	short := ShortID(ai.ID)
	cctx, cancel := context.WithTimeout(ctx, relayConnectTimeout)
	err = b.host.Connect(cctx, *ai)
	cancel()
	if err != nil {
		b.countReservation("failure")
		return nil, fmt.Errorf("%w: connect %s: %w", ErrRelayUnavailable, short, wrapTimeout("connect", err))
	}

	rsvp, err := b.reserve(ctx, *ai)
	if err != nil {
		return nil, err
	}

	select {
	case <-b.clock.After(b.settleDelay):
	case <-ctx.Done():
		return nil, wrapTimeout("relay settle", ctx.Err())
	}

	addr, err := b.circuitAddr(*ai, rsvp)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.relay = *ai
	b.addr = addr
	b.mu.Unlock()

	slog.Info("relay: joined", "relay", short, "addr", addr.String())
	return addr, nil
}

func (b *RelayBootstrap) reserve(ctx context.Context, ai peer.AddrInfo) (*relayclient.Reservation, error) {
	rctx, cancel := context.WithTimeout(ctx, relayConnectTimeout)
	defer cancel()
	rsvp, err := relayclient.Reserve(rctx, b.host, ai)
	if err != nil {
		b.countReservation("failure")
		return nil, fmt.Errorf("%w: reserve on %s: %w", ErrRelayUnavailable, ShortID(ai.ID), wrapTimeout("reserve", err))
	}
	b.countReservation("success")

	b.mu.Lock()
	b.expires = rsvp.Expiration
	b.mu.Unlock()
	slog.Debug("relay: reservation held", "relay", ShortID(ai.ID), "expires", rsvp.Expiration.Format(time.RFC3339))
	return rsvp, nil
}

// circuitAddr prefers the circuit address the host itself announces and
// falls back to building one from the reservation's relay addresses.
func (b *RelayBootstrap) circuitAddr(ai peer.AddrInfo, rsvp *relayclient.Reservation) (ma.Multiaddr, error) {
	if a, ok := SelectRelayAddr(b.host.Addrs(), ai.ID); ok {
		return WithPeer(a, b.host.ID())
	}

	candidates := ai.Addrs
	if rsvp != nil && len(rsvp.Addrs) > 0 {
		candidates = rsvp.Addrs
	}
	base, ok := pickRelayListenAddr(stripPeer(candidates))
	if !ok {
		return nil, fmt.Errorf("%w: relay %s announced no usable address", ErrRelayUnavailable, ShortID(ai.ID))
	}
	return CircuitAddr(base, ai.ID, b.host.ID())
}

func stripPeer(addrs []ma.Multiaddr) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		transport, _ := peer.SplitAddr(a)
		if len(transport) > 0 {
			out = append(out, transport)
		}
	}
	return out
}

// Addr returns the circuit address from the last successful Join.
func (b *RelayBootstrap) Addr() ma.Multiaddr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

// Relay returns the relay joined by the last successful Join.
func (b *RelayBootstrap) Relay() peer.AddrInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relay
}

// Expires returns when the current reservation lapses.
func (b *RelayBootstrap) Expires() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expires
}

// Run renews the reservation every refresh interval until ctx is done.
// It is a no-op until Join has succeeded at least once.
func (b *RelayBootstrap) Run(ctx context.Context) {
	ticker := b.clock.Ticker(b.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ai := b.Relay()
			if ai.ID == "" {
				continue
			}
			if _, err := b.reserve(ctx, ai); err != nil {
				slog.Warn("relay: reservation refresh failed", "relay", ShortID(ai.ID), "error", err)
			}
		}
	}
}

func (b *RelayBootstrap) countReservation(result string) {
	if b.metrics != nil {
		b.metrics.RelayReservationsTotal.WithLabelValues(result).Inc()
	}
}
