package p2pnet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	"github.com/libp2p/go-libp2p/p2p/protocol/holepunch"
	"github.com/libp2p/go-libp2p/p2p/protocol/identify"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	libp2pwebrtc "github.com/libp2p/go-libp2p/p2p/transport/webrtc"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"
	msmux "github.com/multiformats/go-multistream"
	"go.uber.org/multierr"
)

// DefaultDialTimeout bounds dials and stream opens whose context carries
// no deadline of its own.
const DefaultDialTimeout = 10 * time.Second

// DefaultListenAddrs are used when Config.ListenAddrs is empty.
var DefaultListenAddrs = []string{
	"/ip4/0.0.0.0/tcp/0",
	"/ip4/0.0.0.0/udp/0/quic-v1",
	"/ip6/::/tcp/0",
	"/ip6/::/udp/0/quic-v1",
}

// DefaultWebRTCListenAddrs are appended when WebRTC-direct is enabled.
var DefaultWebRTCListenAddrs = []string{
	"/ip4/0.0.0.0/udp/0/webrtc-direct",
}

// Conn is the view of a live connection that the session layer works with.
// Connections handed out by Network are libp2p network.Conn values.
type Conn interface {
	ID() string
	RemotePeer() peer.ID
	RemoteMultiaddr() ma.Multiaddr
	IsClosed() bool
	Close() error
}

// Stream is a negotiated protocol stream.
type Stream = network.Stream

// holePunchTracer logs DCUtR hole-punching events and records metrics when available.
type holePunchTracer struct {
	metrics *Metrics // nil when metrics disabled
}

// truncateError returns the first line of an error string, capped at 200 chars.
// libp2p dial errors list every address attempt and get very long.
func truncateError(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func (t *holePunchTracer) Trace(evt *holepunch.Event) {
	short := ShortID(evt.Remote)

	switch e := evt.Evt.(type) {
	case *holepunch.StartHolePunchEvt:
		slog.Info("holepunch: started", "peer", short, "addrs", len(e.RemoteAddrs), "rtt", e.RTT)
	case *holepunch.EndHolePunchEvt:
		result := "failure"
		if e.Success {
			result = "success"
			slog.Info("holepunch: succeeded", "peer", short, "elapsed", e.EllapsedTime)
		} else {
			slog.Info("holepunch: failed, relay stays", "peer", short, "elapsed", e.EllapsedTime, "error", truncateError(e.Error))
		}
		if t.metrics != nil {
			t.metrics.HolePunchTotal.WithLabelValues(result).Inc()
			t.metrics.HolePunchDurationSeconds.WithLabelValues(result).Observe(e.EllapsedTime.Seconds())
		}
	case *holepunch.DirectDialEvt:
		if e.Success {
			slog.Debug("holepunch: direct dial succeeded", "peer", short, "elapsed", e.EllapsedTime)
		} else {
			slog.Debug("holepunch: direct dial failed", "peer", short, "error", truncateError(e.Error))
		}
	}
}

// Config for creating a new Network.
type Config struct {
	KeyFile     string   // empty = ephemeral identity
	UserAgent   string   // libp2p identify user agent (e.g. "parley/0.1.0")
	ListenAddrs []string // empty = DefaultListenAddrs

	EnableWebRTC bool // add the WebRTC-direct transport and its listen address

	// Relay client configuration.
	StaticRelays       []string // relay multiaddrs for AutoRelay (with /p2p/<id>)
	ForcePrivate       bool     // force private reachability so AutoRelay reserves immediately
	EnableNATPortMap   bool
	EnableHolePunching bool

	ResourceLimitsEnabled bool

	// RequiredProtocol, when set, must be advertised by the remote peer for
	// Verify to accept a connection.
	RequiredProtocol protocol.ID

	DialTimeout time.Duration // 0 = DefaultDialTimeout

	Metrics *Metrics // nil = disabled
}

// Network owns the libp2p host and exposes the narrow set of operations
// the session layer needs: dialing, stream opening, connection events and
// connection verification.
type Network struct {
	host    host.Host
	cfg     Config
	metrics *Metrics
	notifee *network.NotifyBundle

	mu      sync.RWMutex
	onOpen  []func(Conn)
	onClose []func(Conn)

	relayMu sync.Mutex
	relay   *RelayRole
	dht     *DHT
}

// New creates a libp2p host per cfg.
func New(cfg *Config) (*Network, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	priv, err := LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = append([]string(nil), DefaultListenAddrs...)
		if cfg.EnableWebRTC {
			listen = append(listen, DefaultWebRTCListenAddrs...)
		}
	}

	// QUIC first for hole punching, TCP as universal fallback, WebSocket for
	// restrictive networks, WebRTC-direct when enabled.
	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(ws.New),
		libp2p.EnableRelay(),
		libp2p.EnableAutoNATv2(),
	}
	if cfg.EnableWebRTC {
		hostOpts = append(hostOpts, libp2p.Transport(libp2pwebrtc.New))
	}

	if cfg.Metrics != nil {
		hostOpts = append(hostOpts, libp2p.PrometheusRegisterer(cfg.Metrics.Registry))
	} else {
		hostOpts = append(hostOpts, libp2p.DisableMetrics())
	}

	if cfg.UserAgent != "" {
		hostOpts = append(hostOpts, libp2p.UserAgent(cfg.UserAgent))
	}

	if len(cfg.StaticRelays) > 0 {
		relayInfos, err := ParseRelayAddrs(cfg.StaticRelays)
		if err != nil {
			return nil, fmt.Errorf("failed to parse relay addresses: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.EnableAutoRelayWithStaticRelays(relayInfos))
	}
	if cfg.EnableNATPortMap {
		hostOpts = append(hostOpts, libp2p.NATPortMap())
	}
	if cfg.EnableHolePunching {
		hostOpts = append(hostOpts, libp2p.EnableHolePunching(holepunch.WithTracer(&holePunchTracer{metrics: cfg.Metrics})))
	}
	if cfg.ForcePrivate {
		hostOpts = append(hostOpts, libp2p.ForceReachabilityPrivate())
	}

	if cfg.ResourceLimitsEnabled {
		limits := rcmgr.DefaultLimits
		libp2p.SetDefaultServiceLimits(&limits)
		rm, err := rcmgr.NewResourceManager(rcmgr.NewFixedLimiter(limits.AutoScale()))
		if err != nil {
			return nil, fmt.Errorf("failed to create resource manager: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.ResourceManager(rm))
		slog.Info("network: resource manager enabled", "limits", "auto-scaled")
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	return newNetwork(h, *cfg), nil
}

// Wrap builds a Network around an existing host. Used by tests that
// construct hosts directly.
func Wrap(h host.Host, cfg Config) *Network {
	return newNetwork(h, cfg)
}

func newNetwork(h host.Host, cfg Config) *Network {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	n := &Network{host: h, cfg: cfg, metrics: cfg.Metrics}
	n.notifee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.dispatch(c, true)
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			n.dispatch(c, false)
		},
	}
	h.Network().Notify(n.notifee)
	slog.Info("network: host started", "peer", ShortID(h.ID()), "addrs", len(h.Addrs()))
	return n
}

// dispatch runs registered callbacks. Callbacks run on the swarm's
// notification goroutine and must not block.
func (n *Network) dispatch(c network.Conn, opened bool) {
	n.mu.RLock()
	fns := n.onClose
	if opened {
		fns = n.onOpen
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

// OnConnectionOpened registers fn for every new connection, inbound or
// outbound, relayed or direct.
func (n *Network) OnConnectionOpened(fn func(Conn)) {
	n.mu.Lock()
	n.onOpen = append(n.onOpen, fn)
	n.mu.Unlock()
}

// OnConnectionClosed registers fn for every closed connection.
func (n *Network) OnConnectionClosed(fn func(Conn)) {
	n.mu.Lock()
	n.onClose = append(n.onClose, fn)
	n.mu.Unlock()
}

// Host returns the underlying libp2p host.
func (n *Network) Host() host.Host {
	return n.host
}

// PeerID returns this node's peer ID.
func (n *Network) PeerID() peer.ID {
	return n.host.ID()
}

// LocalAddrs returns the addresses the host currently announces,
// including observed and port-mapped ones.
func (n *Network) LocalAddrs() []ma.Multiaddr {
	return n.host.Addrs()
}

// Metrics returns the metrics the network was built with (may be nil).
func (n *Network) Metrics() *Metrics {
	return n.metrics
}

// SetStreamHandler registers handler for inbound streams of proto.
func (n *Network) SetStreamHandler(proto protocol.ID, handler network.StreamHandler) {
	n.host.SetStreamHandler(proto, handler)
}

// RemoveStreamHandler unregisters a handler set by SetStreamHandler.
func (n *Network) RemoveStreamHandler(proto protocol.ID) {
	n.host.RemoveStreamHandler(proto)
}

func (n *Network) withDialTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, n.cfg.DialTimeout)
}

// Dial connects to the peer named by addr's trailing /p2p component and
// returns the best resulting connection. addr may be a circuit address.
func (n *Network) Dial(ctx context.Context, addr ma.Multiaddr) (Conn, error) {
	ai, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerAddress, err)
	}
	if ai.ID == n.host.ID() {
		return nil, fmt.Errorf("%w: address names this node", ErrInvalidPeerAddress)
	}
	return n.Connect(ctx, *ai)
}

// Connect dials ai and returns the best resulting connection.
func (n *Network) Connect(ctx context.Context, ai peer.AddrInfo) (Conn, error) {
	ctx, cancel := n.withDialTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := n.host.Connect(network.WithAllowLimitedConn(ctx, "parley-connect"), ai)
	if err != nil {
		n.observeDial("connect", "failure", start)
		return nil, wrapTimeout("connect to "+ShortID(ai.ID), err)
	}
	c := n.BestConn(ai.ID)
	if c == nil {
		n.observeDial("connect", "failure", start)
		return nil, fmt.Errorf("connect to %s: %w", ShortID(ai.ID), ErrConnClosed)
	}
	n.observeDial("connect", "success", start)
	return c, nil
}

// DialDirect forces a non-relayed dial to p using addrs. A connection that
// comes back limited or relayed is reported as ErrNotDirect.
func (n *Network) DialDirect(ctx context.Context, p peer.ID, addrs []ma.Multiaddr) (Conn, error) {
	ctx, cancel := n.withDialTimeout(ctx)
	defer cancel()

	if len(addrs) > 0 {
		n.host.Peerstore().AddAddrs(p, addrs, peerstore.TempAddrTTL)
	}

	start := time.Now()
	c, err := n.host.Network().DialPeer(network.WithForceDirectDial(ctx, "parley-upgrade"), p)
	if err != nil {
		n.observeDial("direct", "failure", start)
		return nil, wrapTimeout("direct dial "+ShortID(p), truncatedError{err})
	}
	if c.Stat().Limited || IsRelayed(c.RemoteMultiaddr()) {
		n.observeDial("direct", "failure", start)
		return nil, fmt.Errorf("direct dial %s: %w", ShortID(p), ErrNotDirect)
	}
	n.observeDial("direct", "success", start)
	return c, nil
}

// Verify confirms that c is live, authenticates as p, and (after identify
// finishes on it) that p speaks the required protocol.
func (n *Network) Verify(ctx context.Context, p peer.ID, c Conn) error {
	nc, ok := c.(network.Conn)
	if !ok {
		return ErrNotLibp2pConn
	}
	if nc.IsClosed() {
		return ErrConnClosed
	}
	if nc.RemotePeer() != p {
		return fmt.Errorf("%w: want %s, got %s", ErrPeerMismatch, ShortID(p), ShortID(nc.RemotePeer()))
	}

	if ids, ok := n.host.(interface{ IDService() identify.IDService }); ok {
		select {
		case <-ids.IDService().IdentifyWait(nc):
		case <-ctx.Done():
			return wrapTimeout("verify "+ShortID(p), ctx.Err())
		}
	}
	if nc.IsClosed() {
		return ErrConnClosed
	}

	if n.cfg.RequiredProtocol != "" {
		protos, err := n.host.Peerstore().SupportsProtocols(p, n.cfg.RequiredProtocol)
		if err != nil {
			return fmt.Errorf("verify %s: %w", ShortID(p), err)
		}
		if len(protos) == 0 {
			return fmt.Errorf("verify %s: %w: %s", ShortID(p), ErrProtocolUnsupported, n.cfg.RequiredProtocol)
		}
	}
	return nil
}

// OpenStream opens a stream for proto on the specific connection c rather
// than letting the host pick one. Relayed (limited) connections are allowed.
func (n *Network) OpenStream(ctx context.Context, c Conn, proto protocol.ID) (Stream, error) {
	nc, ok := c.(network.Conn)
	if !ok {
		return nil, ErrNotLibp2pConn
	}
	if nc.IsClosed() {
		return nil, ErrConnClosed
	}
	ctx, cancel := n.withDialTimeout(ctx)
	defer cancel()

	s, err := nc.NewStream(network.WithAllowLimitedConn(ctx, string(proto)))
	if err != nil {
		return nil, wrapTimeout("open stream "+string(proto), err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}
	if err := msmux.SelectProtoOrFail(proto, s); err != nil {
		_ = s.Reset()
		return nil, wrapTimeout("negotiate "+string(proto), err)
	}
	_ = s.SetDeadline(time.Time{})
	if err := s.SetProtocol(proto); err != nil {
		_ = s.Reset()
		return nil, fmt.Errorf("set protocol %s: %w", proto, err)
	}
	return s, nil
}

// ConnsToPeer returns the open connections to p, direct ones first.
func (n *Network) ConnsToPeer(p peer.ID) []Conn {
	raw := n.host.Network().ConnsToPeer(p)
	out := make([]Conn, 0, len(raw))
	for _, c := range raw {
		if !c.IsClosed() {
			out = append(out, c)
		}
	}
	return preferDirect(out)
}

// BestConn returns the preferred open connection to p, or nil.
func (n *Network) BestConn(p peer.ID) Conn {
	conns := n.ConnsToPeer(p)
	if len(conns) == 0 {
		return nil
	}
	return conns[0]
}

// ClosePeer closes every connection to p.
func (n *Network) ClosePeer(p peer.ID) error {
	return n.host.Network().ClosePeer(p)
}

// AddAddrs records addresses for p in the peerstore.
func (n *Network) AddAddrs(p peer.ID, addrs []ma.Multiaddr, ttl time.Duration) {
	n.host.Peerstore().AddAddrs(p, addrs, ttl)
}

func (n *Network) observeDial(kind, result string, start time.Time) {
	if n.metrics == nil {
		return
	}
	n.metrics.DialTotal.WithLabelValues(kind, result).Inc()
	n.metrics.DialDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// Close stops the relay role and DHT if running, then closes the host.
func (n *Network) Close() error {
	n.host.Network().StopNotify(n.notifee)

	var err error
	n.relayMu.Lock()
	if n.relay != nil {
		err = multierr.Append(err, n.relay.Close())
		n.relay = nil
	}
	if n.dht != nil {
		err = multierr.Append(err, n.dht.Close())
		n.dht = nil
	}
	n.relayMu.Unlock()
	return multierr.Append(err, n.host.Close())
}

// ParseRelayAddrs parses relay multiaddrs into AddrInfos, merging
// multiple addresses of the same relay into one entry.
func ParseRelayAddrs(relayAddrs []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	index := make(map[peer.ID]int)
	for _, s := range relayAddrs {
		ai, err := peer.AddrInfoFromString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPeerAddress, s, err)
		}
		if i, ok := index[ai.ID]; ok {
			infos[i].Addrs = append(infos[i].Addrs, ai.Addrs...)
			continue
		}
		index[ai.ID] = len(infos)
		infos = append(infos, *ai)
	}
	return infos, nil
}

// truncatedError shortens libp2p's multi-line dial errors in messages
// while keeping the chain intact for errors.Is.
type truncatedError struct{ err error }

func (e truncatedError) Error() string { return truncateError(e.err.Error()) }
func (e truncatedError) Unwrap() error { return e.err }
