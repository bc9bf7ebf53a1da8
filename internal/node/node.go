// Package node assembles a parley peer: the libp2p network, the session
// registry, the upgrade coordinator, the chat channel and the voice call
// controller. It is the surface the daemon and CLI drive, and it reports
// what happens through an event Hub.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shurlinet/parley/internal/chat"
	"github.com/shurlinet/parley/internal/config"
	"github.com/shurlinet/parley/internal/envelope"
	"github.com/shurlinet/parley/internal/session"
	"github.com/shurlinet/parley/internal/upgrade"
	"github.com/shurlinet/parley/internal/voice"
	"github.com/shurlinet/parley/pkg/p2pnet"
)

// connEventBuffer bounds connection events waiting for the event loop.
// Notifications block (briefly) once it is full, which keeps open and
// close ordered per connection.
const connEventBuffer = 256

// Options carries what the config file does not.
type Options struct {
	Version string
	Metrics *p2pnet.Metrics     // nil = disabled
	Audit   *p2pnet.AuditLogger // nil = disabled
	Clock   clock.Clock         // nil = wall clock
}

type connEvent struct {
	c      p2pnet.Conn
	opened bool
}

// Node is one running parley peer.
type Node struct {
	cfg     *config.Config
	version string
	clock   clock.Clock
	metrics *p2pnet.Metrics
	audit   *p2pnet.AuditLogger
	started time.Time

	net    *p2pnet.Network
	reg    *session.Registry
	coord  *upgrade.Coordinator
	chat   *chat.Service
	voice  *voice.Controller
	relay  *p2pnet.RelayBootstrap
	events *Hub

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	gctx   context.Context

	// Connections reach the coordinator only after Verify confirms the
	// remote speaks the chat protocol. admitted tracks which ones did, so
	// closes of never-admitted connections are not forwarded.
	connMu      sync.Mutex
	connStopped bool
	admitted    map[string]struct{}
	connCh      chan connEvent
	bg          sync.WaitGroup

	mu         sync.Mutex
	running    bool
	closed     bool
	refreshing bool
	relayServe ma.Multiaddr
	mdns       *p2pnet.MDNSDiscovery
	stun       *p2pnet.STUNProber
}

// New builds a node from cfg. The host is listening when New returns;
// call Start to run discovery, relay joins and connection handling.
func New(cfg *config.Config, opts Options) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	netw, err := p2pnet.New(&p2pnet.Config{
		KeyFile:               cfg.Identity.KeyFile,
		UserAgent:             "parley/" + version,
		ListenAddrs:           cfg.Network.ListenAddresses,
		EnableWebRTC:          cfg.Network.EnableWebRTC,
		ForcePrivate:          cfg.Network.ForcePrivateReachability,
		EnableNATPortMap:      true,
		EnableHolePunching:    true,
		ResourceLimitsEnabled: cfg.Network.ResourceLimitsEnabled,
		RequiredProtocol:      chat.Protocol,
		DialTimeout:           cfg.Upgrade.DialTimeout,
		Metrics:               opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		version:  version,
		clock:    clk,
		metrics:  opts.Metrics,
		audit:    opts.Audit,
		started:  clk.Now(),
		net:      netw,
		events:   NewHub(),
		admitted: make(map[string]struct{}),
		connCh:   make(chan connEvent, connEventBuffer),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.group, n.gctx = errgroup.WithContext(n.ctx)

	n.reg = session.NewRegistry(clk, opts.Metrics)
	n.coord = upgrade.New(netw, nil, n.reg, upgrade.Config{
		DialTimeout:   cfg.Upgrade.DialTimeout,
		VerifyTimeout: cfg.Upgrade.VerifyTimeout,
		AllowPrivate:  cfg.Upgrade.AllowPrivateAddresses,
		AdvertRate:    rate.Limit(cfg.Upgrade.AdvertRate),
		AdvertBurst:   cfg.Upgrade.AdvertBurst,
		Metrics:       opts.Metrics,
		OnUpgraded:    n.onUpgraded,
	})

	name := cfg.User.DisplayName
	if name == "" {
		name = p2pnet.ShortID(netw.PeerID())
	}
	n.chat = chat.New(netw, n.reg, chat.Config{
		DisplayName: name,
		Clock:       clk,
		Metrics:     opts.Metrics,
		OnMessage:   n.onChatMessage,
		OnAdvert:    n.onAdvert,
	})
	n.coord.SetSignaler(n.chat)

	n.voice = voice.New(n.reg, voice.NetworkOpener(netw), voice.Config{
		AutoAnswer:    cfg.Voice.AutoAnswerEnabled(),
		OpenTimeout:   cfg.Voice.OpenTimeout,
		MaxChunkBytes: cfg.Voice.MaxChunkBytes,
		Metrics:       opts.Metrics,
		OnEvent:       n.onVoiceEvent,
	})

	n.relay = p2pnet.NewRelayBootstrap(netw, p2pnet.RelayBootstrapConfig{
		SettleDelay: cfg.Relay.SettleDelay,
		Refresh:     cfg.Relay.ReservationInterval,
		Clock:       clk,
		Metrics:     opts.Metrics,
	})

	netw.SetStreamHandler(chat.Protocol, n.chat.StreamHandler())
	netw.SetStreamHandler(voice.Protocol, n.voice.StreamHandler())
	netw.OnConnectionOpened(n.connOpened)
	netw.OnConnectionClosed(n.connClosed)

	slog.Info("node: created", "peer", p2pnet.ShortID(netw.PeerID()), "name", name)
	return n, nil
}

// Start runs the connection event loop and the optional background
// services the config enables. Relay joins and discovery failures are
// logged, not returned: a node without them still accepts direct peers.
func (n *Node) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = true
	n.mu.Unlock()

	n.group.Go(func() error { return n.runConnEvents(n.gctx) })

	if n.cfg.Relay.Serve {
		addr, err := n.StartRelayRole()
		if err != nil {
			return err
		}
		slog.Info("node: serving as relay", "addr", addr.String())
	}

	if n.cfg.Discovery.DHT {
		bootstrap := append(append([]string(nil), n.cfg.Discovery.BootstrapPeers...), n.cfg.Relay.Addresses...)
		if _, err := n.net.EnableDHT(n.ctx, bootstrap); err != nil {
			slog.Warn("node: DHT unavailable", "error", err)
		}
	}

	if n.cfg.Discovery.MDNS {
		md := p2pnet.NewMDNSDiscovery(n.net.Host(), n.metrics, n.onLANPeer)
		if err := md.Start(n.ctx); err != nil {
			slog.Warn("node: mDNS unavailable", "error", err)
		} else {
			n.mu.Lock()
			n.mdns = md
			n.mu.Unlock()
		}
	}

	if len(n.cfg.Network.STUNServers) > 0 {
		prober := p2pnet.NewSTUNProber(n.cfg.Network.STUNServers, n.metrics)
		n.mu.Lock()
		n.stun = prober
		n.mu.Unlock()
		n.group.Go(func() error {
			res, err := prober.Probe(n.gctx)
			if err != nil {
				slog.Warn("node: STUN probe failed", "error", err)
				return nil
			}
			slog.Info("node: STUN probe done", "nat", res.NATType, "external", res.ExternalAddrs)
			return nil
		})
	}

	if n.cfg.Network.WatchChanges {
		nm := p2pnet.NewNetworkMonitor(func(p2pnet.AddrChange) {
			n.coord.ReadvertiseAll()
		}, n.metrics)
		n.group.Go(func() error {
			nm.Run(n.gctx)
			return nil
		})
	}

	if len(n.cfg.Relay.Addresses) > 0 {
		n.group.Go(func() error {
			n.joinConfiguredRelay(n.gctx)
			return nil
		})
	}
	return nil
}

// joinConfiguredRelay joins the first configured relay that accepts a
// reservation.
func (n *Node) joinConfiguredRelay(ctx context.Context) {
	for _, addr := range n.cfg.Relay.Addresses {
		if _, err := n.JoinViaRelay(ctx, addr); err != nil {
			slog.Warn("node: relay join failed", "relay", addr, "error", err)
			continue
		}
		return
	}
}

// Close stops every background loop, ends any call and closes the host.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	md := n.mdns
	n.mu.Unlock()

	n.connMu.Lock()
	n.connStopped = true
	n.connMu.Unlock()
	n.cancel()

	var err error
	if md != nil {
		err = multierr.Append(err, md.Close())
	}
	err = multierr.Append(err, n.voice.Close())
	n.coord.Close()
	err = multierr.Append(err, n.chat.Close())

	n.bg.Wait()
	err = multierr.Append(err, n.group.Wait())
	err = multierr.Append(err, n.net.Close())
	n.events.Close()
	slog.Info("node: closed", "peer", p2pnet.ShortID(n.net.PeerID()))
	return err
}

// goTracked runs fn in a goroutine Close waits for. It reports false when
// the node is already shutting down.
func (n *Node) goTracked(fn func()) bool {
	n.connMu.Lock()
	if n.connStopped {
		n.connMu.Unlock()
		return false
	}
	n.bg.Add(1)
	n.connMu.Unlock()
	go func() {
		defer n.bg.Done()
		fn()
	}()
	return true
}

func (n *Node) connOpened(c p2pnet.Conn) {
	n.goTracked(func() { n.admit(c) })
}

// admit verifies c and hands it to the event loop. Peers that do not speak
// the chat protocol (plain relays, DHT servers) never get a session.
func (n *Node) admit(c p2pnet.Conn) {
	p := c.RemotePeer()
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Upgrade.VerifyTimeout)
	err := n.net.Verify(ctx, p, c)
	cancel()
	path := p2pnet.PathDirect
	if p2pnet.IsRelayed(c.RemoteMultiaddr()) {
		path = p2pnet.PathRelayed
	}
	if err != nil {
		slog.Debug("node: connection not admitted", "peer", p2pnet.ShortID(p), "addr", c.RemoteMultiaddr(), "error", err)
		n.audit.AdmissionDecision(p.String(), path, "rejected")
		return
	}

	n.connMu.Lock()
	defer n.connMu.Unlock()
	if n.connStopped || c.IsClosed() {
		return
	}
	n.admitted[c.ID()] = struct{}{}
	n.audit.AdmissionDecision(p.String(), path, "admitted")
	n.enqueueLocked(connEvent{c: c, opened: true})
}

func (n *Node) connClosed(c p2pnet.Conn) {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	if _, ok := n.admitted[c.ID()]; !ok {
		return
	}
	delete(n.admitted, c.ID())
	n.enqueueLocked(connEvent{c: c, opened: false})
}

// enqueueLocked is called with connMu held so that an admitted open is
// always queued before its close.
func (n *Node) enqueueLocked(ev connEvent) {
	select {
	case n.connCh <- ev:
	case <-n.ctx.Done():
	}
}

// runConnEvents feeds connection events to the coordinator one at a time.
func (n *Node) runConnEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.connCh:
			if ev.opened {
				n.coord.OnConnectionOpened(ev.c)
			} else {
				n.coord.OnConnectionClosed(ev.c)
			}
		}
	}
}

// onLANPeer records mDNS-found addresses and, unless the peer already has
// a direct connection, dials one. A relayed session to the same peer is
// then upgraded by the coordinator's inbound-direct path.
func (n *Node) onLANPeer(ai peer.AddrInfo) {
	for _, a := range ai.Addrs {
		n.reg.Upsert(ai.ID, a, session.SourceMDNS)
	}
	if c := n.reg.ActiveConn(ai.ID); c != nil && !c.IsClosed() && !p2pnet.IsRelayed(c.RemoteMultiaddr()) {
		return
	}
	n.goTracked(func() {
		if _, err := n.net.DialDirect(n.ctx, ai.ID, ai.Addrs); err != nil {
			slog.Debug("node: LAN dial failed", "peer", p2pnet.ShortID(ai.ID), "error", err)
		}
	})
}

// onAdvert forwards an advert to the coordinator and audits refusals.
func (n *Node) onAdvert(p peer.ID, adv envelope.AddressAdvert) error {
	err := n.coord.OnAdvert(p, adv)
	if errors.Is(err, upgrade.ErrAdvertIdentity) {
		addr := ""
		if adv.Addr != nil {
			addr = adv.Addr.String()
		}
		n.audit.AdvertRejected(p.String(), addr, err.Error())
	}
	return err
}

func (n *Node) onUpgraded(p peer.ID) {
	n.events.Publish(Event{
		Type: EventConnectionUpgraded,
		Time: n.clock.Now().UTC(),
		Peer: p.String(),
	})
}

func (n *Node) onChatMessage(p peer.ID, m envelope.ChatMessage) {
	n.events.Publish(Event{
		Type:     EventChatMessage,
		Time:     n.clock.Now().UTC(),
		Peer:     p.String(),
		Username: m.Username,
		Message:  m.Text,
		SentAt:   m.Time,
	})
}

func (n *Node) onVoiceEvent(ev voice.Event) {
	out := Event{
		Time:   n.clock.Now().UTC(),
		Peer:   ev.Peer.String(),
		CallID: ev.CallID,
	}
	switch ev.Kind {
	case voice.EventIncoming:
		out.Type = EventIncomingCall
	case voice.EventChunk:
		out.Type = EventVoiceChunk
		out.Chunk = ev.Chunk
	case voice.EventTerminated:
		out.Type = EventCallTerminated
		out.Reason = ev.Reason
	default:
		return
	}
	n.events.Publish(out)
}

// relayResources turns the configured relay limits into circuit v2
// resources on top of the unlimited default profile.
func relayResources(rc config.RelayResourcesConfig) (relayv2.Resources, error) {
	res := p2pnet.DefaultRelayResources()
	if rc.MaxReservations > 0 {
		res.MaxReservations = rc.MaxReservations
	}
	if rc.MaxCircuits > 0 {
		res.MaxCircuits = rc.MaxCircuits
	}
	if rc.BufferSize > 0 {
		res.BufferSize = rc.BufferSize
	}
	if rc.MaxReservationsPerIP > 0 {
		res.MaxReservationsPerIP = rc.MaxReservationsPerIP
	}
	if rc.MaxReservationsPerASN > 0 {
		res.MaxReservationsPerASN = rc.MaxReservationsPerASN
	}
	if rc.ReservationTTL != "" {
		d, err := time.ParseDuration(rc.ReservationTTL)
		if err != nil {
			return res, fmt.Errorf("relay.resources.reservation_ttl: %w", err)
		}
		res.ReservationTTL = d
	}
	if rc.SessionDuration == "" && rc.SessionDataLimit == "" {
		return res, nil
	}
	limit := &relayv2.RelayLimit{}
	if rc.SessionDuration != "" {
		d, err := time.ParseDuration(rc.SessionDuration)
		if err != nil {
			return res, fmt.Errorf("relay.resources.session_duration: %w", err)
		}
		limit.Duration = d
	}
	if rc.SessionDataLimit != "" {
		size, err := config.ParseDataSize(rc.SessionDataLimit)
		if err != nil {
			return res, fmt.Errorf("relay.resources.session_data_limit: %w", err)
		}
		limit.Data = size
	}
	res.Limit = limit
	return res, nil
}
