// Package upgrade moves peers from a relayed connection to a direct one.
//
// Peers exchange AddressAdvert envelopes over the relayed chat channel.
// On receiving one, the coordinator dials the advertised address with a
// forced direct dial, verifies the resulting connection, swaps the
// session's active connection and closes the relayed ones. Any failure
// leaves the relay in place.
package upgrade

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/shurlinet/parley/internal/envelope"
	"github.com/shurlinet/parley/internal/session"
	"github.com/shurlinet/parley/pkg/p2pnet"
)

// Phase is the per-peer upgrade state.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAwaitingAdvert Phase = "awaiting_advert"
	PhaseDialingDirect  Phase = "dialing_direct"
	PhaseVerifying      Phase = "verifying"
	PhaseUpgraded       Phase = "upgraded"
	PhaseFailed         Phase = "failed"
)

const (
	DefaultDialTimeout   = 10 * time.Second
	DefaultVerifyTimeout = 5 * time.Second

	// Adverts that would start a dial are limited per peer so a chatty or
	// hostile peer cannot make this node dial in a loop.
	DefaultAdvertRate  = rate.Limit(1)
	DefaultAdvertBurst = 3

	// An advert repeating an address that failed counts as fresh once this
	// long has passed since the failure.
	DefaultRetryAfter = 30 * time.Second

	advertSendTimeout = 5 * time.Second
)

// Transport is the subset of the network the coordinator drives.
type Transport interface {
	LocalAddrs() []ma.Multiaddr
	DialDirect(ctx context.Context, p peer.ID, addrs []ma.Multiaddr) (p2pnet.Conn, error)
	Verify(ctx context.Context, p peer.ID, c p2pnet.Conn) error
	ConnsToPeer(p peer.ID) []p2pnet.Conn
}

// Signaler delivers adverts to a peer over its current connection.
type Signaler interface {
	SendAdvert(ctx context.Context, p peer.ID, adv envelope.AddressAdvert) error
}

// Config tunes the coordinator. Zero values take the defaults above.
type Config struct {
	DialTimeout   time.Duration
	VerifyTimeout time.Duration

	// AllowPrivate lets loopback and private-range addresses through the
	// advert filter in both directions. Meant for LAN and test setups.
	AllowPrivate bool

	AdvertRate  rate.Limit
	AdvertBurst int
	RetryAfter  time.Duration

	Clock clock.Clock // nil = wall clock

	Metrics *p2pnet.Metrics // nil = disabled

	// OnUpgraded is called once per relay-to-direct transition, outside
	// any coordinator lock.
	OnUpgraded func(peer.ID)
}

type peerState struct {
	mu         sync.Mutex
	phase      Phase
	viaRelay   bool // the session started on a relayed connection
	advertised bool // our adverts went out for the current relay session
	gen        uint64
	started    time.Time
	failed     map[string]time.Time // address -> when its dial failed
	limiter    *rate.Limiter
}

// Coordinator runs the per-peer upgrade state machine. Every transition
// for a peer happens under that peer's lock; dials and verification run
// in background goroutines and re-take the lock to apply their result.
type Coordinator struct {
	tr  Transport
	sig Signaler
	reg *session.Registry
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	peers map[peer.ID]*peerState
}

// New creates a Coordinator. sig may be set later with SetSignaler when the
// chat service is built after the coordinator.
func New(tr Transport, sig Signaler, reg *session.Registry, cfg Config) *Coordinator {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = DefaultVerifyTimeout
	}
	if cfg.AdvertRate == 0 {
		cfg.AdvertRate = DefaultAdvertRate
	}
	if cfg.AdvertBurst <= 0 {
		cfg.AdvertBurst = DefaultAdvertBurst
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		tr:     tr,
		sig:    sig,
		reg:    reg,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]*peerState),
	}
}

// SetSignaler sets the advert sender. Must be called before the first
// connection event.
func (co *Coordinator) SetSignaler(sig Signaler) {
	co.sig = sig
}

// Close cancels in-flight dials and waits for background work to finish.
func (co *Coordinator) Close() {
	co.cancel()
	co.wg.Wait()
}

// Phase returns p's upgrade phase.
func (co *Coordinator) Phase(p peer.ID) Phase {
	co.mu.Lock()
	ps, ok := co.peers[p]
	co.mu.Unlock()
	if !ok {
		return PhaseIdle
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.phase
}

func (co *Coordinator) state(p peer.ID) *peerState {
	co.mu.Lock()
	defer co.mu.Unlock()
	ps, ok := co.peers[p]
	if !ok {
		ps = &peerState{
			phase:   PhaseIdle,
			failed:  make(map[string]time.Time),
			limiter: rate.NewLimiter(co.cfg.AdvertRate, co.cfg.AdvertBurst),
		}
		co.peers[p] = ps
	}
	return ps
}

func relayed(c p2pnet.Conn) bool {
	return p2pnet.IsRelayed(c.RemoteMultiaddr())
}

func liveDirect(c p2pnet.Conn) bool {
	return c != nil && !c.IsClosed() && !relayed(c)
}

// OnConnectionOpened records a new connection to a peer. A relayed
// connection becomes the active one when nothing else is, and starts the
// advert exchange. A direct connection replaces a relayed active one
// after verification.
func (co *Coordinator) OnConnectionOpened(c p2pnet.Conn) {
	if co.ctx.Err() != nil {
		return
	}
	p := c.RemotePeer()
	ps := co.state(p)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	active := co.reg.ActiveConn(p)
	hasActive := active != nil && !active.IsClosed()

	if relayed(c) {
		ps.viaRelay = true
		if hasActive {
			return
		}
		if err := co.reg.SetConnectionState(p, session.StateRelayConnected, c); err != nil {
			slog.Debug("upgrade: relay conn rejected", "peer", p2pnet.ShortID(p), "error", err)
			return
		}
		if ps.phase == PhaseIdle || ps.phase == PhaseUpgraded {
			ps.phase = PhaseAwaitingAdvert
			ps.advertised = false
		}
		slog.Info("upgrade: relay connection", "peer", p2pnet.ShortID(p), "phase", ps.phase)
		if !ps.advertised {
			ps.advertised = true
			co.goAdvertise(p)
		}
		return
	}

	if !hasActive {
		if err := co.reg.SetConnectionState(p, session.StateDirectConnected, c); err != nil {
			slog.Debug("upgrade: direct conn rejected", "peer", p2pnet.ShortID(p), "error", err)
			return
		}
		ps.phase = PhaseUpgraded
		ps.gen++
		return
	}
	if liveDirect(active) {
		return
	}

	// Active is relayed: a direct connection arrived from the peer's own
	// dial or from hole punching.
	co.wg.Add(1)
	go func() {
		defer co.wg.Done()
		ctx, cancel := context.WithTimeout(co.ctx, co.cfg.VerifyTimeout)
		defer cancel()
		if err := co.tr.Verify(ctx, p, c); err != nil {
			slog.Debug("upgrade: inbound direct conn not verified", "peer", p2pnet.ShortID(p), "error", err)
			return
		}
		co.promote(p, c, false)
	}()
}

// OnConnectionClosed reacts to a closed connection. Only the active
// connection matters; when it closes the best remaining connection takes
// over, or the session is marked lost.
func (co *Coordinator) OnConnectionClosed(c p2pnet.Conn) {
	p := c.RemotePeer()
	ps := co.state(p)

	var upgraded bool
	ps.mu.Lock()
	defer func() {
		ps.mu.Unlock()
		if upgraded {
			co.emitUpgraded(p)
		}
	}()

	active := co.reg.ActiveConn(p)
	if active == nil || active.ID() != c.ID() {
		return
	}

	var repl p2pnet.Conn
	for _, other := range co.tr.ConnsToPeer(p) {
		if other.ID() != c.ID() && !other.IsClosed() {
			repl = other
			break
		}
	}

	if repl == nil {
		if err := co.reg.SetConnectionState(p, session.StateLost, nil); err != nil {
			slog.Debug("upgrade: mark lost", "peer", p2pnet.ShortID(p), "error", err)
		}
		ps.phase = PhaseIdle
		ps.viaRelay = false
		ps.advertised = false
		ps.gen++
		slog.Info("upgrade: peer lost", "peer", p2pnet.ShortID(p))
		return
	}

	if relayed(repl) {
		if err := co.reg.SetConnectionState(p, session.StateRelayConnected, repl); err != nil {
			slog.Debug("upgrade: relay fallback", "peer", p2pnet.ShortID(p), "error", err)
			return
		}
		ps.viaRelay = true
		if ps.phase == PhaseUpgraded || ps.phase == PhaseIdle {
			ps.phase = PhaseAwaitingAdvert
			ps.advertised = true
			co.goAdvertise(p)
		}
		slog.Info("upgrade: direct connection closed, back on relay", "peer", p2pnet.ShortID(p))
		return
	}

	if err := co.reg.SetConnectionState(p, session.StateDirectConnected, repl); err != nil {
		slog.Debug("upgrade: direct replacement", "peer", p2pnet.ShortID(p), "error", err)
		return
	}
	upgraded = relayed(c) && ps.viaRelay && ps.phase != PhaseUpgraded
	ps.phase = PhaseUpgraded
	ps.gen++
}

// ReadvertiseAll sends fresh adverts to every peer still on a relay. It
// runs after the host's addresses change, so addresses that failed
// before are eligible again. It returns the number of peers advertised to.
func (co *Coordinator) ReadvertiseAll() int {
	if co.ctx.Err() != nil {
		return 0
	}
	var n int
	for _, s := range co.reg.Snapshot() {
		if s.State != session.StateRelayConnected {
			continue
		}
		ps := co.state(s.PeerID)
		ps.mu.Lock()
		if ps.phase == PhaseFailed {
			ps.phase = PhaseAwaitingAdvert
			clear(ps.failed)
		}
		ps.advertised = true
		co.goAdvertise(s.PeerID)
		ps.mu.Unlock()
		n++
	}
	if n > 0 {
		slog.Info("upgrade: re-advertised after address change", "peers", n)
	}
	return n
}

// OnAdvert handles an AddressAdvert received from p. Adverts for peers
// that are already direct, or arrive while a dial is in flight, are
// no-ops. After a failure a new address starts a new attempt at once; an
// address that already failed is retried only once RetryAfter has passed.
func (co *Coordinator) OnAdvert(p peer.ID, adv envelope.AddressAdvert) error {
	if co.ctx.Err() != nil {
		return ErrClosed
	}
	base, id := peer.SplitAddr(adv.Addr)
	if id != "" && id != p {
		return ErrAdvertIdentity
	}
	if len(base) == 0 {
		return nil
	}
	if !p2pnet.Advertisable(base, co.cfg.AllowPrivate) {
		slog.Debug("upgrade: ignoring unusable advert", "peer", p2pnet.ShortID(p), "addr", base)
		return nil
	}
	co.reg.Upsert(p, base, session.SourceAdvert)

	ps := co.state(p)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if liveDirect(co.reg.ActiveConn(p)) {
		return nil
	}
	key := base.String()
	switch ps.phase {
	case PhaseDialingDirect, PhaseVerifying:
		return nil
	case PhaseFailed:
		if at, ok := ps.failed[key]; ok && co.cfg.Clock.Since(at) < co.cfg.RetryAfter {
			return nil
		}
	}
	if !ps.limiter.Allow() {
		slog.Debug("upgrade: advert rate limited", "peer", p2pnet.ShortID(p))
		return nil
	}

	ps.phase = PhaseDialingDirect
	ps.gen++
	ps.started = time.Now()
	if s, ok := co.reg.Get(p); ok && s.State == session.StateRelayConnected {
		_ = co.reg.SetConnectionState(p, session.StateUpgradePending, nil)
	}
	sendOwn := !ps.advertised
	ps.advertised = true
	gen := ps.gen

	slog.Info("upgrade: dialing advertised address", "peer", p2pnet.ShortID(p), "addr", key)
	co.wg.Add(1)
	go co.attempt(p, base, gen, sendOwn)
	return nil
}

func (co *Coordinator) attempt(p peer.ID, addr ma.Multiaddr, gen uint64, sendOwn bool) {
	defer co.wg.Done()

	if sendOwn {
		if err := co.AdvertiseSelf(co.ctx, p); err != nil {
			slog.Debug("upgrade: advertise self", "peer", p2pnet.ShortID(p), "error", err)
		}
	}

	dctx, cancel := context.WithTimeout(co.ctx, co.cfg.DialTimeout)
	c, err := co.tr.DialDirect(dctx, p, []ma.Multiaddr{addr})
	cancel()
	if err != nil {
		co.fail(p, gen, addr, err)
		return
	}

	if !co.advance(p, gen, PhaseVerifying) {
		return
	}

	vctx, cancel := context.WithTimeout(co.ctx, co.cfg.VerifyTimeout)
	err = co.tr.Verify(vctx, p, c)
	cancel()
	if err != nil {
		if active := co.reg.ActiveConn(p); active == nil || active.ID() != c.ID() {
			_ = c.Close()
		}
		co.fail(p, gen, addr, err)
		return
	}
	co.promote(p, c, true)
}

// advance moves from DialingDirect to next if attempt gen is still current.
func (co *Coordinator) advance(p peer.ID, gen uint64, next Phase) bool {
	ps := co.state(p)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.gen != gen || ps.phase != PhaseDialingDirect {
		return false
	}
	ps.phase = next
	return true
}

func (co *Coordinator) fail(p peer.ID, gen uint64, addr ma.Multiaddr, err error) {
	ps := co.state(p)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.phase == PhaseUpgraded || ps.gen != gen {
		slog.Debug("upgrade: superseded attempt failed", "peer", p2pnet.ShortID(p), "error", err)
		return
	}
	ps.failed[addr.String()] = co.cfg.Clock.Now()
	ps.phase = PhaseFailed
	if s, ok := co.reg.Get(p); ok && s.State == session.StateUpgradePending {
		_ = co.reg.SetConnectionState(p, session.StateRelayConnected, nil)
	}

	result := "failure"
	if errors.Is(err, p2pnet.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		result = "timeout"
	}
	co.observe(result, ps.started)
	slog.Info("upgrade: direct upgrade failed, staying on relay",
		"peer", p2pnet.ShortID(p), "addr", addr, "result", result, "error", err)
}

// promote makes c the active connection for p. fromAttempt is set when c
// came from this node's own dial.
func (co *Coordinator) promote(p peer.ID, c p2pnet.Conn, fromAttempt bool) {
	ps := co.state(p)

	var (
		emit   bool
		relays []p2pnet.Conn
	)
	ps.mu.Lock()
	defer func() {
		ps.mu.Unlock()
		if emit {
			co.emitUpgraded(p)
		}
		co.closeRelays(p, relays)
	}()

	active := co.reg.ActiveConn(p)
	if active != nil && active.ID() == c.ID() {
		return
	}
	err := co.reg.SetConnectionState(p, session.StateDirectConnected, c)
	if err != nil {
		slog.Debug("upgrade: promote rejected", "peer", p2pnet.ShortID(p), "error", err)
		if fromAttempt && (ps.phase == PhaseVerifying || ps.phase == PhaseDialingDirect) {
			ps.phase = PhaseFailed
			co.observe("failure", ps.started)
		}
		return
	}

	if liveDirect(active) {
		// Both sides dialed; the later verification wins quietly.
		ps.phase = PhaseUpgraded
		co.observe("redundant", ps.started)
		return
	}

	emit = ps.viaRelay && ps.phase != PhaseUpgraded
	ps.phase = PhaseUpgraded
	ps.gen++
	co.observe("success", ps.started)
	slog.Info("upgrade: direct connection established", "peer", p2pnet.ShortID(p), "addr", c.RemoteMultiaddr())

	for _, other := range co.tr.ConnsToPeer(p) {
		if other.ID() != c.ID() && relayed(other) {
			relays = append(relays, other)
		}
	}
}

// closeRelays closes relayed connections after an upgrade. Failures are
// logged and not retried.
func (co *Coordinator) closeRelays(p peer.ID, conns []p2pnet.Conn) {
	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	if err != nil {
		slog.Debug("upgrade: closing relay connections", "peer", p2pnet.ShortID(p), "error", err)
	}
}

func (co *Coordinator) emitUpgraded(p peer.ID) {
	if co.cfg.OnUpgraded != nil {
		co.cfg.OnUpgraded(p)
	}
}

func (co *Coordinator) observe(result string, started time.Time) {
	m := co.cfg.Metrics
	if m == nil {
		return
	}
	m.UpgradeTotal.WithLabelValues(result).Inc()
	if result == "success" && !started.IsZero() {
		m.UpgradeDurationSeconds.Observe(time.Since(started).Seconds())
	}
}

func (co *Coordinator) goAdvertise(p peer.ID) {
	if co.ctx.Err() != nil {
		return
	}
	co.wg.Add(1)
	go func() {
		defer co.wg.Done()
		if err := co.AdvertiseSelf(co.ctx, p); err != nil {
			slog.Debug("upgrade: advertise self", "peer", p2pnet.ShortID(p), "error", err)
		}
	}()
}

// AdvertiseSelf sends one advert per advertisable local address to p.
// Loopback and private addresses are withheld unless AllowPrivate is set.
func (co *Coordinator) AdvertiseSelf(ctx context.Context, p peer.ID) error {
	if co.sig == nil {
		return ErrNoSignaler
	}
	if _, ok := co.reg.Get(p); !ok {
		return ErrUnknownPeer
	}
	addrs := p2pnet.FilterAdvertisable(co.tr.LocalAddrs(), co.cfg.AllowPrivate)
	if len(addrs) == 0 {
		return ErrNoAdvertisableAddr
	}

	ctx, cancel := context.WithTimeout(ctx, advertSendTimeout)
	defer cancel()

	var err error
	for _, a := range addrs {
		err = multierr.Append(err, co.sig.SendAdvert(ctx, p, envelope.AddressAdvert{Addr: a}))
	}
	if err == nil {
		slog.Debug("upgrade: advertised self", "peer", p2pnet.ShortID(p), "addrs", len(addrs))
	}
	return err
}
