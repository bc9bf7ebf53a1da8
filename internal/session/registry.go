// Package session tracks what this node knows about each remote peer:
// the addresses it has learned, the connection currently used for sends,
// and when the peer was last heard from.
package session

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/parley/pkg/p2pnet"
)

// State is the connection state of a peer session.
type State string

const (
	StateUnknown         State = "unknown"
	StateRelayConnected  State = "relay_connected"
	StateUpgradePending  State = "upgrade_pending"
	StateDirectConnected State = "direct_connected"
	StateLost            State = "lost"
)

var allStates = []State{StateUnknown, StateRelayConnected, StateUpgradePending, StateDirectConnected, StateLost}

func (s State) valid() bool {
	return slices.Contains(allStates, s)
}

// Source records how an address was learned.
type Source string

const (
	SourceRelay   Source = "relay"   // circuit address through a joined relay
	SourceAdvert  Source = "advert"  // AddressAdvert from the peer itself
	SourceInbound Source = "inbound" // remote address of an inbound connection
	SourceDial    Source = "dial"    // address the user asked to connect to
	SourceMDNS    Source = "mdns"
	SourceDHT     Source = "dht"
)

// KnownAddr is one learned address for a peer.
type KnownAddr struct {
	p2pnet.AddrDescriptor
	Source   Source    `json:"source"`
	LastSeen time.Time `json:"last_seen"`
}

// PeerSession is a point-in-time copy of a peer's session. Mutating it has
// no effect on the registry.
type PeerSession struct {
	PeerID   peer.ID
	Addrs    []KnownAddr
	State    State
	Active   p2pnet.Conn // nil when no connection is designated
	LastSeen time.Time
}

// Path reports whether the active connection is direct or relayed.
// Empty when there is no active connection.
func (s PeerSession) Path() p2pnet.PathType {
	if s.Active == nil {
		return ""
	}
	return p2pnet.Describe(s.Active.RemoteMultiaddr()).Path()
}

type entry struct {
	addrs    map[string]*KnownAddr
	order    []string // insertion order of addrs keys
	state    State
	active   p2pnet.Conn
	lastSeen time.Time
}

// Registry is the authoritative map of peer identity to session. All
// methods are safe for concurrent use. SetConnectionState is the only
// way the active connection changes.
type Registry struct {
	clock   clock.Clock
	metrics *p2pnet.Metrics

	mu    sync.RWMutex
	peers map[peer.ID]*entry
}

// NewRegistry creates an empty registry. clk may be nil for the wall
// clock; m may be nil to disable the sessions gauge.
func NewRegistry(clk clock.Clock, m *p2pnet.Metrics) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:   clk,
		metrics: m,
		peers:   make(map[peer.ID]*entry),
	}
}

// Upsert records addr for p, creating the session if needed, and refreshes
// lastSeen. Re-announcing a known address only refreshes timestamps. A nil
// addr just ensures the session exists. Returns true when addr was new.
func (r *Registry) Upsert(p peer.ID, addr ma.Multiaddr, src Source) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.getOrCreate(p, now)
	e.lastSeen = now
	if len(addr) == 0 {
		return false
	}

	// Stored addresses never carry the peer's own /p2p suffix.
	if base, id := peer.SplitAddr(addr); id == p && len(base) > 0 {
		addr = base
	}
	key := addr.String()
	if ka, ok := e.addrs[key]; ok {
		ka.LastSeen = now
		return false
	}
	e.addrs[key] = &KnownAddr{
		AddrDescriptor: p2pnet.Describe(addr),
		Source:         src,
		LastSeen:       now,
	}
	e.order = append(e.order, key)
	slog.Debug("session: address learned", "peer", p2pnet.ShortID(p), "addr", key, "source", src)
	return true
}

// SetConnectionState sets p's state and, when c is non-nil, makes c the
// active connection. A nil c keeps the current active connection except
// for StateLost, which clears it. Moving to StateLost with no known
// addresses deletes the session.
func (r *Registry) SetConnectionState(p peer.ID, state State, c p2pnet.Conn) error {
	if !state.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	if c != nil {
		if c.RemotePeer() != p {
			return fmt.Errorf("%w: %s", ErrWrongPeer, p2pnet.ShortID(c.RemotePeer()))
		}
		if c.IsClosed() {
			return ErrConnClosed
		}
	}

	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.getOrCreate(p, now)
	prev := e.state
	switch {
	case state == StateLost:
		e.active = nil
	case c != nil:
		e.active = c
	}
	r.setState(e, state)

	if state == StateLost && len(e.addrs) == 0 {
		r.setState(e, "")
		delete(r.peers, p)
		slog.Debug("session: removed", "peer", p2pnet.ShortID(p))
		return nil
	}
	if prev != state {
		slog.Debug("session: state changed", "peer", p2pnet.ShortID(p), "from", prev, "to", state)
	}
	return nil
}

// Get returns a copy of p's session.
func (r *Registry) Get(p peer.ID) (PeerSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[p]
	if !ok {
		return PeerSession{}, false
	}
	return e.snapshot(p), true
}

// ActiveConn returns p's active connection, or nil.
func (r *Registry) ActiveConn(p peer.ID) p2pnet.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.peers[p]; ok {
		return e.active
	}
	return nil
}

// ForEachActive calls fn for every session whose active connection is
// open. fn runs without the registry lock held.
func (r *Registry) ForEachActive(fn func(PeerSession)) {
	for _, s := range r.Snapshot() {
		if s.Active != nil && !s.Active.IsClosed() {
			fn(s)
		}
	}
}

// Touch refreshes p's lastSeen. Unknown peers are ignored.
func (r *Registry) Touch(p peer.ID) {
	now := r.clock.Now()
	r.mu.Lock()
	if e, ok := r.peers[p]; ok {
		e.lastSeen = now
	}
	r.mu.Unlock()
}

// Snapshot returns copies of all sessions ordered by peer ID.
func (r *Registry) Snapshot() []PeerSession {
	r.mu.RLock()
	out := make([]PeerSession, 0, len(r.peers))
	for p, e := range r.peers {
		out = append(out, e.snapshot(p))
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b PeerSession) int {
		switch {
		case a.PeerID < b.PeerID:
			return -1
		case a.PeerID > b.PeerID:
			return 1
		}
		return 0
	})
	return out
}

// Counts returns the number of sessions in each state.
func (r *Registry) Counts() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[State]int, len(allStates))
	for _, e := range r.peers {
		counts[e.state]++
	}
	return counts
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// getOrCreate must be called with r.mu held.
func (r *Registry) getOrCreate(p peer.ID, now time.Time) *entry {
	e, ok := r.peers[p]
	if !ok {
		e = &entry{addrs: make(map[string]*KnownAddr), lastSeen: now}
		r.peers[p] = e
		r.setState(e, StateUnknown)
	}
	return e
}

// setState keeps the sessions gauge in step. An empty state drops the
// entry from the gauge. Must be called with r.mu held.
func (r *Registry) setState(e *entry, s State) {
	if r.metrics != nil {
		if e.state != "" {
			r.metrics.Sessions.WithLabelValues(string(e.state)).Dec()
		}
		if s != "" {
			r.metrics.Sessions.WithLabelValues(string(s)).Inc()
		}
	}
	e.state = s
}

func (e *entry) snapshot(p peer.ID) PeerSession {
	s := PeerSession{
		PeerID:   p,
		State:    e.state,
		Active:   e.active,
		LastSeen: e.lastSeen,
		Addrs:    make([]KnownAddr, 0, len(e.order)),
	}
	for _, k := range e.order {
		s.Addrs = append(s.Addrs, *e.addrs[k])
	}
	return s
}
