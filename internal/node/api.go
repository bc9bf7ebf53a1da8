package node

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/parley/internal/session"
	"github.com/shurlinet/parley/internal/upgrade"
	"github.com/shurlinet/parley/internal/voice"
	"github.com/shurlinet/parley/pkg/p2pnet"
)

// admitPoll is how often ConnectToPeer checks for the new session.
const admitPoll = 20 * time.Millisecond

// PeerID returns this node's peer ID.
func (n *Node) PeerID() peer.ID { return n.net.PeerID() }

// Network returns the underlying network.
func (n *Node) Network() *p2pnet.Network { return n.net }

// Metrics returns the metrics the node was built with, or nil.
func (n *Node) Metrics() *p2pnet.Metrics { return n.metrics }

// Version returns the version string the node announces.
func (n *Node) Version() string { return n.version }

// Subscribe returns a subscription to the node's events. buffer 0 picks
// DefaultSubscriberBuffer.
func (n *Node) Subscribe(buffer int) *Subscription {
	return n.events.Subscribe(buffer)
}

// SetLocalDisplayName sets the username carried on outgoing chat lines.
func (n *Node) SetLocalDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidDisplayName
	}
	n.chat.SetDisplayName(name)
	slog.Info("node: display name set", "name", name)
	return nil
}

// DisplayName returns the current username.
func (n *Node) DisplayName() string { return n.chat.DisplayName() }

// StartRelayRole makes this node a circuit relay and returns the address
// others join through, ending in /p2p/<self>.
func (n *Node) StartRelayRole() (ma.Multiaddr, error) {
	res, err := relayResources(n.cfg.Relay.Resources)
	if err != nil {
		return nil, err
	}
	addr, err := n.net.StartRelayRole(res)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.relayServe = addr
	n.mu.Unlock()
	n.audit.RelayRoleChange("start", addr.String())
	return addr, nil
}

// JoinViaRelay reserves a slot on the relay at relayAddr and returns this
// node's circuit address through it. The reservation is refreshed in the
// background until Close.
func (n *Node) JoinViaRelay(ctx context.Context, relayAddr string) (ma.Multiaddr, error) {
	addr, err := n.relay.Join(ctx, strings.TrimSpace(relayAddr))
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.refreshing && !n.closed {
		n.refreshing = true
		n.group.Go(func() error {
			n.relay.Run(n.gctx)
			return nil
		})
	}
	return addr, nil
}

// ConnectToPeer dials the peer named by target and waits until the
// connection is verified and registered. target is a multiaddr ending in
// /p2p/<id> (a circuit address for relayed peers), or a bare /p2p/<id>
// resolved through the DHT.
func (n *Node) ConnectToPeer(ctx context.Context, target string) (peer.ID, error) {
	n.mu.Lock()
	running, closed := n.running, n.closed
	n.mu.Unlock()
	switch {
	case closed:
		return "", ErrClosed
	case !running:
		return "", ErrNotStarted
	}

	addr, err := ma.NewMultiaddr(strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("%w: %v", p2pnet.ErrInvalidPeerAddress, err)
	}
	transport, id := peer.SplitAddr(addr)
	if id == "" {
		return "", fmt.Errorf("%w: %s does not end in /p2p/<peer-id>", p2pnet.ErrInvalidPeerAddress, addr)
	}
	if id == n.net.PeerID() {
		return "", fmt.Errorf("%w: address names this node", p2pnet.ErrInvalidPeerAddress)
	}

	ai := peer.AddrInfo{ID: id}
	if len(transport) == 0 {
		ai, err = n.net.FindPeer(ctx, id)
		if err != nil {
			return "", err
		}
		for _, a := range ai.Addrs {
			n.reg.Upsert(id, a, session.SourceDHT)
		}
	} else {
		ai.Addrs = []ma.Multiaddr{transport}
		n.reg.Upsert(id, transport, session.SourceDial)
	}

	c, err := n.net.Connect(ctx, ai)
	if err != nil {
		return "", err
	}
	vctx, cancel := context.WithTimeout(ctx, n.cfg.Upgrade.VerifyTimeout)
	defer cancel()
	if err := n.net.Verify(vctx, id, c); err != nil {
		return "", err
	}
	if err := n.waitActive(vctx, id); err != nil {
		return "", err
	}
	slog.Info("node: connected", "peer", p2pnet.ShortID(id), "path", n.Path(id))
	return id, nil
}

// waitActive blocks until p has an open active connection in the registry.
func (n *Node) waitActive(ctx context.Context, p peer.ID) error {
	ticker := time.NewTicker(admitPoll)
	defer ticker.Stop()
	for {
		if c := n.reg.ActiveConn(p); c != nil && !c.IsClosed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("register %s: %w", p2pnet.ShortID(p), p2pnet.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// Path reports whether p's active connection is direct or relayed, or ""
// without one.
func (n *Node) Path(p peer.ID) p2pnet.PathType {
	s, ok := n.reg.Get(p)
	if !ok {
		return ""
	}
	return s.Path()
}

// SendChatMessage sends text to every connected peer and returns how many
// it reached.
func (n *Node) SendChatMessage(ctx context.Context, text string) (int, error) {
	return n.chat.SendChatMessage(ctx, text)
}

// InitiateVoiceCall calls p and returns the call ID.
func (n *Node) InitiateVoiceCall(ctx context.Context, p peer.ID) (string, error) {
	return n.voice.InitiateCall(ctx, p)
}

// AnswerVoiceCall accepts a ringing incoming call.
func (n *Node) AnswerVoiceCall() error {
	return n.voice.Answer()
}

// SendVoiceChunk sends one encoded audio chunk on the active call.
func (n *Node) SendVoiceChunk(chunk []byte) error {
	return n.voice.SendAudioChunk(chunk)
}

// TerminateVoiceCall hangs up. It is a no-op without a call.
func (n *Node) TerminateVoiceCall() error {
	return n.voice.Terminate(voice.ReasonHangup)
}

// CallState returns the current call.
func (n *Node) CallState() voice.CallState {
	return n.voice.State()
}

// AddrInfo is one known address of a peer.
type AddrInfo struct {
	Address   string         `json:"address"`
	Source    session.Source `json:"source"`
	Public    bool           `json:"public"`
	Relayed   bool           `json:"relayed"`
	Transport string         `json:"transport"`
	LastSeen  time.Time      `json:"last_seen"`
}

// PeerInfo describes one peer session.
type PeerInfo struct {
	ID            string            `json:"id"`
	State         session.State     `json:"state"`
	Path          p2pnet.PathType   `json:"path,omitempty"`
	ActiveAddress string            `json:"active_address,omitempty"`
	Upgrade       upgrade.Phase     `json:"upgrade"`
	SafetyCode    p2pnet.SafetyCode `json:"safety_code"`
	LastSeen      time.Time         `json:"last_seen"`
	Addresses     []AddrInfo        `json:"addresses"`
}

// Peers returns every known peer session, ordered by peer ID.
func (n *Node) Peers() []PeerInfo {
	self := n.net.PeerID()
	snap := n.reg.Snapshot()
	out := make([]PeerInfo, 0, len(snap))
	for _, s := range snap {
		info := PeerInfo{
			ID:         s.PeerID.String(),
			State:      s.State,
			Path:       s.Path(),
			Upgrade:    n.coord.Phase(s.PeerID),
			SafetyCode: p2pnet.ComputeSafetyCode(self, s.PeerID),
			LastSeen:   s.LastSeen,
			Addresses:  make([]AddrInfo, 0, len(s.Addrs)),
		}
		if s.Active != nil {
			info.ActiveAddress = s.Active.RemoteMultiaddr().String()
		}
		for _, a := range s.Addrs {
			info.Addresses = append(info.Addresses, AddrInfo{
				Address:   a.Addr.String(),
				Source:    a.Source,
				Public:    a.Public,
				Relayed:   a.Relayed,
				Transport: a.Transport,
				LastSeen:  a.LastSeen,
			})
		}
		out = append(out, info)
	}
	return out
}

// Status is a summary of the node for the status command.
type Status struct {
	PeerID        string                   `json:"peer_id"`
	Version       string                   `json:"version"`
	DisplayName   string                   `json:"display_name"`
	UptimeSeconds int                      `json:"uptime_seconds"`
	ListenAddrs   []string                 `json:"listen_addresses"`
	RelayAddrs    []string                 `json:"relay_addresses"`
	RelayServing  string                   `json:"relay_serving,omitempty"`
	Sessions      map[session.State]int    `json:"sessions"`
	Call          voice.CallState          `json:"call"`
	NATType       string                   `json:"nat_type,omitempty"`
	ExternalAddrs []string                 `json:"external_addresses,omitempty"`
	Reachability  p2pnet.ReachabilityGrade `json:"reachability"`
}

// Status returns the node summary.
func (n *Node) Status() Status {
	st := Status{
		PeerID:        n.net.PeerID().String(),
		Version:       n.version,
		DisplayName:   n.chat.DisplayName(),
		UptimeSeconds: int(n.clock.Since(n.started).Seconds()),
		Sessions:      n.reg.Counts(),
		Call:          n.voice.State(),
	}
	for _, a := range n.net.LocalAddrs() {
		if p2pnet.IsRelayed(a) {
			st.RelayAddrs = append(st.RelayAddrs, a.String())
		} else {
			st.ListenAddrs = append(st.ListenAddrs, a.String())
		}
	}
	if joined := n.relay.Addr(); len(joined) > 0 && len(st.RelayAddrs) == 0 {
		st.RelayAddrs = append(st.RelayAddrs, joined.String())
	}

	n.mu.Lock()
	serve, prober := n.relayServe, n.stun
	n.mu.Unlock()
	if len(serve) > 0 && n.net.RelayRoleActive() {
		st.RelayServing = serve.String()
	}
	var stunRes *p2pnet.STUNResult
	if prober != nil {
		if stunRes = prober.Result(); stunRes != nil {
			st.NATType = string(stunRes.NATType)
			st.ExternalAddrs = stunRes.ExternalAddrs
		}
	}
	global, err := p2pnet.GlobalAddrs()
	if err != nil {
		slog.Debug("node: interface scan", "error", err)
	}
	st.Reachability = p2pnet.GradeReachability(global, stunRes)
	return st
}
