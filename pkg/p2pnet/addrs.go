package p2pnet

import (
	"slices"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// PathType describes how a peer connection is carried.
type PathType string

const (
	PathDirect  PathType = "DIRECT"
	PathRelayed PathType = "RELAYED"
)

// AddrDescriptor is a multiaddr with the classification tags the rest of
// the node needs: reachability scope, relay vs direct, and transport.
type AddrDescriptor struct {
	Addr      ma.Multiaddr `json:"-"`
	Public    bool         `json:"public"`
	Relayed   bool         `json:"relayed"`
	WebRTC    bool         `json:"webrtc"`
	Transport string       `json:"transport"`
	IPVersion string       `json:"ip_version"`
}

// Describe classifies a multiaddr. A nil address yields the zero value.
func Describe(addr ma.Multiaddr) AddrDescriptor {
	d := AddrDescriptor{Addr: addr, Transport: "unknown", IPVersion: "unknown"}
	if len(addr) == 0 {
		return d
	}
	ma.ForEach(addr, func(c ma.Component) bool {
		switch c.Protocol().Code {
		case ma.P_CIRCUIT:
			d.Relayed = true
		case ma.P_WEBRTC_DIRECT, ma.P_WEBRTC:
			d.WebRTC = true
			d.Transport = "webrtc"
		case ma.P_QUIC_V1, ma.P_QUIC:
			if d.Transport == "unknown" {
				d.Transport = "quic"
			}
		case ma.P_WS, ma.P_WSS:
			d.Transport = "websocket"
		case ma.P_TCP:
			if d.Transport == "unknown" {
				d.Transport = "tcp"
			}
		case ma.P_IP4:
			if d.IPVersion == "unknown" {
				d.IPVersion = "ipv4"
			}
		case ma.P_IP6:
			if d.IPVersion == "unknown" {
				d.IPVersion = "ipv6"
			}
		}
		return true
	})
	d.Public = !d.Relayed && manet.IsPublicAddr(addr)
	return d
}

// Path returns the path type of the descriptor.
func (d AddrDescriptor) Path() PathType {
	if d.Relayed {
		return PathRelayed
	}
	return PathDirect
}

// IsRelayed reports whether addr routes through a circuit relay.
func IsRelayed(addr ma.Multiaddr) bool {
	return Describe(addr).Relayed
}

// IsWebRTC reports whether addr uses a WebRTC transport.
func IsWebRTC(addr ma.Multiaddr) bool {
	return Describe(addr).WebRTC
}

// Advertisable reports whether a peer could plausibly dial addr from the
// outside. Relay circuits never qualify; they are what an upgrade escapes.
// Unspecified addresses never qualify. Private and loopback addresses
// qualify only when allowPrivate is set (LAN and single-host setups).
func Advertisable(addr ma.Multiaddr, allowPrivate bool) bool {
	if len(addr) == 0 {
		return false
	}
	d := Describe(addr)
	if d.Relayed {
		return false
	}
	if manet.IsIPLoopback(addr) || manet.IsIPUnspecified(addr) {
		return allowPrivate && manet.IsIPLoopback(addr)
	}
	if d.Public {
		return true
	}
	return allowPrivate
}

// FilterAdvertisable keeps the advertisable subset of addrs, strips any
// trailing /p2p component, removes duplicates, and orders public addresses
// before private ones.
func FilterAdvertisable(addrs []ma.Multiaddr, allowPrivate bool) []ma.Multiaddr {
	var public, private []ma.Multiaddr
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		transport, _ := peer.SplitAddr(a)
		if len(transport) == 0 || !Advertisable(transport, allowPrivate) {
			continue
		}
		key := transport.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if Describe(transport).Public {
			public = append(public, transport)
		} else {
			private = append(private, transport)
		}
	}
	return append(public, private...)
}

// SelectRelayAddr picks the circuit address through relayID from a host's
// address set. Non-loopback circuits are preferred over loopback ones.
func SelectRelayAddr(addrs []ma.Multiaddr, relayID peer.ID) (ma.Multiaddr, bool) {
	var fallback ma.Multiaddr
	for _, a := range addrs {
		if !IsRelayed(a) {
			continue
		}
		if relayID != "" && !circuitThrough(a, relayID) {
			continue
		}
		if !manet.IsIPLoopback(a) {
			return a, true
		}
		if fallback == nil {
			fallback = a
		}
	}
	return fallback, fallback != nil
}

// circuitThrough reports whether the /p2p component preceding /p2p-circuit
// names relayID.
func circuitThrough(addr ma.Multiaddr, relayID peer.ID) bool {
	var last string
	found := false
	ma.ForEach(addr, func(c ma.Component) bool {
		switch c.Protocol().Code {
		case ma.P_P2P:
			last = c.Value()
		case ma.P_CIRCUIT:
			found = last == relayID.String()
			return false
		}
		return true
	})
	return found
}

// CircuitAddr builds relayBase/p2p/<relay>/p2p-circuit/p2p/<target>.
// relayBase must be a transport address without a /p2p component.
func CircuitAddr(relayBase ma.Multiaddr, relayID, target peer.ID) (ma.Multiaddr, error) {
	s := relayBase.String() + "/p2p/" + relayID.String() + "/p2p-circuit"
	if target != "" {
		s += "/p2p/" + target.String()
	}
	return ma.NewMultiaddr(s)
}

// WithPeer appends /p2p/<id> unless addr already ends with a /p2p component.
func WithPeer(addr ma.Multiaddr, id peer.ID) (ma.Multiaddr, error) {
	if _, existing := peer.SplitAddr(addr); existing != "" {
		return addr, nil
	}
	return ma.NewMultiaddr(addr.String() + "/p2p/" + id.String())
}

// preferDirect orders conns so direct ones come first, keeping the
// original order within each class.
func preferDirect(conns []Conn) []Conn {
	out := slices.Clone(conns)
	slices.SortStableFunc(out, func(a, b Conn) int {
		ra, rb := IsRelayed(a.RemoteMultiaddr()), IsRelayed(b.RemoteMultiaddr())
		switch {
		case ra == rb:
			return 0
		case !ra:
			return -1
		default:
			return 1
		}
	})
	return out
}
