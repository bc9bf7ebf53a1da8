package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	dto "github.com/prometheus/client_model/go"
	"pgregory.net/rapid"

	"github.com/shurlinet/parley/pkg/p2pnet"
)

type fakeConn struct {
	id     string
	remote peer.ID
	addr   ma.Multiaddr
	closed bool
}

func (c *fakeConn) ID() string                    { return c.id }
func (c *fakeConn) RemotePeer() peer.ID           { return c.remote }
func (c *fakeConn) RemoteMultiaddr() ma.Multiaddr { return c.addr }
func (c *fakeConn) IsClosed() bool                { return c.closed }
func (c *fakeConn) Close() error                  { c.closed = true; return nil }

func randomPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("GenerateEd25519Key: %v", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("IDFromPublicKey: %v", err)
	}
	return id
}

func relayConn(p peer.ID, id string) *fakeConn {
	return &fakeConn{
		id:     id,
		remote: p,
		addr:   ma.StringCast("/ip4/8.8.8.8/tcp/7777/p2p/12D3KooWRzaGMTqQbRHNMZkAYj8ALUXoK99qSjhiFLanDoVWK9An/p2p-circuit"),
	}
}

func directConn(p peer.ID, id string) *fakeConn {
	return &fakeConn{id: id, remote: p, addr: ma.StringCast("/ip4/8.8.4.4/udp/4001/quic-v1")}
}

func gaugeValue(t *testing.T, m *p2pnet.Metrics, state State) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Sessions.WithLabelValues(string(state)).Write(&out); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return out.GetGauge().GetValue()
}

func TestUpsertIdempotent(t *testing.T) {
	p := randomPeerID(t)

	rapid.Check(t, func(rt *rapid.T) {
		r := NewRegistry(clock.NewMock(), nil)
		n := rapid.IntRange(1, 5).Draw(rt, "distinct")
		addrs := make([]ma.Multiaddr, n)
		for i := range addrs {
			addrs[i] = ma.StringCast(fmt.Sprintf("/ip4/10.0.0.%d/tcp/4001", i+1))
		}
		seq := rapid.SliceOfN(rapid.IntRange(0, n-1), 1, 40).Draw(rt, "sequence")

		seen := make(map[int]bool)
		for _, i := range seq {
			added := r.Upsert(p, addrs[i], SourceAdvert)
			if added == seen[i] {
				rt.Fatalf("Upsert(%s) added=%v, already seen=%v", addrs[i], added, seen[i])
			}
			seen[i] = true
		}

		s, ok := r.Get(p)
		if !ok {
			rt.Fatal("session missing")
		}
		if len(s.Addrs) != len(seen) {
			rt.Fatalf("known addrs = %d, want %d", len(s.Addrs), len(seen))
		}
	})
}

func TestUpsertStripsOwnPeerID(t *testing.T) {
	p := randomPeerID(t)
	r := NewRegistry(nil, nil)

	r.Upsert(p, ma.StringCast("/ip4/8.8.8.8/tcp/4001/p2p/"+p.String()), SourceDial)
	if r.Upsert(p, ma.StringCast("/ip4/8.8.8.8/tcp/4001"), SourceAdvert) {
		t.Error("same address with and without /p2p counted twice")
	}
	s, _ := r.Get(p)
	if len(s.Addrs) != 1 || s.Addrs[0].Source != SourceDial || !s.Addrs[0].Public {
		t.Errorf("addrs = %+v", s.Addrs)
	}
}

func TestUpsertRefreshesLastSeen(t *testing.T) {
	clk := clock.NewMock()
	r := NewRegistry(clk, nil)
	p := randomPeerID(t)
	addr := ma.StringCast("/ip4/8.8.8.8/tcp/4001")

	r.Upsert(p, addr, SourceAdvert)
	first, _ := r.Get(p)

	clk.Add(5 * time.Second)
	r.Upsert(p, addr, SourceAdvert)
	second, _ := r.Get(p)

	if got := second.LastSeen.Sub(first.LastSeen); got != 5*time.Second {
		t.Errorf("lastSeen advanced %v, want 5s", got)
	}
	if !second.Addrs[0].LastSeen.Equal(second.LastSeen) {
		t.Error("address timestamp not refreshed")
	}

	clk.Add(time.Second)
	r.Touch(p)
	third, _ := r.Get(p)
	if !third.LastSeen.Equal(clk.Now()) {
		t.Errorf("Touch lastSeen = %v, want %v", third.LastSeen, clk.Now())
	}

	r.Touch(randomPeerID(t))
	if r.Len() != 1 {
		t.Error("Touch created a session for an unknown peer")
	}
}

func TestSetConnectionState(t *testing.T) {
	m := p2pnet.NewMetrics("test", "go")
	r := NewRegistry(nil, m)
	p := randomPeerID(t)

	relay := relayConn(p, "c1")
	if err := r.SetConnectionState(p, StateRelayConnected, relay); err != nil {
		t.Fatalf("relay: %v", err)
	}
	s, _ := r.Get(p)
	if s.State != StateRelayConnected || s.Active != relay || s.Path() != p2pnet.PathRelayed {
		t.Fatalf("after relay = %+v", s)
	}

	// nil conn keeps the active reference.
	if err := r.SetConnectionState(p, StateUpgradePending, nil); err != nil {
		t.Fatal(err)
	}
	if s, _ := r.Get(p); s.Active != relay || s.State != StateUpgradePending {
		t.Fatalf("pending = %+v", s)
	}

	direct := directConn(p, "c2")
	if err := r.SetConnectionState(p, StateDirectConnected, direct); err != nil {
		t.Fatal(err)
	}
	if s, _ := r.Get(p); s.Active != direct || s.Path() != p2pnet.PathDirect {
		t.Fatalf("direct = %+v", s)
	}
	if got := gaugeValue(t, m, StateDirectConnected); got != 1 {
		t.Errorf("direct gauge = %v, want 1", got)
	}
	if got := gaugeValue(t, m, StateRelayConnected); got != 0 {
		t.Errorf("relay gauge = %v, want 0", got)
	}
}

func TestSetConnectionStateRejects(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := randomPeerID(t)
	other := randomPeerID(t)

	closed := directConn(p, "c1")
	closed.closed = true
	if err := r.SetConnectionState(p, StateDirectConnected, closed); !errors.Is(err, ErrConnClosed) {
		t.Errorf("closed conn err = %v", err)
	}
	if err := r.SetConnectionState(p, StateDirectConnected, directConn(other, "c2")); !errors.Is(err, ErrWrongPeer) {
		t.Errorf("wrong peer err = %v", err)
	}
	if err := r.SetConnectionState(p, State("bogus"), nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("bogus state err = %v", err)
	}
	if r.Len() != 0 {
		t.Error("rejected transitions created a session")
	}
}

func TestLostDeletesOnlyWithoutAddrs(t *testing.T) {
	m := p2pnet.NewMetrics("test", "go")
	r := NewRegistry(nil, m)
	a := randomPeerID(t)
	b := randomPeerID(t)

	_ = r.SetConnectionState(a, StateRelayConnected, relayConn(a, "c1"))
	_ = r.SetConnectionState(b, StateRelayConnected, relayConn(b, "c2"))
	r.Upsert(b, ma.StringCast("/ip4/8.8.8.8/tcp/4001"), SourceAdvert)

	_ = r.SetConnectionState(a, StateLost, nil)
	_ = r.SetConnectionState(b, StateLost, nil)

	if _, ok := r.Get(a); ok {
		t.Error("session without addresses kept after Lost")
	}
	s, ok := r.Get(b)
	if !ok {
		t.Fatal("session with addresses deleted")
	}
	if s.State != StateLost || s.Active != nil {
		t.Errorf("b = %+v", s)
	}
	if got := gaugeValue(t, m, StateLost); got != 1 {
		t.Errorf("lost gauge = %v, want 1", got)
	}
	if got := gaugeValue(t, m, StateRelayConnected); got != 0 {
		t.Errorf("relay gauge = %v, want 0", got)
	}
}

func TestForEachActiveAndCounts(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := randomPeerID(t)
	b := randomPeerID(t)
	c := randomPeerID(t)

	_ = r.SetConnectionState(a, StateDirectConnected, directConn(a, "c1"))
	bc := relayConn(b, "c2")
	_ = r.SetConnectionState(b, StateRelayConnected, bc)
	r.Upsert(c, ma.StringCast("/ip4/8.8.8.8/tcp/4001"), SourceMDNS)
	bc.closed = true

	var visited []peer.ID
	r.ForEachActive(func(s PeerSession) {
		visited = append(visited, s.PeerID)
		// Re-entering the registry from the callback must not deadlock.
		r.Touch(s.PeerID)
	})
	if len(visited) != 1 || visited[0] != a {
		t.Errorf("visited = %v, want only %s", visited, a)
	}

	counts := r.Counts()
	if counts[StateDirectConnected] != 1 || counts[StateRelayConnected] != 1 || counts[StateUnknown] != 1 {
		t.Errorf("counts = %v", counts)
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].PeerID >= snap[i].PeerID {
			t.Error("snapshot not sorted")
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := randomPeerID(t)
	r.Upsert(p, ma.StringCast("/ip4/8.8.8.8/tcp/4001"), SourceAdvert)

	s, _ := r.Get(p)
	s.Addrs[0].Source = SourceDHT
	s.State = StateDirectConnected

	again, _ := r.Get(p)
	if again.Addrs[0].Source != SourceAdvert || again.State != StateUnknown {
		t.Errorf("registry mutated through copy: %+v", again)
	}
}
