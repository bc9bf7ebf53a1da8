package node

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shurlinet/parley/internal/chat"
	"github.com/shurlinet/parley/internal/config"
	"github.com/shurlinet/parley/internal/session"
	"github.com/shurlinet/parley/internal/voice"
	"github.com/shurlinet/parley/pkg/p2pnet"
)

func newTestNode(t *testing.T, name string, mutate func(*config.Config)) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.User.DisplayName = name
	cfg.Network.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Upgrade.AllowPrivateAddresses = true
	cfg.Upgrade.AdvertBurst = 10
	cfg.Relay.SettleDelay = 200 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	n, err := New(cfg, Options{Version: "test", Metrics: p2pnet.NewMetrics("test", "go")})
	if err != nil {
		t.Fatalf("New(%s): %v", name, err)
	}
	t.Cleanup(func() { n.Close() })
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s): %v", name, err)
	}
	return n
}

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

// waitEvent returns the next event of type typ from p, skipping others.
func waitEvent(t *testing.T, ctx context.Context, sub *Subscription, typ EventType, p peer.ID) Event {
	t.Helper()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed waiting for %s", typ)
			}
			if ev.Type == typ && ev.Peer == p.String() {
				return ev
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s from %s", typ, p2pnet.ShortID(p))
		}
	}
}

func directAddr(t *testing.T, n *Node) string {
	t.Helper()
	for _, a := range n.Network().LocalAddrs() {
		if p2pnet.IsRelayed(a) {
			continue
		}
		full, err := p2pnet.WithPeer(a, n.PeerID())
		if err != nil {
			t.Fatal(err)
		}
		return full.String()
	}
	t.Fatal("node has no direct listen address")
	return ""
}

func TestRelayedSessionUpgradesAndCarriesChatAndVoice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	relay := newTestNode(t, "relay", nil)
	relayAddr, err := relay.StartRelayRole()
	if err != nil {
		t.Fatalf("StartRelayRole: %v", err)
	}

	alice := newTestNode(t, "alice", nil)
	bob := newTestNode(t, "bob", nil)
	subA := alice.Subscribe(0)
	defer subA.Close()
	subB := bob.Subscribe(0)
	defer subB.Close()

	circuit, err := bob.JoinViaRelay(ctx, relayAddr.String())
	if err != nil {
		t.Fatalf("JoinViaRelay: %v", err)
	}
	if !p2pnet.IsRelayed(circuit) {
		t.Fatalf("joined address %s is not a circuit", circuit)
	}

	id, err := alice.ConnectToPeer(ctx, circuit.String())
	if err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	if id != bob.PeerID() {
		t.Fatalf("connected to %s, want %s", id, bob.PeerID())
	}

	waitEvent(t, ctx, subA, EventConnectionUpgraded, bob.PeerID())
	waitEvent(t, ctx, subB, EventConnectionUpgraded, alice.PeerID())
	if path := alice.Path(bob.PeerID()); path != p2pnet.PathDirect {
		t.Errorf("alice -> bob path = %q after upgrade", path)
	}
	s, ok := alice.reg.Get(bob.PeerID())
	if !ok || s.State != session.StateDirectConnected {
		t.Errorf("alice's session for bob = %+v", s)
	}

	if _, err := alice.SendChatMessage(ctx, "hello bob"); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	msg := waitEvent(t, ctx, subB, EventChatMessage, alice.PeerID())
	if msg.Message != "hello bob" || msg.Username != "alice" || msg.SentAt.IsZero() {
		t.Errorf("chat event = %+v", msg)
	}

	callID, err := alice.InitiateVoiceCall(ctx, bob.PeerID())
	if err != nil {
		t.Fatalf("InitiateVoiceCall: %v", err)
	}
	in := waitEvent(t, ctx, subB, EventIncomingCall, alice.PeerID())
	if in.CallID == "" {
		t.Error("incoming call without an ID")
	}
	if st := alice.CallState(); st.Phase != voice.PhaseActive || st.CallID != callID {
		t.Errorf("alice call state = %+v", st)
	}

	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	if err := alice.SendVoiceChunk(chunk); err != nil {
		t.Fatalf("SendVoiceChunk: %v", err)
	}
	got := waitEvent(t, ctx, subB, EventVoiceChunk, alice.PeerID())
	if !bytes.Equal(got.Chunk, chunk) {
		t.Errorf("chunk = %x, want %x", got.Chunk, chunk)
	}

	if err := alice.TerminateVoiceCall(); err != nil {
		t.Fatalf("TerminateVoiceCall: %v", err)
	}
	local := waitEvent(t, ctx, subA, EventCallTerminated, bob.PeerID())
	if local.Reason != voice.ReasonHangup {
		t.Errorf("local reason = %q", local.Reason)
	}
	remote := waitEvent(t, ctx, subB, EventCallTerminated, alice.PeerID())
	if remote.Reason != voice.ReasonRemoteEnd {
		t.Errorf("remote reason = %q", remote.Reason)
	}
	if st := bob.CallState(); st.Phase != voice.PhaseIdle {
		t.Errorf("bob call phase = %s after hangup", st.Phase)
	}
}

func TestSimultaneousConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := newTestNode(t, "alice", nil)
	bob := newTestNode(t, "bob", nil)
	subB := bob.Subscribe(0)
	defer subB.Close()

	targets := map[*Node]string{
		alice: directAddr(t, bob),
		bob:   directAddr(t, alice),
	}
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for n, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := n.ConnectToPeer(ctx, target); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ConnectToPeer: %v", err)
	}

	var codes []p2pnet.SafetyCode
	for _, pair := range []struct{ self, other *Node }{{alice, bob}, {bob, alice}} {
		peers := pair.self.Peers()
		if len(peers) != 1 {
			t.Fatalf("%s has %d sessions, want 1", pair.self.DisplayName(), len(peers))
		}
		if peers[0].ID != pair.other.PeerID().String() || peers[0].State != session.StateDirectConnected {
			t.Errorf("%s session = %+v", pair.self.DisplayName(), peers[0])
		}
		codes = append(codes, peers[0].SafetyCode)
	}
	if codes[0] != codes[1] || codes[0].Digits == "" {
		t.Errorf("safety codes differ between sides: %v", codes)
	}

	if _, err := alice.SendChatMessage(ctx, "after the race"); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}
	ev := waitEvent(t, ctx, subB, EventChatMessage, alice.PeerID())
	if ev.Message != "after the race" {
		t.Errorf("message = %q", ev.Message)
	}

	// Sessions that never went through a relay produce no upgrade event.
	for {
		select {
		case ev := <-subB.C:
			if ev.Type == EventConnectionUpgraded {
				t.Fatalf("unexpected upgrade event: %+v", ev)
			}
			continue
		default:
		}
		break
	}
}

func TestOperationErrors(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "solo", nil)

	if err := n.SetLocalDisplayName("   "); !errors.Is(err, ErrInvalidDisplayName) {
		t.Errorf("blank name err = %v", err)
	}
	if err := n.SetLocalDisplayName("  carol "); err != nil || n.DisplayName() != "carol" {
		t.Errorf("SetLocalDisplayName = %v, name %q", err, n.DisplayName())
	}

	for _, target := range []string{
		"not a multiaddr",
		"/ip4/127.0.0.1/tcp/4001",
		directAddr(t, n),
	} {
		if _, err := n.ConnectToPeer(ctx, target); !errors.Is(err, p2pnet.ErrInvalidPeerAddress) {
			t.Errorf("ConnectToPeer(%q) err = %v", target, err)
		}
	}
	if _, err := n.ConnectToPeer(ctx, "/p2p/"+randomPeerID(t).String()); !errors.Is(err, p2pnet.ErrDHTDisabled) {
		t.Errorf("bare peer ID without DHT err = %v", err)
	}

	if _, err := n.SendChatMessage(ctx, "anyone?"); !errors.Is(err, chat.ErrNoPeers) {
		t.Errorf("chat with no peers err = %v", err)
	}
	if _, err := n.InitiateVoiceCall(ctx, randomPeerID(t)); !errors.Is(err, voice.ErrNoSession) {
		t.Errorf("call unknown peer err = %v", err)
	}
	if err := n.SendVoiceChunk([]byte{1}); !errors.Is(err, voice.ErrNoActiveStream) {
		t.Errorf("chunk without call err = %v", err)
	}
	if err := n.AnswerVoiceCall(); !errors.Is(err, voice.ErrNotRinging) {
		t.Errorf("answer without call err = %v", err)
	}
	if err := n.TerminateVoiceCall(); err != nil {
		t.Errorf("hangup without call err = %v", err)
	}

	st := n.Status()
	if st.PeerID != n.PeerID().String() || st.Version != "test" || st.DisplayName != "carol" {
		t.Errorf("status = %+v", st)
	}
	if len(st.ListenAddrs) == 0 || st.Call.Phase != voice.PhaseIdle {
		t.Errorf("status = %+v", st)
	}
	if st.Reachability.Grade == "" {
		t.Error("status has no reachability grade")
	}
}

func TestRelayServeFromConfig(t *testing.T) {
	n := newTestNode(t, "relay", func(c *config.Config) { c.Relay.Serve = true })
	st := n.Status()
	if st.RelayServing == "" {
		t.Fatal("relay.serve did not start the relay role")
	}
	if !n.Network().RelayRoleActive() {
		t.Error("relay role not active")
	}
}

func TestWatchChangesStopsOnClose(t *testing.T) {
	n := newTestNode(t, "watcher", func(c *config.Config) { c.Network.WatchChanges = true })
	done := make(chan error, 1)
	go func() { done <- n.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Close blocked on the network monitor")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	n := newTestNode(t, "closer", nil)
	sub := n.Subscribe(0)
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, ok := <-sub.C; ok {
		t.Error("subscription still open after Close")
	}
	if err := n.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close err = %v", err)
	}
}

func TestRelayResources(t *testing.T) {
	res, err := relayResources(config.RelayResourcesConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Limit != nil {
		t.Error("default relay profile should not limit sessions")
	}

	res, err = relayResources(config.RelayResourcesConfig{
		MaxCircuits:      4,
		ReservationTTL:   "30m",
		SessionDuration:  "5m",
		SessionDataLimit: "1MB",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.MaxCircuits != 4 || res.ReservationTTL != 30*time.Minute {
		t.Errorf("resources = %+v", res)
	}
	if res.Limit == nil || res.Limit.Duration != 5*time.Minute || res.Limit.Data != 1<<20 {
		t.Errorf("limit = %+v", res.Limit)
	}

	if _, err := relayResources(config.RelayResourcesConfig{SessionDataLimit: "lots"}); err == nil {
		t.Error("bad data limit accepted")
	}
}

func TestConnectRequiresStart(t *testing.T) {
	cfg := config.Default()
	cfg.Network.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/0"}
	n, err := New(cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	target := "/ip4/127.0.0.1/tcp/4001/p2p/" + randomPeerID(t).String()
	if _, err := n.ConnectToPeer(context.Background(), target); !errors.Is(err, ErrNotStarted) {
		t.Errorf("before Start err = %v", err)
	}
	n.Close()
	if _, err := n.ConnectToPeer(context.Background(), target); !errors.Is(err, ErrClosed) {
		t.Errorf("after Close err = %v", err)
	}
}

// lockedBuffer is a bytes.Buffer safe for the concurrent writes of a
// slog handler.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAdmissionIsAudited(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var logs lockedBuffer
	cfg := config.Default()
	cfg.User.DisplayName = "audited"
	cfg.Network.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Upgrade.AllowPrivateAddresses = true
	audited, err := New(cfg, Options{Audit: p2pnet.NewAuditLogger(slog.NewJSONHandler(&logs, nil))})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { audited.Close() })
	if err := audited.Start(ctx); err != nil {
		t.Fatal(err)
	}

	other := newTestNode(t, "other", nil)
	if _, err := other.ConnectToPeer(ctx, directAddr(t, audited)); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}
	if err := audited.waitActive(ctx, other.PeerID()); err != nil {
		t.Fatal(err)
	}

	out := logs.String()
	if !strings.Contains(out, `"msg":"admission_decision"`) || !strings.Contains(out, `"result":"admitted"`) {
		t.Errorf("audit log missing admission: %s", out)
	}
	if !strings.Contains(out, other.PeerID().String()) {
		t.Errorf("audit log does not name the peer: %s", out)
	}
}
