package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/parley/internal/daemon"
	"github.com/shurlinet/parley/internal/node"
	"github.com/shurlinet/parley/internal/session"
	"github.com/shurlinet/parley/internal/voice"
	"github.com/shurlinet/parley/pkg/p2pnet"
)

// stubRuntime stands in for a node behind a real daemon server so the
// commands run end to end over the Unix socket.
type stubRuntime struct {
	mu sync.Mutex

	self   peer.ID
	call   voice.CallState
	events *node.Hub

	names    []string
	targets  []string
	lines    []string
	chunks   [][]byte
	relays   []string
	serving  bool
	hangups  int
	chatErr  error
	callErr  error
	audioErr error
}

var _ daemon.Runtime = (*stubRuntime)(nil)

func (s *stubRuntime) Status() node.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return node.Status{
		PeerID:      s.self.String(),
		Version:     "test",
		DisplayName: "alice",
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/4001"},
		Sessions:    map[session.State]int{session.StateRelayConnected: 1},
		Call:        s.call,
	}
}

func (s *stubRuntime) Peers() []node.PeerInfo {
	return []node.PeerInfo{
		{ID: "12D3KooWStubPeerOne", State: session.StateRelayConnected, Path: p2pnet.PathRelayed},
		{ID: "12D3KooWStubPeerLost", State: session.StateLost},
	}
}

func (s *stubRuntime) SetLocalDisplayName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return nil
}

func (s *stubRuntime) ConnectToPeer(_ context.Context, target string) (peer.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
	return s.self, nil
}

func (s *stubRuntime) Path(peer.ID) p2pnet.PathType { return p2pnet.PathDirect }

func (s *stubRuntime) SendChatMessage(_ context.Context, text string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatErr != nil {
		return 0, s.chatErr
	}
	s.lines = append(s.lines, text)
	return 1, nil
}

func (s *stubRuntime) InitiateVoiceCall(_ context.Context, p peer.ID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callErr != nil {
		return "", s.callErr
	}
	s.call = voice.CallState{Phase: voice.PhaseActive, CallID: "call-7", Peer: p, Direction: voice.Outgoing}
	return "call-7", nil
}

func (s *stubRuntime) AnswerVoiceCall() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call.Phase != voice.PhaseRinging {
		return voice.ErrNotRinging
	}
	s.call.Phase = voice.PhaseActive
	return nil
}

func (s *stubRuntime) SendVoiceChunk(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioErr != nil {
		return s.audioErr
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return nil
}

func (s *stubRuntime) TerminateVoiceCall() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangups++
	s.call = voice.CallState{Phase: voice.PhaseIdle}
	return nil
}

func (s *stubRuntime) CallState() voice.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

func (s *stubRuntime) JoinViaRelay(_ context.Context, relayAddr string) (ma.Multiaddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relays = append(s.relays, relayAddr)
	return ma.NewMultiaddr(relayAddr + "/p2p-circuit")
}

func (s *stubRuntime) StartRelayRole() (ma.Multiaddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serving = true
	return ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001/p2p/" + s.self.String())
}

func (s *stubRuntime) Subscribe(buffer int) *node.Subscription {
	return s.events.Subscribe(buffer)
}

// locked runs fn under the stub's lock. Tests touch fields through it
// because the handlers run on the server's goroutines.
func (s *stubRuntime) locked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func genPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// writeConfig writes a config file naming socket and cookie paths inside
// dir, plus any extra YAML, and returns its path.
func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "parley.yaml")
	content := fmt.Sprintf("daemon:\n  socket_path: parley.sock\n  cookie_path: cookie\n%s", extra)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// startStubDaemon serves a stubRuntime on the socket named by a fresh
// config and returns the config path.
func startStubDaemon(t *testing.T) (string, *stubRuntime) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")

	rt := &stubRuntime{
		self:   genPeerID(t),
		call:   voice.CallState{Phase: voice.PhaseIdle},
		events: node.NewHub(),
	}
	srv := daemon.NewServer(rt, filepath.Join(dir, "parley.sock"), filepath.Join(dir, "cookie"), "test")
	if err := srv.Start(); err != nil {
		t.Fatalf("daemon Start: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		rt.events.Close()
	})
	return cfgPath, rt
}
