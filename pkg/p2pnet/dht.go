package p2pnet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// DHTProtocolPrefix isolates parley's Kademlia routing table from the
// public IPFS DHT: the full protocol becomes /parley/kad/1.0.0.
const DHTProtocolPrefix = "/parley"

// DHT resolves bare peer IDs to addresses. It runs in client mode; relays
// and other long-lived nodes answer the queries.
type DHT struct {
	kdht    *dht.IpfsDHT
	metrics *Metrics
}

// EnableDHT starts a client-mode DHT bootstrapped from the given peers.
// Bootstrap peers that cannot be reached are logged and skipped.
func (n *Network) EnableDHT(ctx context.Context, bootstrap []string) (*DHT, error) {
	infos, err := ParseRelayAddrs(bootstrap)
	if err != nil {
		return nil, fmt.Errorf("dht bootstrap peers: %w", err)
	}

	kdht, err := dht.New(ctx, n.host,
		dht.Mode(dht.ModeClient),
		dht.ProtocolPrefix(protocol.ID(DHTProtocolPrefix)),
		dht.BootstrapPeers(infos...),
	)
	if err != nil {
		return nil, fmt.Errorf("DHT error: %w", err)
	}
	if err := kdht.Bootstrap(ctx); err != nil {
		kdht.Close()
		return nil, fmt.Errorf("DHT bootstrap error: %w", err)
	}

	var wg sync.WaitGroup
	var connected atomic.Int32
	for _, ai := range infos {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := n.Connect(ctx, ai); err != nil {
				slog.Debug("dht: bootstrap peer unreachable", "peer", ShortID(ai.ID), "error", err)
				return
			}
			connected.Add(1)
		}()
	}
	wg.Wait()
	slog.Info("dht: client started", "bootstrap", len(infos), "connected", connected.Load())

	d := &DHT{kdht: kdht, metrics: n.metrics}
	n.relayMu.Lock()
	n.dht = d
	n.relayMu.Unlock()
	return d, nil
}

// FindPeer resolves a peer ID to its known addresses. It returns
// ErrDHTDisabled when EnableDHT was never called.
func (n *Network) FindPeer(ctx context.Context, p peer.ID) (peer.AddrInfo, error) {
	n.relayMu.Lock()
	d := n.dht
	n.relayMu.Unlock()
	if d == nil {
		return peer.AddrInfo{}, ErrDHTDisabled
	}
	return d.FindPeer(ctx, p)
}

// FindPeer looks p up in the DHT.
func (d *DHT) FindPeer(ctx context.Context, p peer.ID) (peer.AddrInfo, error) {
	ai, err := d.kdht.FindPeer(ctx, p)
	result := "found"
	if err != nil {
		result = "not_found"
	}
	if d.metrics != nil {
		d.metrics.DHTLookupsTotal.WithLabelValues(result).Inc()
	}
	if err != nil {
		return peer.AddrInfo{}, wrapTimeout("dht find "+ShortID(p), err)
	}
	return ai, nil
}

// Close shuts the DHT down.
func (d *DHT) Close() error {
	return d.kdht.Close()
}
