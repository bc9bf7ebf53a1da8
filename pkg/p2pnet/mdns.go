package p2pnet

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"
)

// MDNSServiceName is the DNS-SD service type used for LAN discovery.
const MDNSServiceName = "_parley._udp"

const (
	// mdnsDedupeInterval suppresses repeated reports of the same peer
	// when several responders answer one query.
	mdnsDedupeInterval = 30 * time.Second

	// mdnsBrowseInterval controls how often we re-query the network.
	// Each round uses a fresh multicast socket; long-lived browses stall
	// silently on some platforms.
	mdnsBrowseInterval = 30 * time.Second

	// mdnsBrowseTimeout is how long each browse round runs.
	mdnsBrowseTimeout = 10 * time.Second

	// dnsaddrPrefix matches libp2p's TXT record format for multiaddrs.
	dnsaddrPrefix = "dnsaddr="
)

// MDNSDiscovery announces this node on the LAN and reports other parley
// nodes it hears. It never dials: found peers are handed to onFound, which
// treats their addresses as direct-path candidates.
type MDNSDiscovery struct {
	host    host.Host
	self    peer.ID
	server  *zeroconf.Server
	metrics *Metrics
	onFound func(peer.AddrInfo)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastTry map[peer.ID]time.Time
}

// NewMDNSDiscovery creates an mDNS discovery service. Metrics is optional.
func NewMDNSDiscovery(h host.Host, m *Metrics, onFound func(peer.AddrInfo)) *MDNSDiscovery {
	return &MDNSDiscovery{
		host:    h,
		self:    h.ID(),
		metrics: m,
		onFound: onFound,
		lastTry: make(map[peer.ID]time.Time),
	}
}

// Start registers the service and begins periodic browsing.
func (md *MDNSDiscovery) Start(ctx context.Context) error {
	md.ctx, md.cancel = context.WithCancel(ctx)
	if err := md.startServer(); err != nil {
		md.cancel()
		return err
	}
	md.wg.Add(1)
	go md.browseLoop()
	return nil
}

// Close stops advertising and browsing.
func (md *MDNSDiscovery) Close() error {
	if md.cancel != nil {
		md.cancel()
	}
	if md.server != nil {
		md.server.Shutdown()
	}
	md.wg.Wait()
	return nil
}

// startServer publishes our listen addresses as dnsaddr= TXT records,
// the format libp2p's own mDNS service uses.
func (md *MDNSDiscovery) startServer() error {
	interfaceAddrs, err := md.host.Network().InterfaceListenAddresses()
	if err != nil {
		return err
	}
	p2pAddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: md.self, Addrs: interfaceAddrs})
	if err != nil {
		return err
	}

	var txts []string
	for _, addr := range p2pAddrs {
		if isSuitableForMDNS(addr) {
			txts = append(txts, dnsaddrPrefix+addr.String())
		}
	}

	peerName := randomString(32 + rand.Intn(32))
	server, err := zeroconf.RegisterProxy(
		peerName,
		MDNSServiceName,
		"local",
		4001, // DNS-SD requires a port; addresses travel in TXT records
		peerName,
		getIPs(p2pAddrs),
		txts,
		nil,
	)
	if err != nil {
		return err
	}
	md.server = server
	return nil
}

func (md *MDNSDiscovery) browseLoop() {
	defer md.wg.Done()

	md.runBrowse()
	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-md.ctx.Done():
			return
		case <-ticker.C:
			md.runBrowse()
		}
	}
}

func (md *MDNSDiscovery) runBrowse() {
	ctx, cancel := context.WithTimeout(md.ctx, mdnsBrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 100)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			md.processTextRecords(entry.Text)
		}
	}()

	// zeroconf.Browse closes entries when it returns.
	if err := zeroconf.Browse(ctx, MDNSServiceName, "local", entries); err != nil && md.ctx.Err() == nil {
		slog.Debug("mdns: browse round error", "error", err)
	}
	<-done
}

// processTextRecords turns dnsaddr TXT records into AddrInfos.
func (md *MDNSDiscovery) processTextRecords(txts []string) {
	addrs := make([]ma.Multiaddr, 0, len(txts))
	for _, txt := range txts {
		if !strings.HasPrefix(txt, dnsaddrPrefix) {
			continue
		}
		addr, err := ma.NewMultiaddr(txt[len(dnsaddrPrefix):])
		if err != nil {
			slog.Debug("mdns: bad multiaddr in TXT", "error", err)
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return
	}
	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		slog.Debug("mdns: failed to parse peer addrs", "error", err)
		return
	}
	for _, info := range infos {
		md.HandlePeerFound(info)
	}
}

// HandlePeerFound reports a LAN peer, at most once per dedupe interval.
func (md *MDNSDiscovery) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == md.self || len(pi.Addrs) == 0 {
		return
	}

	md.mu.Lock()
	if last, ok := md.lastTry[pi.ID]; ok && time.Since(last) < mdnsDedupeInterval {
		md.mu.Unlock()
		return
	}
	md.lastTry[pi.ID] = time.Now()
	md.mu.Unlock()

	slog.Info("mdns: peer discovered on LAN", "peer", ShortID(pi.ID), "addrs", len(pi.Addrs))
	if md.metrics != nil {
		md.metrics.MDNSDiscoveredTotal.WithLabelValues("discovered").Inc()
	}
	if md.onFound != nil {
		md.onFound(pi)
	}
}

// isSuitableForMDNS accepts IP or .local DNS addresses that do not use
// relay or browser-only transports.
func isSuitableForMDNS(addr ma.Multiaddr) bool {
	if len(addr) == 0 {
		return false
	}
	first, _ := ma.SplitFirst(addr)
	if first == nil {
		return false
	}
	switch first.Protocol().Code {
	case ma.P_IP4, ma.P_IP6:
	case ma.P_DNS, ma.P_DNS4, ma.P_DNS6, ma.P_DNSADDR:
		if !strings.HasSuffix(strings.ToLower(first.Value()), ".local") {
			return false
		}
	default:
		return false
	}
	excluded := false
	ma.ForEach(addr, func(c ma.Component) bool {
		switch c.Protocol().Code {
		case ma.P_CIRCUIT, ma.P_WEBTRANSPORT, ma.P_WEBRTC, ma.P_WS, ma.P_WSS:
			excluded = true
			return false
		}
		return true
	})
	return !excluded
}

// getIPs picks one IPv4 and one IPv6 for the A/AAAA records DNS-SD
// requires. Falls back to 127.0.0.1.
func getIPs(addrs []ma.Multiaddr) []string {
	var ip4, ip6 string
	for _, addr := range addrs {
		first, _ := ma.SplitFirst(addr)
		if first == nil {
			continue
		}
		switch {
		case ip4 == "" && first.Protocol().Code == ma.P_IP4:
			ip4 = first.Value()
		case ip6 == "" && first.Protocol().Code == ma.P_IP6:
			ip6 = first.Value()
		}
	}
	var ips []string
	for _, ip := range []string{ip4, ip6} {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		ips = append(ips, "127.0.0.1")
	}
	return ips
}

func randomString(l int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	s := make([]byte, l)
	for i := range s {
		s[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(s)
}
