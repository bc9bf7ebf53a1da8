package p2pnet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

// NATType describes the NAT in front of this node as inferred from STUN.
type NATType string

const (
	NATNone              NATType = "none"
	NATAddressRestricted NATType = "address-restricted" // endpoint-independent mapping
	NATPortRestricted    NATType = "port-restricted"    // port differs per destination
	NATSymmetric         NATType = "symmetric"          // different mapping per destination
	NATUnknown           NATType = "unknown"
)

// HolePunchable reports whether a direct upgrade has a realistic chance.
func (n NATType) HolePunchable() bool {
	switch n {
	case NATNone, NATAddressRestricted, NATPortRestricted:
		return true
	default:
		return false
	}
}

// ProbeResult is the outcome of a single STUN server probe.
type ProbeResult struct {
	ServerAddr   string        `json:"server_addr"`
	ExternalAddr string        `json:"external_addr,omitempty"`
	ExternalIP   string        `json:"external_ip,omitempty"`
	ExternalPort int           `json:"external_port,omitempty"`
	Latency      time.Duration `json:"latency_ms"`
	Error        string        `json:"error,omitempty"`
}

// STUNResult aggregates one probe round.
type STUNResult struct {
	Probes        []ProbeResult `json:"probes"`
	NATType       NATType       `json:"nat_type"`
	ExternalAddrs []string      `json:"external_addrs"`
	ProbedAt      time.Time     `json:"probed_at"`
}

// DefaultSTUNServers are well-known public STUN servers.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

const stunProbeTimeout = 3 * time.Second

// STUNProber discovers this node's external UDP mapping. The result feeds
// status reporting only; upgrade decisions rely on observed addresses.
type STUNProber struct {
	servers []string
	metrics *Metrics // nil-safe

	mu     sync.RWMutex
	result *STUNResult
}

// NewSTUNProber creates a STUNProber. If servers is empty, defaults are used.
func NewSTUNProber(servers []string, m *Metrics) *STUNProber {
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	return &STUNProber{servers: servers, metrics: m}
}

// Probe queries every server concurrently and classifies the NAT.
func (sp *STUNProber) Probe(ctx context.Context) (*STUNResult, error) {
	results := make([]ProbeResult, len(sp.servers))
	var wg sync.WaitGroup
	for i, server := range sp.servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = stunBindingRequest(ctx, server)
		}()
	}
	wg.Wait()

	result := &STUNResult{Probes: results, ProbedAt: time.Now()}
	seen := make(map[string]bool)
	var successful int
	for _, r := range results {
		outcome := "failure"
		if r.Error == "" {
			outcome = "success"
			successful++
			if !seen[r.ExternalAddr] {
				seen[r.ExternalAddr] = true
				result.ExternalAddrs = append(result.ExternalAddrs, r.ExternalAddr)
			}
		}
		if sp.metrics != nil {
			sp.metrics.STUNProbeTotal.WithLabelValues(outcome).Inc()
		}
	}
	result.NATType = classifyNAT(results)

	sp.mu.Lock()
	sp.result = result
	sp.mu.Unlock()

	slog.Info("stun: probe complete",
		"servers", len(sp.servers),
		"successful", successful,
		"nat_type", string(result.NATType),
	)
	if successful == 0 {
		return result, fmt.Errorf("all STUN probes failed")
	}
	return result, nil
}

// Result returns the most recent probe result, or nil.
func (sp *STUNProber) Result() *STUNResult {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.result
}

// classifyNAT compares the mappings reported by different servers.
// Same IP and port everywhere means endpoint-independent mapping, which is
// reported conservatively as address-restricted since public servers rarely
// support CHANGE-REQUEST.
func classifyNAT(results []ProbeResult) NATType {
	var ok []ProbeResult
	for _, r := range results {
		if r.Error == "" {
			ok = append(ok, r)
		}
	}
	if len(ok) < 2 {
		return NATUnknown
	}

	sameIP, samePort := true, true
	for _, r := range ok[1:] {
		if r.ExternalIP != ok[0].ExternalIP {
			sameIP = false
		}
		if r.ExternalPort != ok[0].ExternalPort {
			samePort = false
		}
	}
	switch {
	case sameIP && samePort:
		return NATAddressRestricted
	case sameIP:
		return NATPortRestricted
	default:
		return NATSymmetric
	}
}

// stunBindingRequest sends one Binding Request over UDP and decodes the
// mapped address from the response.
func stunBindingRequest(ctx context.Context, server string) ProbeResult {
	result := ProbeResult{ServerAddr: server}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(stunProbeTimeout)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", server)
	if err != nil {
		result.Error = fmt.Sprintf("dial: %v", err)
		return result
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		result.Error = fmt.Sprintf("build: %v", err)
		return result
	}

	start := time.Now()
	if _, err := req.WriteTo(conn); err != nil {
		result.Error = fmt.Sprintf("write: %v", err)
		return result
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		result.Error = fmt.Sprintf("read: %v", err)
		return result
	}
	result.Latency = time.Since(start)

	res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
	if err := res.Decode(); err != nil {
		result.Error = fmt.Sprintf("decode: %v", err)
		return result
	}
	if res.TransactionID != req.TransactionID {
		result.Error = "transaction ID mismatch"
		return result
	}
	if res.Type != stun.BindingSuccess {
		result.Error = fmt.Sprintf("unexpected response type: %s", res.Type)
		return result
	}

	ip, port, err := mappedAddress(res)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.ExternalIP = ip.String()
	result.ExternalPort = port
	result.ExternalAddr = net.JoinHostPort(ip.String(), fmt.Sprint(port))
	return result
}

// mappedAddress prefers XOR-MAPPED-ADDRESS and falls back to MAPPED-ADDRESS
// for old servers.
func mappedAddress(m *stun.Message) (net.IP, int, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		return xor.IP, xor.Port, nil
	}
	var plain stun.MappedAddress
	if err := plain.GetFrom(m); err == nil {
		return plain.IP, plain.Port, nil
	}
	return nil, 0, fmt.Errorf("no mapped address in response")
}
