package p2pnet

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// netChangeDebounce absorbs the burst of kernel events one network
	// switch produces.
	netChangeDebounce = 500 * time.Millisecond

	// netPollInterval is the fallback when no event source is available.
	netPollInterval = 30 * time.Second
)

// AddrChange lists global addresses gained and lost between two scans.
type AddrChange struct {
	Added   []netip.Addr
	Removed []netip.Addr
}

// NetworkMonitor calls onChange when the host's global addresses change.
// On Linux it wakes on netlink events; elsewhere it polls.
type NetworkMonitor struct {
	onChange func(AddrChange)
	metrics  *Metrics

	clock clock.Clock
	scan  func() ([]netip.Addr, error)
	watch func(ctx context.Context, ch chan<- struct{})
}

// NewNetworkMonitor creates a NetworkMonitor. Metrics may be nil.
func NewNetworkMonitor(onChange func(AddrChange), m *Metrics) *NetworkMonitor {
	return &NetworkMonitor{
		onChange: onChange,
		metrics:  m,
		clock:    clock.New(),
		scan:     GlobalAddrs,
		watch:    watchNetworkChanges,
	}
}

// Run blocks until ctx is done.
func (nm *NetworkMonitor) Run(ctx context.Context) {
	previous, err := nm.scan()
	if err != nil {
		slog.Warn("netmonitor: initial scan failed", "error", err)
	}

	events := make(chan struct{}, 1)
	go nm.watch(ctx, events)

	var timer *clock.Timer
	var settle <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
			if timer != nil {
				timer.Stop()
			}
			timer = nm.clock.Timer(netChangeDebounce)
			settle = timer.C
		case <-settle:
			settle = nil
			current, err := nm.scan()
			if err != nil {
				slog.Warn("netmonitor: scan failed", "error", err)
				continue
			}
			change, ok := diffAddrs(previous, current)
			if !ok {
				continue
			}
			previous = current
			nm.report(change)
		}
	}
}

func (nm *NetworkMonitor) report(change AddrChange) {
	slog.Info("netmonitor: global addresses changed",
		"added", len(change.Added), "removed", len(change.Removed))

	if nm.metrics != nil {
		var v4, v6 bool
		for _, a := range slices.Concat(change.Added, change.Removed) {
			if a.Is4() {
				v4 = true
			} else {
				v6 = true
			}
		}
		if v4 {
			nm.metrics.NetworkChangesTotal.WithLabelValues("ipv4").Inc()
		}
		if v6 {
			nm.metrics.NetworkChangesTotal.WithLabelValues("ipv6").Inc()
		}
	}
	nm.onChange(change)
}

// diffAddrs compares two sorted address lists. ok is false when they hold
// the same addresses.
func diffAddrs(old, current []netip.Addr) (AddrChange, bool) {
	var change AddrChange
	for _, a := range current {
		if _, found := slices.BinarySearchFunc(old, a, netip.Addr.Compare); !found {
			change.Added = append(change.Added, a)
		}
	}
	for _, a := range old {
		if _, found := slices.BinarySearchFunc(current, a, netip.Addr.Compare); !found {
			change.Removed = append(change.Removed, a)
		}
	}
	return change, len(change.Added) > 0 || len(change.Removed) > 0
}

// pollNetworkChanges wakes the monitor on a fixed interval.
func pollNetworkChanges(ctx context.Context, ch chan<- struct{}) {
	ticker := time.NewTicker(netPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}
