package p2pnet

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParseAddr(s)
	}
	slices.SortFunc(out, netip.Addr.Compare)
	return out
}

func TestDiffAddrs(t *testing.T) {
	tests := []struct {
		name         string
		old, current []netip.Addr
		added        []netip.Addr
		removed      []netip.Addr
		changed      bool
	}{
		{"same", addrs("203.0.113.1", "2001:db8::1"), addrs("203.0.113.1", "2001:db8::1"), nil, nil, false},
		{"both empty", nil, nil, nil, nil, false},
		{"added", addrs("203.0.113.1"), addrs("203.0.113.1", "2001:db8::1"), addrs("2001:db8::1"), nil, true},
		{"removed", addrs("203.0.113.1", "2001:db8::1"), addrs("2001:db8::1"), nil, addrs("203.0.113.1"), true},
		{"from nothing", nil, addrs("198.51.100.4"), addrs("198.51.100.4"), nil, true},
		{"swapped", addrs("198.51.100.4"), addrs("198.51.100.5"), addrs("198.51.100.5"), addrs("198.51.100.4"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change, ok := diffAddrs(tt.old, tt.current)
			if ok != tt.changed {
				t.Fatalf("changed = %v, want %v", ok, tt.changed)
			}
			if !slices.Equal(change.Added, tt.added) || !slices.Equal(change.Removed, tt.removed) {
				t.Errorf("change = %+v, want added %v removed %v", change, tt.added, tt.removed)
			}
		})
	}
}

// fakeNet is a scriptable address source for the monitor.
type fakeNet struct {
	mu     sync.Mutex
	addrs  []netip.Addr
	events chan struct{}
}

func (f *fakeNet) set(a []netip.Addr) {
	f.mu.Lock()
	f.addrs = a
	f.mu.Unlock()
}

func (f *fakeNet) scan() ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.addrs), nil
}

func (f *fakeNet) watch(ctx context.Context, ch chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.events:
			ch <- struct{}{}
		}
	}
}

func startMonitor(t *testing.T, m *Metrics) (*fakeNet, *clock.Mock, <-chan AddrChange) {
	t.Helper()
	fn := &fakeNet{addrs: addrs("203.0.113.1"), events: make(chan struct{})}
	mock := clock.NewMock()
	changes := make(chan AddrChange, 4)

	nm := NewNetworkMonitor(func(c AddrChange) { changes <- c }, m)
	nm.clock = mock
	nm.scan = fn.scan
	nm.watch = fn.watch

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		nm.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return fn, mock, changes
}

// notify delivers one kernel event and lets the debounce elapse.
func notify(t *testing.T, fn *fakeNet, mock *clock.Mock) {
	t.Helper()
	select {
	case fn.events <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor not listening for events")
	}
	// The timer is armed on the monitor goroutine; keep nudging the clock
	// until it has been.
	for range 50 {
		mock.Add(netChangeDebounce)
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNetworkMonitor_ReportsChange(t *testing.T) {
	m := NewMetrics("test", "go")
	fn, mock, changes := startMonitor(t, m)

	fn.set(addrs("203.0.113.1", "2001:db8::7"))
	notify(t, fn, mock)

	select {
	case c := <-changes:
		if !slices.Equal(c.Added, addrs("2001:db8::7")) || len(c.Removed) != 0 {
			t.Errorf("change = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}

	if v := counterValue(t, m, "parley_network_changes_total", map[string]string{"family": "ipv6"}); v != 1 {
		t.Errorf("ipv6 changes = %v, want 1", v)
	}
	if v := counterValue(t, m, "parley_network_changes_total", map[string]string{"family": "ipv4"}); v != 0 {
		t.Errorf("ipv4 changes = %v, want 0", v)
	}
}

func TestNetworkMonitor_IgnoresNoop(t *testing.T) {
	fn, mock, changes := startMonitor(t, nil)

	// An event without an address change is not reported.
	notify(t, fn, mock)
	select {
	case c := <-changes:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	fn.set(nil)
	notify(t, fn, mock)
	select {
	case c := <-changes:
		if !slices.Equal(c.Removed, addrs("203.0.113.1")) {
			t.Errorf("change = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("removal not reported")
	}
}

func TestNetworkMonitor_StopsOnCancel(t *testing.T) {
	nm := NewNetworkMonitor(func(AddrChange) {}, nil)
	nm.watch = func(ctx context.Context, _ chan<- struct{}) { <-ctx.Done() }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		nm.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
