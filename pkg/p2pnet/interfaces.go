package p2pnet

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
)

// cgnat is the carrier-grade NAT range. Addresses in it are not reachable
// from outside the carrier.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// IsGlobalAddr reports whether a is a globally routable unicast address:
// not private, ULA, CGNAT, link-local or loopback.
func IsGlobalAddr(a netip.Addr) bool {
	a = a.Unmap()
	if !a.IsGlobalUnicast() || a.IsPrivate() {
		return false
	}
	return !(a.Is4() && cgnat.Contains(a))
}

// GlobalAddrs returns the global unicast addresses of every interface
// that is up, sorted and without duplicates.
func GlobalAddrs() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}
	var all []net.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		all = append(all, addrs...)
	}
	return globalFrom(all), nil
}

// globalFrom keeps the global addresses in addrs.
func globalFrom(addrs []net.Addr) []netip.Addr {
	var out []netip.Addr
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		a, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		if a = a.Unmap(); IsGlobalAddr(a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(x, y netip.Addr) int { return x.Compare(y) })
	return slices.Compact(out)
}
