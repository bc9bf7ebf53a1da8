package p2pnet

import "net/netip"

// ReachabilityGrade summarizes how likely a relayed session with this
// node is to upgrade to a direct connection.
type ReachabilityGrade struct {
	Grade       string `json:"grade"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Grade constants ordered from best to worst.
const (
	GradeA = "A"
	GradeB = "B"
	GradeC = "C"
	GradeD = "D"
)

// GradeReachability grades the node from its global interface addresses
// and the last STUN probe. stun may be nil.
//
//	A  Excellent   Public IPv6 on an interface
//	B  Good        Public IPv4, or a NAT that hole punching gets through
//	C  Fair        Port-restricted NAT or unknown NAT with a mapping
//	D  Relay only  Symmetric NAT or nothing public found
func GradeReachability(global []netip.Addr, stun *STUNResult) ReachabilityGrade {
	var v4, v6 bool
	for _, a := range global {
		if a.Is4() {
			v4 = true
		} else {
			v6 = true
		}
	}
	switch {
	case v6:
		return ReachabilityGrade{GradeA, "Excellent", "Public IPv6 detected"}
	case v4:
		return ReachabilityGrade{GradeB, "Good", "Public IPv4 detected"}
	}

	if stun != nil {
		switch stun.NATType {
		case NATNone:
			return ReachabilityGrade{GradeB, "Good", "STUN reports no NAT"}
		case NATAddressRestricted:
			return ReachabilityGrade{GradeB, "Good", "Hole-punchable NAT (" + string(stun.NATType) + ")"}
		case NATPortRestricted:
			return ReachabilityGrade{GradeC, "Fair", "Port-restricted NAT"}
		case NATSymmetric:
			return ReachabilityGrade{GradeD, "Relay only", "Symmetric NAT, direct upgrade unlikely"}
		}
		if len(stun.ExternalAddrs) > 0 {
			return ReachabilityGrade{GradeC, "Fair", "NAT type unknown, external address discovered"}
		}
	}
	return ReachabilityGrade{GradeD, "Relay only", "No public address detected"}
}
