//go:build linux

package p2pnet

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

// nlmsg builds a netlink message header followed by payload bytes.
func nlmsg(msgType uint16, payload int) []byte {
	b := make([]byte, nlmsgHdrLen+payload)
	binary.NativeEndian.PutUint32(b[0:4], uint32(len(b)))
	binary.NativeEndian.PutUint16(b[4:6], msgType)
	return b
}

func TestHasAddrEvent(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
		want bool
	}{
		{"new addr", nlmsg(unix.RTM_NEWADDR, 8), true},
		{"del addr", nlmsg(unix.RTM_DELADDR, 8), true},
		{"new link", nlmsg(unix.RTM_NEWLINK, 0), true},
		{"route only", nlmsg(unix.RTM_NEWROUTE, 12), false},
		{"route then addr", append(nlmsg(unix.RTM_NEWROUTE, 12), nlmsg(unix.RTM_DELADDR, 4)...), true},
		{"two messages", append(nlmsg(unix.RTM_NEWROUTE, 4), nlmsg(unix.RTM_NEWADDR, 0)...), true},
		{"short", []byte{1, 2, 3}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasAddrEvent(tt.b); got != tt.want {
				t.Errorf("hasAddrEvent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasAddrEvent_BadLength(t *testing.T) {
	b := nlmsg(unix.RTM_NEWADDR, 0)
	binary.NativeEndian.PutUint32(b[0:4], 4096)
	if hasAddrEvent(b) {
		t.Error("oversized length accepted")
	}
	binary.NativeEndian.PutUint32(b[0:4], 3)
	if hasAddrEvent(b) {
		t.Error("undersized length accepted")
	}
}
