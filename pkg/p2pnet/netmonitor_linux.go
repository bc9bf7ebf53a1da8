//go:build linux

package p2pnet

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// rtnetlink multicast groups (linux/rtnetlink.h).
const (
	rtmgrpLink     = 0x1
	rtmgrpIPv4Addr = 0x10
	rtmgrpIPv6Addr = 0x100
)

// nlmsgHdrLen is sizeof(struct nlmsghdr).
const nlmsgHdrLen = 16

// watchNetworkChanges wakes the monitor on rtnetlink link and address
// events. It falls back to polling if the socket cannot be opened.
func watchNetworkChanges(ctx context.Context, ch chan<- struct{}) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		slog.Warn("netmonitor: netlink socket failed, polling instead", "error", err)
		pollNetworkChanges(ctx, ch)
		return
	}
	defer unix.Close(fd)

	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: rtmgrpLink | rtmgrpIPv4Addr | rtmgrpIPv6Addr,
	}
	if err := unix.Bind(fd, sa); err != nil {
		slog.Warn("netmonitor: netlink bind failed, polling instead", "error", err)
		pollNetworkChanges(ctx, ch)
		return
	}

	// The receive timeout bounds how long shutdown waits on Recvfrom.
	tv := unix.NsecToTimeval(int64(2 * time.Second))
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		slog.Warn("netmonitor: netlink timeout failed, polling instead", "error", err)
		pollNetworkChanges(ctx, ch)
		return
	}

	buf := make([]byte, 8192)
	for ctx.Err() == nil {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				slog.Debug("netmonitor: netlink read", "error", err)
			}
			continue
		}
		if hasAddrEvent(buf[:n]) {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// hasAddrEvent reports whether a netlink datagram carries a link or
// address change.
func hasAddrEvent(b []byte) bool {
	for len(b) >= nlmsgHdrLen {
		msgLen := binary.NativeEndian.Uint32(b[0:4])
		msgType := binary.NativeEndian.Uint16(b[4:6])
		if msgLen < nlmsgHdrLen || int(msgLen) > len(b) {
			return false
		}
		switch msgType {
		case unix.RTM_NEWADDR, unix.RTM_DELADDR, unix.RTM_NEWLINK, unix.RTM_DELLINK:
			return true
		}
		// Messages are 4-byte aligned.
		next := int((msgLen + 3) &^ 3)
		if next > len(b) {
			return false
		}
		b = b[next:]
	}
	return false
}
