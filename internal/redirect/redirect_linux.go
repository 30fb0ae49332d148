//go:build linux

// Package redirect implements the transparent-redirect hook spec.md §6
// treats as an OS-provided collaborator: recovering a socket's
// pre-redirect destination, and applying the platform mark so the
// relay's own outbound connections don't get looped back through the
// same iptables/nftables TPROXY or REDIRECT rule.
package redirect

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// soOriginalDst is Linux's SOL_IP-level getsockopt for recovering a
// REDIRECT'd TCP socket's original destination, set by the netfilter
// nat table before the connection reached userspace.
const soOriginalDst = 80

// Supported reports whether this build of the redirect package is backed
// by a real transparent-redirect syscall.
func Supported() bool { return true }

// OriginalDst recovers the pre-redirect destination of an intercepted
// TCP connection. Only IPv4 is implemented here: IPv6 transparent
// redirection is typically done via TPROXY plus IP_TRANSPARENT instead,
// which the caller should use for AAAA-destined traffic.
func OriginalDst(conn *net.TCPConn) (*net.TCPAddr, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var addr *net.TCPAddr
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, soOriginalDst)
		if err != nil {
			sockErr = fmt.Errorf("redirect: getsockopt SO_ORIGINAL_DST: %w", err)
			return
		}
		// sockaddr_in layout borrowed via IPv6Mreq's byte-for-byte size
		// match: family(2) unused here, port(2, BE) at offset 2, addr(4)
		// at offset 4.
		raw := mreq.Multiaddr
		port := uint16(raw[2])<<8 | uint16(raw[3])
		ip := net.IPv4(raw[4], raw[5], raw[6], raw[7])
		addr = &net.TCPAddr{IP: ip, Port: int(port)}
	})
	if err != nil {
		return nil, err
	}
	if sockErr != nil {
		return nil, sockErr
	}
	return addr, nil
}

// SetMark applies a platform mark (SO_MARK) to an intercepted socket so
// routing rules can steer the relay's own connections around the
// redirect rule instead of looping them back through it. Failure is
// fatal to the flow per spec.md §6, to avoid a routing loop.
func SetMark(conn *net.TCPConn, mark int) error {
	if mark == 0 {
		return nil
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
	})
	if err != nil {
		return err
	}
	return sockErr
}
