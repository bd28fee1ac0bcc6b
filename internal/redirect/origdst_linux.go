//go:build linux

package redirect

import (
	"errors"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SO_ORIGINAL_DST (IPv4) and IP6T_SO_ORIGINAL_DST (IPv6) share optname 80;
// they differ only in socket level.
const soOriginalDst = 80

// OriginalDestination recovers the pre-redirection destination of a TCP
// connection accepted from a REDIRECT rule's target listener. Fails for
// connections that reached the listener directly, without traversing a rule.
func OriginalDestination(conn net.Conn) (*net.TCPAddr, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("not a TCP connection: %T", conn)
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("failed to access raw connection: %w", err)
	}

	ipv6 := false
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		ipv6 = addr.IP.To4() == nil
	}

	var (
		addr    *net.TCPAddr
		sockErr error
	)
	ctrlErr := rawConn.Control(func(fd uintptr) {
		level := unix.SOL_IP
		if ipv6 {
			level = unix.SOL_IPV6
		}

		var raw [unix.SizeofSockaddrInet6]byte
		size := uint32(len(raw))
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(level),
			soOriginalDst,
			uintptr(unsafe.Pointer(&raw[0])),
			uintptr(unsafe.Pointer(&size)),
			0,
		)
		if errno != 0 {
			sockErr = fmt.Errorf("getsockopt SO_ORIGINAL_DST: %w", errno)
			return
		}
		addr, sockErr = tcpAddrFromRawSockaddr(raw[:size])
	})
	if ctrlErr != nil {
		return nil, ctrlErr
	}
	if sockErr != nil {
		return nil, sockErr
	}
	return addr, nil
}

// tcpAddrFromRawSockaddr decodes a kernel sockaddr_in or sockaddr_in6 into a
// TCP address.
func tcpAddrFromRawSockaddr(raw []byte) (*net.TCPAddr, error) {
	if len(raw) < unix.SizeofSockaddrInet4 {
		return nil, errors.New("sockaddr too short")
	}

	switch family := *(*uint16)(unsafe.Pointer(&raw[0])); family {
	case unix.AF_INET:
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&raw[0]))
		return &net.TCPAddr{
			IP:   net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]),
			Port: sockaddrPort(sa.Port),
		}, nil

	case unix.AF_INET6:
		if len(raw) < unix.SizeofSockaddrInet6 {
			return nil, errors.New("sockaddr_in6 too short")
		}
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&raw[0]))
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{
			IP:   ip,
			Port: sockaddrPort(sa.Port),
			Zone: zoneForIndex(ip, sa.Scope_id),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported address family %d", family)
	}
}

// sockaddrPort converts the big-endian in_port_t stored in a raw sockaddr to
// host order.
func sockaddrPort(p uint16) int {
	return int(p>>8)&0xff | int(p&0xff)<<8
}

func zoneForIndex(ip net.IP, index uint32) string {
	if index == 0 || !ip.IsLinkLocalUnicast() {
		return ""
	}
	iface, err := net.InterfaceByIndex(int(index))
	if err != nil {
		return ""
	}
	return iface.Name
}
