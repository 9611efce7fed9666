//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

// File: transport/tcp/sys_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw non-blocking socket calls.

package tcp

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func isInterrupted(err error) bool { return err == unix.EINTR }

// isAborted reports a connection that was reset while still in the accept
// queue.
func isAborted(err error) bool { return err == unix.ECONNABORTED }

func sysRead(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func sysWrite(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func sysClose(fd int) error { return unix.Close(fd) }

func sysShutdownWrite(fd int) error { return unix.Shutdown(fd, unix.SHUT_WR) }

// sysConnect creates a socket and starts connecting it. inProgress reports
// that completion must be awaited through writability.
func sysConnect(addr *net.TCPAddr) (fd int, inProgress bool, err error) {
	sa, family, err := toSockaddr(addr)
	if err != nil {
		return -1, false, err
	}
	if fd, err = newSocket(family); err != nil {
		return -1, false, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	for {
		err = unix.Connect(fd, sa)
		if err != unix.EINTR {
			break
		}
	}
	switch err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return fd, true, nil
	default:
		_ = unix.Close(fd)
		return -1, false, os.NewSyscallError("connect", err)
	}
}

// sysConnectResult inspects a socket whose connect was in progress.
func sysConnectResult(fd int) (done bool, err error) {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, err
	}
	switch e := unix.Errno(soerr); e {
	case 0, unix.EISCONN:
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return false, nil
	default:
		return false, e
	}
	if _, err := unix.Getpeername(fd); err != nil {
		if errors.Is(err, unix.ENOTCONN) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func sysListen(addr *net.TCPAddr, backlog int) (int, net.Addr, error) {
	sa, family, err := toSockaddr(addr)
	if err != nil {
		return -1, nil, err
	}
	fd, err := newSocket(family)
	if err != nil {
		return -1, nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, nil, os.NewSyscallError("listen", err)
	}
	local, _ := sysAddrs(fd)
	return fd, local, nil
}

func sysAddrs(fd int) (local, remote net.Addr) {
	if sa, err := unix.Getsockname(fd); err == nil {
		local = fromSockaddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		remote = fromSockaddr(sa)
	}
	return local, remote
}

func toSockaddr(a *net.TCPAddr) (unix.Sockaddr, int, error) {
	if a.IP == nil || a.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		if ip4 := a.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET, nil
	}
	ip6 := a.IP.To16()
	if ip6 == nil {
		return nil, 0, fmt.Errorf("tcp: invalid address %v", a)
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], ip6)
	if a.Zone != "" {
		if ifi, err := net.InterfaceByName(a.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, unix.AF_INET6, nil
}

func fromSockaddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]), Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	}
	return nil
}
