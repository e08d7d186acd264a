// Package netsock provides the raw-socket plumbing shared by the net/tcp
// and net/http capabilities: address resolution into sockaddrs, nonblocking
// fd setup, and v4-mapped address normalization.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package netsock

import (
	"net"
	"strconv"

	"github.com/frogfishio/zingcore/core"
	"golang.org/x/sys/unix"
)

func SetNonblock(fd int) { _ = unix.SetNonblock(fd, true) }

func SetCloexec(fd int) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return
	}
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
}

// To16 renders a sockaddr as (ipv6-or-v4-mapped addr, port).
func To16(sa unix.Sockaddr) (addr [16]byte, port uint32) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		addr[10], addr[11] = 0xFF, 0xFF
		copy(addr[12:], a.Addr[:])
		port = uint32(a.Port)
	case *unix.SockaddrInet6:
		copy(addr[:], a.Addr[:])
		port = uint32(a.Port)
	}
	return
}

// Resolve produces candidate sockaddrs for (host, port), IPs first as
// returned by the resolver. host "" binds the loopback; "*" the wildcard.
func Resolve(host string, port uint32) ([]unix.Sockaddr, error) {
	switch host {
	case "":
		host = "127.0.0.1"
	case "*":
		return []unix.Sockaddr{
			&unix.SockaddrInet6{Port: int(port)},
			&unix.SockaddrInet4{Port: int(port)},
		}, nil
	}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := net.LookupIP(host)
		if err != nil {
			return nil, core.ENoent
		}
		ips = resolved
	}
	sas := make([]unix.Sockaddr, 0, len(ips))
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			sa := &unix.SockaddrInet4{Port: int(port)}
			copy(sa.Addr[:], v4)
			sas = append(sas, sa)
			continue
		}
		sa := &unix.SockaddrInet6{Port: int(port)}
		copy(sa.Addr[:], ip.To16())
		sas = append(sas, sa)
	}
	if len(sas) == 0 {
		return nil, core.ENoent
	}
	return sas, nil
}

func family(sa unix.Sockaddr) int {
	if _, ok := sa.(*unix.SockaddrInet4); ok {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// Stream opens a SOCK_STREAM socket for sa, nonblocking and cloexec.
func Stream(sa unix.Sockaddr) (int, error) {
	fd, err := unix.Socket(family(sa), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	SetNonblock(fd)
	SetCloexec(fd)
	return fd, nil
}

// DialBlocking connects with a blocking socket (used by FETCH, which is
// allowed to block on its own connection).
func DialBlocking(host string, port uint32) (int, error) {
	sas, err := Resolve(host, port)
	if err != nil {
		return -1, err
	}
	var lastErr error = core.EIO
	for _, sa := range sas {
		fd, err := unix.Socket(family(sa), unix.SOCK_STREAM, unix.IPPROTO_TCP)
		if err != nil {
			lastErr = err
			continue
		}
		SetCloexec(fd)
		if err := unix.Connect(fd, sa); err != nil {
			unix.Close(fd)
			lastErr = err
			continue
		}
		return fd, nil
	}
	return -1, lastErr
}

// SendAll writes all of p, retrying on EINTR and on short writes. The fd is
// expected to be blocking; EAGAIN on a nonblocking fd is retried via a
// poll-for-writable wait.
func SendAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			unix.Poll(pfd, -1)
			continue
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// BoundAddr reports the local bound (addr, port) of fd.
func BoundAddr(fd int) (addr [16]byte, port uint32) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return
	}
	return To16(sa)
}

func PortString(port uint32) string { return strconv.FormatUint(uint64(port), 10) }
