// Package nettcp implements the net/tcp capability: nonblocking
// connect/listen/accept with stream handles that support half-close.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nettcp

import (
	"encoding/binary"

	"github.com/frogfishio/zingcore/cmn/allowlist"
	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/netsock"
	"golang.org/x/sys/unix"
)

// Open flags.
const (
	OpenListen = 1 << iota
	OpenReuseAddr
	OpenReusePort
	OpenIPv6Only
	OpenNodelay
	OpenKeepalive

	knownOpenFlags = OpenListen | OpenReuseAddr | OpenReusePort | OpenIPv6Only | OpenNodelay | OpenKeepalive
)

// AcceptRecSize is the size of one accept record returned by listener reads:
// u32 conn_handle, u32 peer_port, peer_addr[16], u32 local_port, u32 reserved.
const AcceptRecSize = 32

const defaultBacklog = 128

type (
	// Stream is a connected (or connecting) TCP stream handle.
	Stream struct {
		fd            int
		connecting    bool
		writeShutdown bool
	}

	listener struct {
		rt        *core.Runtime
		fd        int
		openFlags uint32
	}
)

////////////
// Stream //
////////////

// NewStream wraps an already-connected nonblocking fd (used by the listener
// below for accepted connections).
func NewStream(fd int) *Stream { return &Stream{fd: fd} }

// ensureConnected resolves the connecting bit: SO_ERROR first, then
// getpeername to confirm (some platforms report 0 before establishment).
func (s *Stream) ensureConnected() error {
	if !s.connecting {
		return nil
	}
	if s.fd < 0 {
		return core.EClosed
	}
	soErr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr == 0 {
		if _, err := unix.Getpeername(s.fd); err == nil {
			s.connecting = false
			return nil
		} else if err == unix.ENOTCONN {
			return core.EAgain
		} else {
			return err
		}
	}
	e := unix.Errno(soErr)
	if e == unix.EINPROGRESS || e == unix.EWOULDBLOCK || e == unix.EAGAIN {
		return core.EAgain
	}
	return e
}

func (s *Stream) Read(dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if err := s.ensureConnected(); err != nil {
		return 0, err
	}
	n, err := unix.Read(s.fd, dst)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Stream) Write(src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	if s.writeShutdown {
		return 0, core.EClosed
	}
	if err := s.ensureConnected(); err != nil {
		return 0, err
	}
	n, err := unix.Write(s.fd, src)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Stream) Ctl(op uint32, _ []byte) error {
	if s.fd < 0 {
		return core.EClosed
	}
	if op == core.CtlShutWR {
		if s.writeShutdown {
			return nil
		}
		if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil {
			return err
		}
		s.writeShutdown = true
		return nil
	}
	return core.ENosys
}

func (s *Stream) End() error {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	return nil
}

func (s *Stream) PollFD() (int, bool) {
	if s.fd < 0 {
		return -1, false
	}
	return s.fd, true
}

func applyStreamOpts(fd int, openFlags uint32) {
	one := 1
	if openFlags&OpenNodelay != 0 {
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, one)
	}
	if openFlags&OpenKeepalive != 0 {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, one)
	}
}

//////////////
// listener //
//////////////

// Read returns as many 32-byte accept records as fit; each accepted
// connection is installed as a new stream handle before its record is
// written out.
func (l *listener) Read(dst []byte) (int, error) {
	if l.fd < 0 {
		return 0, core.EClosed
	}
	if len(dst) < AcceptRecSize {
		return 0, core.EBounds
	}
	maxRecs := len(dst) / AcceptRecSize
	wrote := 0
	for i := 0; i < maxRecs; i++ {
		cfd, peer, err := unix.Accept(l.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			if wrote != 0 {
				break
			}
			return 0, err
		}
		netsock.SetNonblock(cfd)
		netsock.SetCloexec(cfd)
		applyStreamOpts(cfd, l.openFlags)

		h := l.rt.Alloc(NewStream(cfd), core.HReadable|core.HWritable|core.HEndable)

		peerAddr, peerPort := netsock.To16(peer)
		_, localPort := netsock.BoundAddr(cfd)

		rec := dst[wrote:]
		binary.LittleEndian.PutUint32(rec[0:], uint32(h))
		binary.LittleEndian.PutUint32(rec[4:], peerPort)
		copy(rec[8:24], peerAddr[:])
		binary.LittleEndian.PutUint32(rec[24:], localPort)
		binary.LittleEndian.PutUint32(rec[28:], 0)
		wrote += AcceptRecSize
	}
	if wrote == 0 {
		return 0, core.EAgain
	}
	return wrote, nil
}

func (*listener) Write(_ []byte) (int, error) { return 0, core.ENosys }

func (l *listener) End() error {
	if l.fd >= 0 {
		unix.Close(l.fd)
		l.fd = -1
	}
	return nil
}

func (l *listener) PollFD() (int, bool) {
	if l.fd < 0 {
		return -1, false
	}
	return l.fd, true
}

//////////
// open //
//////////

// Open params: u64 host_ptr, u32 host_len, u32 port, u32 flags,
// [u32 backlog], [u64 out_port_ptr]. The host is resolved through the
// runtime's memory mapper; the optional out-port pointer receives the bound
// port for ephemeral listens.
func open(rt *core.Runtime, params []byte) int32 {
	if rt.Mem() == nil {
		return int32(core.ENosys)
	}
	if len(params) < 20 {
		return int32(core.EInvalid)
	}
	hostPtr := binary.LittleEndian.Uint64(params[0:])
	hostLen := binary.LittleEndian.Uint32(params[8:])
	port := binary.LittleEndian.Uint32(params[12:])
	flags := binary.LittleEndian.Uint32(params[16:])

	if flags&^uint32(knownOpenFlags) != 0 {
		return int32(core.EInvalid)
	}
	if hostLen == 0 || hostLen > 255 || port > 65535 {
		return int32(core.EInvalid)
	}
	hostB, err := rt.Mem().MapRO(hostPtr, hostLen)
	if err != nil {
		return int32(core.Code(err))
	}
	for _, c := range hostB {
		if c == 0 {
			return int32(core.EInvalid)
		}
	}
	host := allowlist.StripBrackets(string(hostB))

	wantListen := flags&OpenListen != 0
	if wantListen {
		if !allowlist.ListenAllowed(host, port) {
			return int32(core.EDenied)
		}
	} else {
		if port == 0 {
			return int32(core.EInvalid)
		}
		if !allowlist.OutboundAllowed(host, port) {
			return int32(core.EDenied)
		}
	}

	backlog := uint32(defaultBacklog)
	if len(params) >= 24 {
		backlog = binary.LittleEndian.Uint32(params[20:])
		if backlog == 0 {
			backlog = defaultBacklog
		}
		if backlog > 65535 {
			backlog = 65535
		}
	}
	var outPortPtr uint64
	if len(params) >= 32 {
		outPortPtr = binary.LittleEndian.Uint64(params[24:])
	}

	resolveHost := host
	if wantListen && string(hostB) == "*" {
		resolveHost = "*"
	}
	sas, err := netsock.Resolve(resolveHost, port)
	if err != nil {
		return int32(core.Code(err))
	}

	if wantListen {
		return openListener(rt, sas, flags, backlog, outPortPtr)
	}
	return openStream(rt, sas, flags)
}

func openListener(rt *core.Runtime, sas []unix.Sockaddr, flags, backlog uint32, outPortPtr uint64) int32 {
	var lastErr error = core.EIO
	for _, sa := range sas {
		fd, err := netsock.Stream(sa)
		if err != nil {
			lastErr = err
			continue
		}
		one := 1
		// allow quick restarts
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, one)
		if flags&OpenReusePort != 0 {
			unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, one)
		}
		if _, v6 := sa.(*unix.SockaddrInet6); v6 && flags&OpenIPv6Only != 0 {
			unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, one)
		}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			lastErr = err
			continue
		}
		if err := unix.Listen(fd, int(backlog)); err != nil {
			unix.Close(fd)
			lastErr = err
			continue
		}
		if outPortPtr != 0 {
			out, err := rt.Mem().MapRW(outPortPtr, 4)
			if err != nil {
				unix.Close(fd)
				return int32(core.Code(err))
			}
			_, boundPort := netsock.BoundAddr(fd)
			binary.LittleEndian.PutUint32(out, boundPort)
		}
		l := &listener{rt: rt, fd: fd, openFlags: flags}
		return rt.Alloc(l, core.HReadable|core.HEndable)
	}
	return int32(core.Code(lastErr))
}

func openStream(rt *core.Runtime, sas []unix.Sockaddr, flags uint32) int32 {
	var lastErr error = core.EIO
	for _, sa := range sas {
		fd, err := netsock.Stream(sa)
		if err != nil {
			lastErr = err
			continue
		}
		applyStreamOpts(fd, flags)
		connecting := false
		for {
			err = unix.Connect(fd, sa)
			if err == unix.EINTR {
				continue
			}
			break
		}
		switch err {
		case nil:
		case unix.EINPROGRESS, unix.EWOULDBLOCK:
			connecting = true
		default:
			unix.Close(fd)
			lastErr = err
			continue
		}
		s := &Stream{fd: fd, connecting: connecting}
		return rt.Alloc(s, core.HReadable|core.HWritable|core.HEndable)
	}
	return int32(core.Code(lastErr))
}

// Register installs net/tcp@v1 into rt's capability registry.
func Register(rt *core.Runtime) error {
	return rt.Register(&core.Cap{
		Kind:    "net",
		Name:    "tcp",
		Version: 1,
		Flags:   core.CapCanOpen | core.CapMayBlock,
		Open:    open,
	})
}
