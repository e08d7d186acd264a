// Package nethttp implements the net/http capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nethttp

import (
	"github.com/frogfishio/zingcore/core"
	"golang.org/x/sys/unix"
)

// bodyStream is an unframed request/response body: a prebuffer of bytes
// already read past the header block, then up to `remaining` bytes off the
// (by now nonblocking) connection.
type bodyStream struct {
	fd         int
	remaining  uint64
	pre        []byte
	closeOnEnd bool
}

func newBodyStream(fd int, remaining uint64, pre []byte, closeOnEnd bool) *bodyStream {
	bs := &bodyStream{fd: fd, remaining: remaining, closeOnEnd: closeOnEnd}
	if len(pre) != 0 {
		bs.pre = append([]byte(nil), pre...)
	}
	return bs
}

func (bs *bodyStream) Read(dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	// Serve prebuffered bytes first.
	if len(bs.pre) != 0 {
		n := copy(dst, bs.pre)
		bs.pre = bs.pre[n:]
		if len(bs.pre) == 0 {
			bs.pre = nil
		}
		return n, nil
	}
	if bs.remaining == 0 || bs.fd < 0 {
		return 0, nil
	}
	want := len(dst)
	if uint64(want) > bs.remaining {
		want = int(bs.remaining)
	}
	n, err := unix.Read(bs.fd, dst[:want])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		bs.remaining = 0
		return 0, nil
	}
	bs.remaining -= uint64(n)
	return n, nil
}

func (*bodyStream) Write(_ []byte) (int, error) { return 0, core.EDenied }

func (bs *bodyStream) End() error {
	if bs.closeOnEnd && bs.fd >= 0 {
		unix.Close(bs.fd)
	}
	bs.fd = -1
	bs.pre = nil
	return nil
}

func (bs *bodyStream) PollFD() (int, bool) {
	if bs.fd < 0 {
		return -1, false
	}
	return bs.fd, true
}

// drained reports whether both the prebuffer and the wire are exhausted.
func (bs *bodyStream) drained() bool {
	return len(bs.pre) == 0 && (bs.remaining == 0 || bs.fd < 0)
}
