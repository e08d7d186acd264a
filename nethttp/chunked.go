// Package nethttp implements the net/http capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nethttp

import (
	"github.com/frogfishio/zingcore/core"
	"golang.org/x/sys/unix"
)

// chunkedStream decodes Transfer-Encoding: chunked into a flat byte stream.
// States: size line -> data -> data CRLF -> trailers -> done.
const (
	csSizeLine = iota
	csData
	csDataCRLF
	csTrailers
	csDone
)

const (
	chunkedMaxSizeLine = 1024
	chunkedMaxBuf      = 1024 * 1024
)

type chunkedStream struct {
	fd  int
	buf []byte
	off int

	chunkRem     uint64
	trailerBytes uint32
	trailerLimit uint32

	state      int
	closeOnEnd bool
}

func newChunkedStream(fd int, pre []byte, trailerLimit uint32, closeOnEnd bool) *chunkedStream {
	cs := &chunkedStream{fd: fd, trailerLimit: trailerLimit, closeOnEnd: closeOnEnd}
	if len(pre) != 0 {
		cs.buf = append([]byte(nil), pre...)
	}
	return cs
}

func (cs *chunkedStream) avail() []byte { return cs.buf[cs.off:] }

func (cs *chunkedStream) compact() {
	if cs.off == 0 {
		return
	}
	if cs.off >= len(cs.buf) {
		cs.buf = cs.buf[:0]
		cs.off = 0
		return
	}
	n := copy(cs.buf, cs.buf[cs.off:])
	cs.buf = cs.buf[:n]
	cs.off = 0
}

// fill reads from the wire until at least min bytes are buffered past off.
func (cs *chunkedStream) fill(min int) error {
	for len(cs.avail()) < min {
		cs.compact()
		if len(cs.buf) >= chunkedMaxBuf {
			return core.EOOM
		}
		var tmp [4096]byte
		n, err := unix.Read(cs.fd, tmp[:])
		if err != nil {
			return err
		}
		if n == 0 {
			return core.EIO
		}
		cs.buf = append(cs.buf, tmp[:n]...)
	}
	return nil
}

func parseChunkSizeLine(p []byte) (uint64, bool) {
	var v uint64
	any := false
	for _, c := range p {
		if c == ';' || c == ' ' || c == '\t' {
			break
		}
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return 0, false
		}
		any = true
		if v > (^uint64(0))>>4 {
			return 0, false
		}
		v = v<<4 | d
	}
	return v, any
}

func (cs *chunkedStream) Read(dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if cs.state == csDone {
		return 0, nil
	}
	for {
		switch cs.state {
		case csSizeLine:
			eol := findCRLF(cs.avail())
			if eol < 0 {
				if len(cs.avail()) > chunkedMaxSizeLine {
					cs.invalidate()
					return 0, core.EInvalid
				}
				if err := cs.fill(len(cs.avail()) + 1); err != nil {
					return 0, err
				}
				continue
			}
			size, ok := parseChunkSizeLine(cs.avail()[:eol])
			if !ok {
				cs.invalidate()
				return 0, core.EInvalid
			}
			cs.off += eol + 2
			cs.chunkRem = size
			if size == 0 {
				cs.state = csTrailers
			} else {
				cs.state = csData
			}
		case csData:
			if cs.chunkRem == 0 {
				cs.state = csDataCRLF
				continue
			}
			if len(cs.avail()) == 0 {
				if err := cs.fill(1); err != nil {
					return 0, err
				}
				continue
			}
			take := len(dst)
			if uint64(take) > cs.chunkRem {
				take = int(cs.chunkRem)
			}
			if take > len(cs.avail()) {
				take = len(cs.avail())
			}
			copy(dst, cs.avail()[:take])
			cs.off += take
			cs.chunkRem -= uint64(take)
			return take, nil
		case csDataCRLF:
			if err := cs.fill(2); err != nil {
				return 0, err
			}
			a := cs.avail()
			if a[0] != '\r' || a[1] != '\n' {
				cs.invalidate()
				return 0, core.EInvalid
			}
			cs.off += 2
			cs.state = csSizeLine
		case csTrailers:
			eol := findCRLF(cs.avail())
			if eol < 0 {
				if cs.trailerBytes > cs.trailerLimit {
					cs.invalidate()
					return 0, core.EInvalid
				}
				if err := cs.fill(len(cs.avail()) + 1); err != nil {
					return 0, err
				}
				continue
			}
			cs.off += eol + 2
			cs.trailerBytes += uint32(eol) + 2
			if eol == 0 {
				cs.state = csDone
				return 0, nil
			}
		default:
			return 0, nil
		}
	}
}

func (cs *chunkedStream) invalidate() {
	cs.buf = nil
	cs.off = 0
}

func (*chunkedStream) Write(_ []byte) (int, error) { return 0, core.EDenied }

func (cs *chunkedStream) End() error {
	if cs.closeOnEnd && cs.fd >= 0 {
		unix.Close(cs.fd)
	}
	cs.fd = -1
	cs.buf = nil
	return nil
}

func (cs *chunkedStream) PollFD() (int, bool) {
	if cs.fd < 0 {
		return -1, false
	}
	return cs.fd, true
}
