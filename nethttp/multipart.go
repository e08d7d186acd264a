// Package nethttp implements the net/http capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nethttp

import (
	"bytes"

	"github.com/frogfishio/zingcore/core"
)

// mpIter iterates a multipart/form-data body. The delimiter is
// "\r\n--<boundary>"; the opening boundary may also appear without the
// leading CRLF.
type mpIter struct {
	bs *bodyStream

	maxParts         uint32
	maxHeaderBytes   uint32
	maxHeaderCount   uint32
	maxNameBytes     uint32
	maxFilenameBytes uint32
	partsEmitted     uint32

	boundary []byte
	delim    []byte // "\r\n--" + boundary

	buf []byte
	off int

	started      bool
	done         bool
	partOpen     bool
	needBoundary bool
}

func newMpIter(bs *bodyStream, lim *Limits, boundary []byte) *mpIter {
	it := &mpIter{
		bs:               bs,
		maxParts:         lim.MpMaxParts,
		maxHeaderBytes:   lim.MpMaxHeaderBytes,
		maxHeaderCount:   lim.MpMaxHeaderCount,
		maxNameBytes:     lim.MpMaxNameBytes,
		maxFilenameBytes: lim.MpMaxFilenameBytes,
		boundary:         append([]byte(nil), boundary...),
	}
	it.delim = append([]byte("\r\n--"), it.boundary...)
	return it
}

func (it *mpIter) avail() []byte { return it.buf[it.off:] }

// ensure buffers at least need decoded bytes past off. Fails at EOF (or
// when the underlying stream would block).
func (it *mpIter) ensure(need int) bool {
	if it.done {
		return true
	}
	if len(it.avail()) >= need {
		return true
	}
	if it.off > 0 && it.off == len(it.buf) {
		it.buf = it.buf[:0]
		it.off = 0
	} else if it.off > cap(it.buf)/2 {
		n := copy(it.buf, it.buf[it.off:])
		it.buf = it.buf[:n]
		it.off = 0
	}
	var tmp [4096]byte
	for len(it.avail()) < need {
		if it.bs == nil || it.bs.drained() {
			return false
		}
		n, err := it.bs.Read(tmp[:])
		if err != nil || n == 0 {
			return false
		}
		it.buf = append(it.buf, tmp[:n]...)
	}
	return true
}

// consumeBoundary eats the next boundary marker. first accepts
// "--boundary" without the CRLF prefix. The final "--boundary--" marker
// sets done.
func (it *mpIter) consumeBoundary(first bool) bool {
	if it.done {
		return false
	}
	it.ensure(4 + len(it.boundary) + 2)
	p := it.avail()

	prefix := 4
	if first {
		switch {
		case len(p) >= 4+len(it.boundary) && bytes.HasPrefix(p, []byte("\r\n--")):
			prefix = 4
		case len(p) >= 2+len(it.boundary) && bytes.HasPrefix(p, []byte("--")):
			prefix = 2
		default:
			return false
		}
	} else if !bytes.HasPrefix(p, []byte("\r\n--")) {
		return false
	}
	if !bytes.HasPrefix(p[prefix:], it.boundary) {
		return false
	}
	off := prefix + len(it.boundary)
	if !it.ensure(off + 2) {
		return false
	}
	p = it.avail()

	if p[off] == '-' && p[off+1] == '-' {
		// Final boundary, optional trailing CRLF.
		it.off += off + 2
		if it.ensure(2) {
			p = it.avail()
			if len(p) >= 2 && p[0] == '\r' && p[1] == '\n' {
				it.off += 2
			}
		}
		it.done = true
		return true
	}
	if p[off] != '\r' || p[off+1] != '\n' {
		return false
	}
	it.off += off + 2
	return true
}

// findDCRLF buffers until "\r\n\r\n" is visible; returns its offset
// relative to off.
func (it *mpIter) findDCRLF() (int, bool) {
	for {
		if i := bytes.Index(it.avail(), crlfcrlf); i >= 0 {
			return i, true
		}
		if uint32(len(it.avail())) > it.maxHeaderBytes {
			return 0, false
		}
		if !it.ensure(len(it.avail()) + 4096) {
			return 0, false
		}
	}
}

type mpPartMeta struct {
	hdrs     []hdr
	name     []byte
	filename []byte
	ctype    []byte
}

// parseHeaders consumes the part's header block and extracts
// Content-Disposition name/filename and Content-Type.
func (it *mpIter) parseHeaders() (meta mpPartMeta, ok bool) {
	hdrEnd, found := it.findDCRLF()
	if !found {
		return meta, false
	}
	if uint32(hdrEnd+2) > it.maxHeaderBytes {
		return meta, false
	}
	block := append([]byte(nil), it.avail()[:hdrEnd+2]...)
	hdrs, parsed := parseHeaderBlock(block, it.maxHeaderCount)
	if !parsed {
		return meta, false
	}
	for i := range hdrs {
		h := &hdrs[i]
		switch string(h.name) {
		case "content-type":
			meta.ctype = h.val
		case "content-disposition":
			name, filename, ok := parseDisposition(h.val, it.maxNameBytes, it.maxFilenameBytes)
			if !ok {
				return meta, false
			}
			meta.name, meta.filename = name, filename
		}
	}
	meta.hdrs = hdrs
	it.off += hdrEnd + 4
	return meta, true
}

// parseDisposition handles: form-data; name="x"; filename="y" with bare,
// single- or double-quoted values.
func parseDisposition(v []byte, maxName, maxFilename uint32) (name, filename []byte, ok bool) {
	extract := func(key string) ([]byte, bool, bool) {
		for k := 0; k+len(key) <= len(v); k++ {
			atParam := k == 0 || v[k-1] == ';' || v[k-1] == ' ' || v[k-1] == '\t'
			if !atParam || !eqFold(v[k:k+len(key)], key) {
				continue
			}
			q := v[k+len(key):]
			var quote byte
			if len(q) > 0 && (q[0] == '"' || q[0] == '\'') {
				quote = q[0]
				q = q[1:]
			}
			end := 0
			for end < len(q) {
				ch := q[end]
				if quote != 0 {
					if ch == quote {
						break
					}
				} else if ch == ';' || ch == ' ' || ch == '\t' {
					break
				}
				end++
			}
			if end == 0 {
				return nil, false, true
			}
			return q[:end], true, true
		}
		return nil, false, true
	}
	name, has, _ := extract("name=")
	if has && maxName != 0 && uint32(len(name)) > maxName {
		return nil, nil, false
	}
	filename, has2, _ := extract("filename=")
	if has2 && maxFilename != 0 && uint32(len(filename)) > maxFilename {
		return nil, nil, false
	}
	return name, filename, true
}

// drainToDelim advances past any unread part body up to the next
// delimiter (or EOF).
func (it *mpIter) drainToDelim() {
	for {
		it.ensure(len(it.delim))
		if i := bytes.Index(it.avail(), it.delim); i >= 0 {
			it.off += i
			return
		}
		hold := len(it.delim) - 1
		if extra := len(it.avail()) - hold; extra > 0 {
			it.off += extra
		} else if !it.ensure(len(it.avail()) + 4096) {
			return
		}
	}
}

////////////
// mpPart //
////////////

// mpPart is a read-only view over the iterator that stops at the next
// delimiter. End drains the remainder and re-arms boundary consumption.
type mpPart struct {
	it     *mpIter
	closed bool
}

func (p *mpPart) Read(dst []byte) (int, error) {
	if p.closed {
		return 0, core.EClosed
	}
	if len(dst) == 0 {
		return 0, nil
	}
	it := p.it

	it.ensure(len(it.delim))
	avail := it.avail()
	if len(avail) == 0 {
		return 0, nil
	}

	// Emit bytes up to (never across) the delimiter. When the delimiter is
	// not in view, hold back delim_len-1 bytes so a split delimiter can
	// never leak to the guest.
	outAvail := 0
	if i := bytes.Index(avail, it.delim); i >= 0 {
		if i == 0 {
			return 0, nil
		}
		outAvail = i
	} else {
		hold := len(it.delim) - 1
		outAvail = len(avail) - hold
		if outAvail <= 0 {
			if !it.ensure(len(avail) + 4096) {
				return 0, nil
			}
			avail = it.avail()
			if i := bytes.Index(avail, it.delim); i >= 0 {
				if i == 0 {
					return 0, nil
				}
				outAvail = i
			} else {
				outAvail = len(avail) - hold
				if outAvail <= 0 {
					return 0, nil
				}
			}
		}
	}

	n := len(dst)
	if n > outAvail {
		n = outAvail
	}
	copy(dst, it.avail()[:n])
	it.off += n
	return n, nil
}

func (*mpPart) Write(_ []byte) (int, error) { return 0, core.EDenied }

func (p *mpPart) End() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.it != nil {
		p.it.drainToDelim()
		p.it.partOpen = false
		p.it.needBoundary = true
	}
	return nil
}

func (p *mpPart) PollFD() (int, bool) {
	if p.it == nil || p.it.bs == nil {
		return -1, false
	}
	return p.it.bs.PollFD()
}
