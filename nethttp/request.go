// Package nethttp implements the net/http capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nethttp

import (
	"bytes"
	"encoding/binary"

	"github.com/frogfishio/zingcore/cmn/nlog"
	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/netsock"
	"golang.org/x/sys/unix"
)

// readHeaderBlock reads from a blocking fd until CRLFCRLF, bounded by the
// header-bytes limit. Returns the full buffer and the header block length
// (including the terminator).
func readHeaderBlock(fd int, maxHeaderBytes uint32) (buf []byte, headerBytes int, ok bool) {
	var tmp [2048]byte
	for {
		if uint32(len(buf)) >= maxHeaderBytes+4 {
			return nil, 0, false
		}
		n, err := unix.Read(fd, tmp[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return nil, 0, false
		}
		buf = append(buf, tmp[:n]...)
		if i := bytes.Index(buf, crlfcrlf); i >= 0 {
			headerBytes = i + 4
			if uint32(headerBytes) > maxHeaderBytes+4 {
				return nil, 0, false
			}
			return buf, headerBytes, true
		}
	}
}

// buildEvRequest frames one freshly accepted connection: reads the header
// block (blocking, the documented serialization point), parses and
// classifies the body, installs body handles, and emits EV_REQUEST. After
// the event is queued the socket flips to nonblocking so body reads return
// EAgain instead of stalling the server thread.
func (c *capCtx) buildEvRequest(listenerID uint32, connFD int, peer unix.Sockaddr) bool {
	lim := &c.lim

	buf, headerBytes, ok := readHeaderBlock(connFD, lim.MaxHeaderBytes)
	if !ok {
		return false
	}

	// Request line: method SP path SP HTTP/1.1
	reqLineEnd := findCRLF(buf[:headerBytes])
	if reqLineEnd < 0 || uint32(reqLineEnd) > lim.MaxReqLineBytes {
		return false
	}
	line := buf[:reqLineEnd]
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return false
	}
	sp2rel := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2rel < 0 {
		return false
	}
	sp2 := sp1 + 1 + sp2rel
	method, path, ver := line[:sp1], line[sp1+1:sp2], line[sp2+1:]
	if len(method) == 0 || len(path) == 0 || !bytes.Equal(ver, []byte("HTTP/1.1")) {
		return false
	}
	if path[0] != '/' || containsCtlOrLF(method) || containsCtlOrLF(path) {
		return false
	}

	hdrs, ok := parseHeaderBlock(buf[reqLineEnd+2:headerBytes], lim.MaxHeaderCount)
	if !ok {
		return false
	}

	var (
		authority   []byte
		contentLen  uint64
		hasCL       bool
		hasChunked  bool
		contentType []byte
	)
	for i := range hdrs {
		h := &hdrs[i]
		switch string(h.name) {
		case "host":
			if authority == nil {
				authority = h.val
			}
		case "content-length":
			if v, ok := parseU64Dec(h.val); ok {
				contentLen, hasCL = v, true
			}
		case "transfer-encoding":
			if containsToken(h.val, "chunked") {
				hasChunked = true
			}
		case "content-type":
			contentType = h.val
		}
	}

	already := buf[headerBytes:]

	// Body classification: chunked wins over Content-Length; small bodies
	// inline; large ones stream; multipart/form-data hides the raw handle.
	var (
		bodyKind   = uint32(BodyNone)
		bodyInline []byte
		bodyHandle int32
		bs         *bodyStream
	)
	if hasChunked {
		bodyKind = BodyStream
		cs := newChunkedStream(connFD, already, lim.MaxHeaderBytes, false)
		bodyHandle = c.rt.Alloc(cs, core.HReadable|core.HEndable)
	} else {
		if !hasCL {
			contentLen = 0
		}
		switch {
		case contentLen == 0:
			bodyKind = BodyNone
		case contentLen <= uint64(lim.MaxInlineBodyBytes):
			bodyKind = BodyInline
			bodyInline = make([]byte, contentLen)
			n := copy(bodyInline, already)
			for n < len(bodyInline) {
				rn, err := unix.Read(connFD, bodyInline[n:])
				if err == unix.EINTR {
					continue
				}
				if err != nil || rn == 0 {
					return false
				}
				n += rn
			}
		default:
			bodyKind = BodyStream
			pre := already
			if uint64(len(pre)) > contentLen {
				pre = pre[:contentLen]
			}
			bs = newBodyStream(connFD, contentLen-uint64(len(pre)), pre, false)
		}
	}

	r := c.allocReq()
	if r == nil {
		if bodyHandle >= core.HandleMin {
			c.rt.End(bodyHandle)
		}
		nlog.Warningln("net/http: request table full, dropping connection")
		return false
	}
	rid := r.rid
	r.listenerID = listenerID
	r.fd = connFD
	r.bodyStream = bs

	// multipart/form-data with a boundary: advertise MULTIPART, keep the
	// bytes behind the MULTIPART_* ops. Chunked bodies stay STREAM.
	if !hasChunked && (bodyKind == BodyStream || bodyKind == BodyInline) && len(contentType) > 0 {
		if boundary, ok := multipartBoundary(contentType); ok {
			r.mpBoundary = boundary
			r.isMultipart = true
			if bodyKind == BodyInline {
				// Re-expose the inline copy as a prebuffer-only stream.
				r.bodyStream = newBodyStream(-1, 0, bodyInline, false)
				bodyInline = nil
			}
			bodyKind = BodyMultipart
		}
	}

	switch bodyKind {
	case BodyStream:
		if bodyHandle < core.HandleMin {
			bodyHandle = c.rt.Alloc(r.bodyStream, core.HReadable|core.HEndable)
		}
		r.bodyHandle = bodyHandle
	case BodyMultipart:
		bodyHandle = 0 // guests must use MULTIPART_*
	}

	payload := buildRequestPayload(listenerID, method, path, authority, peer, hdrs, bodyKind, bodyInline, bodyHandle)
	if payload == nil {
		c.closeReqByRID(rid)
		return false
	}

	ok = c.waitOK(EvRequest, rid, payload)

	// Everything after the header read is nonblocking.
	netsock.SetNonblock(connFD)
	return ok
}

func (c *capCtx) closeReqByRID(rid uint32) {
	if r := c.reqByRID(rid); r != nil {
		c.mu.Lock()
		c.closeReq(r)
		c.mu.Unlock()
	}
}

// multipartBoundary extracts the boundary parameter from a
// multipart/form-data content type, bare or quoted.
func multipartBoundary(contentType []byte) ([]byte, bool) {
	if !hasPrefixFold(contentType, "multipart/form-data") {
		return nil, false
	}
	i := indexFold(contentType, "boundary=")
	if i < 0 {
		return nil, false
	}
	p := contentType[i+len("boundary="):]
	var quote byte
	if len(p) > 0 && (p[0] == '"' || p[0] == '\'') {
		quote = p[0]
		p = p[1:]
	}
	end := 0
	for end < len(p) {
		ch := p[end]
		if quote != 0 {
			if ch == quote {
				break
			}
		} else if ch == ';' || ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n' {
			break
		}
		end++
	}
	if end == 0 || end > 200 {
		return nil, false
	}
	return append([]byte(nil), p[:end]...), true
}

// EV_REQUEST payload: listener_id, flags, method, path, scheme, authority,
// remote_addr[16], remote_port, header_count, headers, body_kind,
// [body_len+body | body_handle].
func buildRequestPayload(listenerID uint32, method, path, authority []byte, peer unix.Sockaddr,
	hdrs []hdr, bodyKind uint32, bodyInline []byte, bodyHandle int32) []byte {
	remoteAddr, remotePort := netsock.To16(peer)

	plen := 4 + 4
	plen += 4 + len(method)
	plen += 4 + len(path)
	plen += 4 + len("http")
	plen += 4 + len(authority)
	plen += 16 + 4
	plen += 4
	for i := range hdrs {
		plen += 4 + len(hdrs[i].name) + 4 + len(hdrs[i].val)
	}
	plen += 4
	switch bodyKind {
	case BodyInline:
		plen += 4 + len(bodyInline)
	case BodyStream, BodyMultipart:
		plen += 4
	}
	if plen > 16*1024*1024 {
		return nil
	}

	p := make([]byte, 0, plen)
	var u4 [4]byte
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(u4[:], v)
		p = append(p, u4[:]...)
	}
	putBytes := func(b []byte) {
		putU32(uint32(len(b)))
		p = append(p, b...)
	}

	putU32(listenerID)
	putU32(0) // flags
	putBytes(method)
	putBytes(path)
	putBytes([]byte("http"))
	putBytes(authority)
	p = append(p, remoteAddr[:]...)
	putU32(remotePort)
	putU32(uint32(len(hdrs)))
	for i := range hdrs {
		putBytes(hdrs[i].name)
		putBytes(hdrs[i].val)
	}
	putU32(bodyKind)
	switch bodyKind {
	case BodyInline:
		putBytes(bodyInline)
	case BodyStream, BodyMultipart:
		putU32(uint32(bodyHandle))
	}
	return p
}
