// Package nethttp implements the net/http capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nethttp

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/frogfishio/zingcore/cmn/allowlist"
	"github.com/frogfishio/zingcore/cmn/nlog"
	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/netsock"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// parseHTTPURL handles exactly http://host[:port]/path?query#fragment.
// Userinfo forms are rejected; the fragment is stripped; the authority is
// preserved for the Host header.
func parseHTTPURL(url []byte) (host string, port uint32, path, authority string, ok bool) {
	const prefix = "http://"
	if len(url) < len(prefix) || string(url[:len(prefix)]) != prefix {
		return
	}
	rest := string(url[len(prefix):])

	authEnd := len(rest)
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' || rest[i] == '?' || rest[i] == '#' {
			authEnd = i
			break
		}
	}
	if authEnd == 0 {
		return
	}
	authority = rest[:authEnd]
	if strings.ContainsRune(authority, '@') {
		return
	}

	port = 80
	if authority[0] == '[' {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return
		}
		host = authority[1:end]
		if tail := authority[end+1:]; tail != "" {
			if tail[0] != ':' {
				return
			}
			v, err := strconv.ParseUint(tail[1:], 10, 16)
			if err != nil || v == 0 {
				return
			}
			port = uint32(v)
		}
	} else {
		if colon := strings.LastIndexByte(authority, ':'); colon >= 0 {
			host = authority[:colon]
			v, err := strconv.ParseUint(authority[colon+1:], 10, 16)
			if err != nil || v == 0 {
				return
			}
			port = uint32(v)
		} else {
			host = authority
		}
	}
	if host == "" {
		return
	}

	tail := rest[authEnd:]
	switch {
	case tail == "" || tail[0] == '#':
		path = "/"
	case tail[0] == '?':
		if i := strings.IndexByte(tail, '#'); i >= 0 {
			tail = tail[:i]
		}
		path = "/" + tail
	case tail[0] == '/':
		if i := strings.IndexByte(tail, '#'); i >= 0 {
			tail = tail[:i]
		}
		path = tail
	default:
		return
	}
	ok = true
	return
}

// FETCH payload: method, url (u32-len strings), u32 hcount, headers,
// u32 body_kind, [u32 body_len, body | u32 body_handle].
func (c *capCtx) dispatchFetch(rid uint32, p []byte) bool {
	fail := func(trace, msg string) bool { return c.tryErr(OpFetch, rid, trace, msg) }

	if len(p) < 12 {
		return fail("t_http_invalid", "malformed FETCH payload")
	}
	off := 0
	methodLen := binary.LittleEndian.Uint32(p[off:])
	off += 4
	if methodLen == 0 || methodLen > 32 || off+int(methodLen)+4 > len(p) {
		return fail("t_http_invalid", "bad method")
	}
	method := p[off : off+int(methodLen)]
	off += int(methodLen)

	urlLen := binary.LittleEndian.Uint32(p[off:])
	off += 4
	if urlLen == 0 || urlLen > c.lim.MaxFetchURLBytes || off+int(urlLen)+4 > len(p) {
		return fail("t_http_invalid", "bad url")
	}
	url := p[off : off+int(urlLen)]
	off += int(urlLen)

	if containsCtlOrLF(method) || containsCtlOrLF(url) {
		return fail("t_http_invalid", "invalid characters")
	}

	hcount := binary.LittleEndian.Uint32(p[off:])
	off += 4
	if hcount > c.lim.MaxHeaderCount {
		return fail("t_http_invalid", "too many headers")
	}
	hdrs, off, ok := parseWireHeaders(p, off, hcount)
	if !ok {
		return fail("t_http_invalid", "bad headers")
	}

	var (
		hasHost, hasConn, hasCL bool
		clVal                   uint64
		hasChunkedTE            bool
	)
	for _, h := range hdrs {
		switch {
		case eqFold(h.name, "host"):
			hasHost = true
		case eqFold(h.name, "connection"):
			hasConn = true
		case eqFold(h.name, "content-length"):
			if v, ok := parseU64Dec(h.val); ok {
				clVal, hasCL = v, true
			}
		case eqFold(h.name, "transfer-encoding"):
			if containsToken(h.val, "chunked") {
				hasChunkedTE = true
			}
		}
	}

	if off+4 > len(p) {
		return fail("t_http_invalid", "missing body_kind")
	}
	bodyKind := binary.LittleEndian.Uint32(p[off:])
	off += 4
	var (
		body       []byte
		bodyHandle int32
	)
	switch bodyKind {
	case BodyNone:
	case BodyInline:
		if off+4 > len(p) {
			return fail("t_http_invalid", "missing body_len")
		}
		bodyLen := binary.LittleEndian.Uint32(p[off:])
		off += 4
		if off+int(bodyLen) != len(p) {
			return fail("t_http_invalid", "bad body")
		}
		if bodyLen > c.lim.MaxInlineBodyBytes {
			return fail("t_http_invalid", "inline body too large")
		}
		body = p[off:]
	case BodyStream:
		if off+4 != len(p) {
			return fail("t_http_invalid", "bad stream body")
		}
		bodyHandle = int32(binary.LittleEndian.Uint32(p[off:]))
		if bodyHandle < core.HandleMin {
			return fail("t_http_invalid", "bad body_handle")
		}
		if c.rt.HFlags(bodyHandle)&core.HReadable == 0 {
			return fail("t_http_invalid", "body_handle not readable")
		}
		if !hasCL {
			return fail("t_http_invalid", "stream body requires Content-Length")
		}
		if hasChunkedTE {
			return fail("t_http_invalid", "chunked request bodies not supported")
		}
		if clVal > 0x7FFFFFFF {
			return fail("t_http_invalid", "content-length too large")
		}
	default:
		return fail("t_http_invalid", "bad body_kind")
	}

	host, port, path, authority, ok := parseHTTPURL(url)
	if !ok {
		return fail("t_http_invalid", "unsupported url")
	}
	if !allowlist.OutboundAllowed(host, port) {
		return fail("t_http_denied", "outbound connect denied by policy")
	}

	fd, err := netsock.DialBlocking(host, port)
	if err != nil {
		nlog.Warningf("fetch: connect %s:%d: %v", host, port, errors.WithStack(err))
		return fail("t_http_io", "connect failed")
	}

	// Request bytes: the request line, synthesized Host/Connection when
	// absent, caller headers verbatim, Content-Length for inline bodies.
	req := make([]byte, 0, 512+len(body))
	req = append(req, method...)
	req = append(req, ' ')
	req = append(req, path...)
	req = append(req, " HTTP/1.1\r\n"...)
	if !hasHost {
		req = append(req, "Host: "+authority+"\r\n"...)
	}
	if !hasConn {
		req = append(req, "Connection: close\r\n"...)
	}
	for _, h := range hdrs {
		req = append(req, h.name...)
		req = append(req, ": "...)
		req = append(req, h.val...)
		req = append(req, "\r\n"...)
	}
	if bodyKind == BodyInline {
		req = append(req, "Content-Length: "+strconv.Itoa(len(body))+"\r\n"...)
	}
	req = append(req, "\r\n"...)
	if bodyKind == BodyInline {
		req = append(req, body...)
	}
	if !sendAll(fd, req) {
		unix.Close(fd)
		return fail("t_http_io", "send failed")
	}

	// Streamed request body: forward from the handle; early EOF before
	// Content-Length is satisfied is fatal.
	if bodyKind == BodyStream {
		remaining := clVal
		buf := make([]byte, 64*1024)
		for remaining > 0 {
			want := uint64(len(buf))
			if want > remaining {
				want = remaining
			}
			n := c.rt.Read(bodyHandle, buf[:want])
			if n < 0 {
				unix.Close(fd)
				return fail("t_http_io", "read body_handle failed")
			}
			if n == 0 {
				unix.Close(fd)
				return fail("t_http_io", "early eof from body_handle")
			}
			if !sendAll(fd, buf[:n]) {
				unix.Close(fd)
				return fail("t_http_io", "send body failed")
			}
			remaining -= uint64(n)
		}
	}

	return c.fetchResponse(rid, fd)
}

// fetchResponse reads status line + headers (blocking) and exposes the
// body the same way the listener path does.
func (c *capCtx) fetchResponse(rid uint32, fd int) bool {
	fail := func(trace, msg string) bool {
		unix.Close(fd)
		return c.tryErr(OpFetch, rid, trace, msg)
	}

	var (
		buf []byte
		tmp [2048]byte
	)
	hdrEnd := -1
	for hdrEnd < 0 {
		if uint32(len(buf)) >= c.lim.MaxHeaderBytes+4 {
			return fail("t_http_invalid", "response headers too large")
		}
		n, err := unix.Read(fd, tmp[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fail("t_http_io", "recv failed")
		}
		if n == 0 {
			return fail("t_http_io", "unexpected eof")
		}
		buf = append(buf, tmp[:n]...)
		hdrEnd = bytes.Index(buf, crlfcrlf)
	}
	headerBytes := hdrEnd + 4

	lineEnd := findCRLF(buf[:headerBytes])
	line := buf[:lineEnd]
	if len(line) < 12 || string(line[:9]) != "HTTP/1.1 " {
		return fail("t_http_invalid", "unsupported http version")
	}
	status64, ok := parseU64Dec(line[9:12])
	if !ok {
		return fail("t_http_invalid", "bad status code")
	}
	status := uint32(status64)

	hdrs, parsed := parseHeaderBlock(buf[lineEnd+2:headerBytes], c.lim.MaxHeaderCount)
	if !parsed {
		return fail("t_http_invalid", "bad header line")
	}
	var (
		contentLen uint64
		hasCL      bool
		hasChunked bool
	)
	for i := range hdrs {
		h := &hdrs[i]
		switch string(h.name) {
		case "content-length":
			if v, ok := parseU64Dec(h.val); ok {
				contentLen, hasCL = v, true
			}
		case "transfer-encoding":
			if containsToken(h.val, "chunked") {
				hasChunked = true
			}
		}
	}

	already := buf[headerBytes:]
	var (
		respKind   = uint32(BodyNone)
		respInline []byte
		respHandle int32
	)
	switch {
	case hasChunked:
		respKind = BodyStream
		netsock.SetNonblock(fd)
		cs := newChunkedStream(fd, already, c.lim.MaxHeaderBytes, true)
		respHandle = c.rt.Alloc(cs, core.HReadable|core.HEndable)
		fd = -1
	case !hasCL || contentLen == 0:
		respKind = BodyNone
		unix.Close(fd)
		fd = -1
	case contentLen <= uint64(c.lim.MaxInlineBodyBytes):
		respKind = BodyInline
		respInline = make([]byte, contentLen)
		n := copy(respInline, already)
		for n < len(respInline) {
			rn, err := unix.Read(fd, respInline[n:])
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return fail("t_http_io", "recv failed")
			}
			if rn == 0 {
				return fail("t_http_io", "unexpected eof")
			}
			n += rn
		}
		unix.Close(fd)
		fd = -1
	default:
		respKind = BodyStream
		pre := already
		if uint64(len(pre)) > contentLen {
			pre = pre[:contentLen]
		}
		netsock.SetNonblock(fd)
		bs := newBodyStream(fd, contentLen-uint64(len(pre)), pre, true)
		respHandle = c.rt.Alloc(bs, core.HReadable|core.HEndable)
		fd = -1
	}

	// Response payload: status, headers, body_kind, body.
	payload := make([]byte, 0, 256+len(respInline))
	var u4 [4]byte
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(u4[:], v)
		payload = append(payload, u4[:]...)
	}
	putBytes := func(b []byte) {
		putU32(uint32(len(b)))
		payload = append(payload, b...)
	}
	putU32(status)
	putU32(uint32(len(hdrs)))
	for i := range hdrs {
		putBytes(hdrs[i].name)
		putBytes(hdrs[i].val)
	}
	putU32(respKind)
	switch respKind {
	case BodyInline:
		putBytes(respInline)
	case BodyStream:
		putU32(uint32(respHandle))
	}

	ok = c.tryOK(OpFetch, rid, payload)
	if !ok && respHandle >= core.HandleMin {
		c.rt.End(respHandle)
	}
	return ok
}
