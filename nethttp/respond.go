// Package nethttp implements the net/http capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nethttp

import (
	"encoding/binary"
	"strconv"

	"github.com/frogfishio/zingcore/cmn/allowlist"
	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/netsock"
	"golang.org/x/sys/unix"
)

type wireHdr struct{ name, val []byte }

// parseWireHeaders decodes count (u32 name_len, name, u32 val_len, val)
// pairs starting at off, rejecting control bytes.
func parseWireHeaders(p []byte, off int, count uint32) (hdrs []wireHdr, end int, ok bool) {
	for i := uint32(0); i < count; i++ {
		if off+4 > len(p) {
			return nil, 0, false
		}
		nameLen := int(binary.LittleEndian.Uint32(p[off:]))
		off += 4
		if off+nameLen+4 > len(p) {
			return nil, 0, false
		}
		name := p[off : off+nameLen]
		off += nameLen
		valLen := int(binary.LittleEndian.Uint32(p[off:]))
		off += 4
		if off+valLen > len(p) {
			return nil, 0, false
		}
		val := p[off : off+valLen]
		off += valLen
		if containsCtlOrLF(name) || containsCtlOrLF(val) {
			return nil, 0, false
		}
		hdrs = append(hdrs, wireHdr{name: name, val: val})
	}
	return hdrs, off, true
}

//////////////
// listeners //
//////////////

// LISTEN payload: u32 port, u32 flags, u32 host_len, host.
func (c *capCtx) dispatchListen(rid uint32, p []byte) bool {
	if len(p) < 12 {
		return c.tryErr(OpListen, rid, "t_http_invalid", "malformed LISTEN payload")
	}
	port := binary.LittleEndian.Uint32(p[0:])
	flags := binary.LittleEndian.Uint32(p[4:])
	hostLen := binary.LittleEndian.Uint32(p[8:])
	if uint64(12)+uint64(hostLen) != uint64(len(p)) {
		return c.tryErr(OpListen, rid, "t_http_invalid", "malformed LISTEN payload")
	}
	if flags != 0 {
		return c.tryErr(OpListen, rid, "t_http_invalid", "LISTEN flags must be 0")
	}
	if port > 65535 {
		return c.tryErr(OpListen, rid, "t_http_invalid", "invalid port")
	}
	if hostLen > 255 {
		return c.tryErr(OpListen, rid, "t_http_invalid", "bind_host too long")
	}
	host := string(p[12:])

	if !allowlist.ListenAllowed(host, port) {
		return c.tryErr(OpListen, rid, "t_http_denied", "listener bind denied by policy")
	}

	sas, err := netsock.Resolve(host, port)
	if err != nil {
		return c.tryErr(OpListen, rid, "t_http_io", "resolve failed")
	}

	fd := -1
	for _, sa := range sas {
		f, err := netsock.Stream(sa)
		if err != nil {
			continue
		}
		unix.SetsockoptInt(f, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if err := unix.Bind(f, sa); err != nil {
			unix.Close(f)
			continue
		}
		if err := unix.Listen(f, listenBacklog); err != nil {
			unix.Close(f)
			continue
		}
		fd = f
		break
	}
	if fd < 0 {
		return c.tryErr(OpListen, rid, "t_http_io", "bind/listen failed")
	}

	boundAddr, boundPort := netsock.BoundAddr(fd)

	c.mu.Lock()
	var slot *listenerSlot
	for i := range c.listeners {
		if !c.listeners[i].used {
			slot = &c.listeners[i]
			break
		}
	}
	if slot == nil {
		c.mu.Unlock()
		unix.Close(fd)
		return c.tryErr(OpListen, rid, "t_http_oom", "no listener slots")
	}
	c.nextListenerID++
	if c.nextListenerID == 0 {
		c.nextListenerID++
	}
	lid := c.nextListenerID
	*slot = listenerSlot{used: true, id: lid, fd: fd, boundPort: uint16(boundPort), boundAddr: boundAddr}
	c.cv.Broadcast() // wake the server thread
	c.mu.Unlock()

	payload := make([]byte, 24)
	binary.LittleEndian.PutUint32(payload[0:], lid)
	binary.LittleEndian.PutUint32(payload[4:], boundPort)
	copy(payload[8:], boundAddr[:])
	return c.tryOK(OpListen, rid, payload)
}

func (c *capCtx) dispatchCloseListener(rid uint32, p []byte) bool {
	if len(p) != 4 {
		return c.tryErr(OpCloseListener, rid, "t_http_invalid", "malformed CLOSE_LISTENER payload")
	}
	lid := binary.LittleEndian.Uint32(p)
	c.mu.Lock()
	l := c.listenerByIDLocked(lid)
	if l == nil {
		c.mu.Unlock()
		return c.tryErr(OpCloseListener, rid, "t_http_noent", "unknown listener_id")
	}
	if l.fd >= 0 {
		unix.Close(l.fd)
	}
	*l = listenerSlot{fd: -1}
	c.cv.Broadcast()
	c.mu.Unlock()
	return c.tryOK(OpCloseListener, rid, nil)
}

/////////////
// respond //
/////////////

// RESPOND_START validates headers only; no HTTP bytes are emitted.
func (c *capCtx) dispatchRespondStart(rid uint32, p []byte) bool {
	r := c.reqByRID(rid)
	if r == nil {
		return c.tryErr(OpRespondStart, rid, "t_http_noent", "unknown request id")
	}
	if r.respHandle >= core.HandleMin {
		return c.tryErr(OpRespondStart, rid, "t_http_invalid", "response already streaming")
	}
	if len(p) < 12 {
		return c.tryErr(OpRespondStart, rid, "t_http_invalid", "malformed RESPOND_START payload")
	}
	flags := binary.LittleEndian.Uint32(p[4:])
	hcount := binary.LittleEndian.Uint32(p[8:])
	if flags != 0 {
		return c.tryErr(OpRespondStart, rid, "t_http_invalid", "RESPOND_START flags must be 0")
	}
	if hcount > c.lim.MaxHeaderCount {
		return c.tryErr(OpRespondStart, rid, "t_http_invalid", "too many headers")
	}
	_, end, ok := parseWireHeaders(p, 12, hcount)
	if !ok {
		return c.tryErr(OpRespondStart, rid, "t_http_invalid", "bad headers")
	}
	if end != len(p) {
		return c.tryErr(OpRespondStart, rid, "t_http_invalid", "trailing bytes")
	}
	return c.tryOK(OpRespondStart, rid, nil)
}

// RESPOND_INLINE writes the full response and closes the connection. The
// capability controls framing: guest Content-Length and Connection headers
// are dropped.
func (c *capCtx) dispatchRespondInline(rid uint32, p []byte) bool {
	r := c.reqByRID(rid)
	if r == nil {
		return c.tryErr(OpRespondInline, rid, "t_http_noent", "unknown request id")
	}
	if r.respHandle >= core.HandleMin {
		return c.tryErr(OpRespondInline, rid, "t_http_invalid", "response already streaming")
	}
	if len(p) < 16 {
		return c.tryErr(OpRespondInline, rid, "t_http_invalid", "malformed RESPOND_INLINE payload")
	}
	status := binary.LittleEndian.Uint32(p[0:])
	flags := binary.LittleEndian.Uint32(p[4:])
	hcount := binary.LittleEndian.Uint32(p[8:])
	if flags != 0 {
		return c.tryErr(OpRespondInline, rid, "t_http_invalid", "RESPOND_INLINE flags must be 0")
	}
	if hcount > c.lim.MaxHeaderCount {
		return c.tryErr(OpRespondInline, rid, "t_http_invalid", "too many headers")
	}
	hdrs, off, ok := parseWireHeaders(p, 12, hcount)
	if !ok {
		return c.tryErr(OpRespondInline, rid, "t_http_invalid", "bad headers")
	}
	if off+4 > len(p) {
		return c.tryErr(OpRespondInline, rid, "t_http_invalid", "missing body_len")
	}
	bodyLen := binary.LittleEndian.Uint32(p[off:])
	off += 4
	if off+int(bodyLen) != len(p) {
		return c.tryErr(OpRespondInline, rid, "t_http_invalid", "bad body length")
	}
	if bodyLen > c.lim.MaxInlineBodyBytes {
		return c.tryErr(OpRespondInline, rid, "t_http_invalid", "inline body too large")
	}
	body := p[off:]

	resp := make([]byte, 0, 256+len(body))
	resp = append(resp, "HTTP/1.1 "+strconv.FormatUint(uint64(status), 10)+" "+reasonPhrase(status)+"\r\n"...)
	for _, h := range hdrs {
		if eqFold(h.name, "content-length") || eqFold(h.name, "connection") {
			continue
		}
		resp = appendHeaderLine(resp, h)
	}
	resp = append(resp, "content-length: "+strconv.FormatUint(uint64(bodyLen), 10)+"\r\n"...)
	resp = append(resp, "connection: close\r\n\r\n"...)
	resp = append(resp, body...)

	ok = sendAll(r.fd, resp)
	c.mu.Lock()
	c.closeReq(r)
	c.mu.Unlock()
	if !ok {
		return c.tryErr(OpRespondInline, rid, "t_http_io", "send failed")
	}
	return c.tryOK(OpRespondInline, rid, nil)
}

// RESPOND_STREAM sends status+headers (close-delimited framing: guest
// Content-Length, Transfer-Encoding and Connection headers are dropped)
// and hands out a writable body handle.
func (c *capCtx) dispatchRespondStream(rid uint32, p []byte) bool {
	r := c.reqByRID(rid)
	if r == nil {
		return c.tryErr(OpRespondStream, rid, "t_http_noent", "unknown request id")
	}
	if r.respHandle >= core.HandleMin {
		return c.tryErr(OpRespondStream, rid, "t_http_invalid", "response already streaming")
	}
	if len(p) < 12 {
		return c.tryErr(OpRespondStream, rid, "t_http_invalid", "malformed RESPOND_STREAM payload")
	}
	status := binary.LittleEndian.Uint32(p[0:])
	flags := binary.LittleEndian.Uint32(p[4:])
	hcount := binary.LittleEndian.Uint32(p[8:])
	if flags != 0 {
		return c.tryErr(OpRespondStream, rid, "t_http_invalid", "RESPOND_STREAM flags must be 0")
	}
	if hcount > c.lim.MaxHeaderCount {
		return c.tryErr(OpRespondStream, rid, "t_http_invalid", "too many headers")
	}
	hdrs, end, ok := parseWireHeaders(p, 12, hcount)
	if !ok {
		return c.tryErr(OpRespondStream, rid, "t_http_invalid", "bad headers")
	}
	if end != len(p) {
		return c.tryErr(OpRespondStream, rid, "t_http_invalid", "trailing bytes")
	}

	resp := make([]byte, 0, 256)
	resp = append(resp, "HTTP/1.1 "+strconv.FormatUint(uint64(status), 10)+" "+reasonPhrase(status)+"\r\n"...)
	for _, h := range hdrs {
		if eqFold(h.name, "content-length") || eqFold(h.name, "transfer-encoding") || eqFold(h.name, "connection") {
			continue
		}
		resp = appendHeaderLine(resp, h)
	}
	resp = append(resp, "connection: close\r\n\r\n"...)

	if !sendAll(r.fd, resp) {
		c.mu.Lock()
		c.closeReq(r)
		c.mu.Unlock()
		return c.tryErr(OpRespondStream, rid, "t_http_io", "send failed")
	}

	s := &respStream{cap: c, rid: rid, fd: r.fd}
	netsock.SetNonblock(s.fd)
	h := c.rt.Alloc(s, core.HWritable|core.HEndable)
	r.respHandle = h

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(h))
	return c.tryOK(OpRespondStream, rid, payload)
}

func appendHeaderLine(dst []byte, h wireHdr) []byte {
	dst = append(dst, h.name...)
	dst = append(dst, ": "...)
	dst = append(dst, h.val...)
	return append(dst, "\r\n"...)
}

////////////////
// respStream //
////////////////

// respStream is the writable streaming-response body. End shuts the
// connection down and releases the request slot.
type respStream struct {
	cap    *capCtx
	rid    uint32
	fd     int
	closed bool
}

func (*respStream) Read(_ []byte) (int, error) { return 0, core.EDenied }

func (s *respStream) Write(src []byte) (int, error) {
	if s.closed {
		return 0, core.EClosed
	}
	if len(src) == 0 {
		return 0, nil
	}
	n, err := unix.Write(s.fd, src)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *respStream) End() error {
	if s.closed {
		return nil
	}
	s.closed = true

	fdToClose := -1
	if s.cap != nil {
		if r := s.cap.reqByRID(s.rid); r != nil {
			r.respHandle = 0
			fdToClose = r.fd
			r.fd = -1
			s.cap.mu.Lock()
			s.cap.closeReq(r)
			s.cap.mu.Unlock()
		}
	}
	if fdToClose < 0 {
		fdToClose = s.fd
	}
	if fdToClose >= 0 {
		unix.Shutdown(fdToClose, unix.SHUT_RDWR)
		unix.Close(fdToClose)
	}
	s.fd = -1
	return nil
}

func (s *respStream) PollFD() (int, bool) {
	if s.fd < 0 {
		return -1, false
	}
	return s.fd, true
}

///////////////
// multipart //
///////////////

func (c *capCtx) dispatchMultipartBegin(rid uint32, p []byte) bool {
	if len(p) != 0 {
		return c.tryErr(OpMultipartBegin, rid, "t_http_invalid", "malformed MULTIPART_BEGIN payload")
	}
	r := c.reqByRID(rid)
	if r == nil {
		return c.tryErr(OpMultipartBegin, rid, "t_http_noent", "unknown request id")
	}
	if !r.isMultipart || len(r.mpBoundary) == 0 {
		return c.tryErr(OpMultipartBegin, rid, "t_http_invalid", "request is not multipart")
	}
	if r.bodyStream == nil {
		return c.tryErr(OpMultipartBegin, rid, "t_http_internal", "missing body stream")
	}
	if r.mp != nil {
		return c.tryErr(OpMultipartBegin, rid, "t_http_invalid", "multipart already begun")
	}
	r.mp = newMpIter(r.bodyStream, &c.lim, r.mpBoundary)

	payload := make([]byte, 4) // done=0
	return c.tryOK(OpMultipartBegin, rid, payload)
}

func (c *capCtx) dispatchMultipartNext(rid uint32, p []byte) bool {
	if len(p) != 0 {
		return c.tryErr(OpMultipartNext, rid, "t_http_invalid", "malformed MULTIPART_NEXT payload")
	}
	r := c.reqByRID(rid)
	if r == nil || r.mp == nil {
		return c.tryErr(OpMultipartNext, rid, "t_http_invalid", "multipart not begun")
	}
	it := r.mp

	done := func() bool {
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, 1)
		return c.tryOK(OpMultipartNext, rid, payload)
	}

	if it.done {
		return done()
	}
	if it.partOpen {
		return c.tryErr(OpMultipartNext, rid, "t_http_invalid", "previous part still open")
	}
	if it.maxParts != 0 && it.partsEmitted >= it.maxParts {
		return c.tryErr(OpMultipartNext, rid, "t_http_invalid", "too many multipart parts")
	}
	if it.needBoundary {
		if !it.consumeBoundary(false) {
			return c.tryErr(OpMultipartNext, rid, "t_http_invalid", "bad boundary")
		}
		it.needBoundary = false
	}
	if !it.started {
		if !it.consumeBoundary(true) {
			return c.tryErr(OpMultipartNext, rid, "t_http_invalid", "bad first boundary")
		}
		it.started = true
	}
	if it.done {
		return done()
	}

	meta, ok := it.parseHeaders()
	if !ok {
		return c.tryErr(OpMultipartNext, rid, "t_http_invalid", "bad part headers")
	}

	part := &mpPart{it: it}
	it.partOpen = true
	partH := c.rt.Alloc(part, core.HReadable|core.HEndable)

	// Response: done, name, filename, content_type, headers, part_handle.
	payload := make([]byte, 0, 128)
	var u4 [4]byte
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(u4[:], v)
		payload = append(payload, u4[:]...)
	}
	putBytes := func(b []byte) {
		putU32(uint32(len(b)))
		payload = append(payload, b...)
	}
	putU32(0)
	putBytes(meta.name)
	putBytes(meta.filename)
	putBytes(meta.ctype)
	putU32(uint32(len(meta.hdrs)))
	for i := range meta.hdrs {
		putBytes(meta.hdrs[i].name)
		putBytes(meta.hdrs[i].val)
	}
	putU32(uint32(partH))

	if !c.tryOK(OpMultipartNext, rid, payload) {
		it.partOpen = false
		c.rt.End(partH)
		return false
	}
	it.partsEmitted++
	return true
}

func (c *capCtx) dispatchMultipartEnd(rid uint32, p []byte) bool {
	if len(p) != 0 {
		return c.tryErr(OpMultipartEnd, rid, "t_http_invalid", "malformed MULTIPART_END payload")
	}
	r := c.reqByRID(rid)
	if r == nil || r.mp == nil {
		return c.tryErr(OpMultipartEnd, rid, "t_http_invalid", "multipart not begun")
	}
	if r.mp.partOpen {
		return c.tryErr(OpMultipartEnd, rid, "t_http_invalid", "part still open")
	}
	r.mp = nil
	return c.tryOK(OpMultipartEnd, rid, nil)
}
