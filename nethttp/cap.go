// Package nethttp implements the net/http capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nethttp

import (
	"sync"

	"github.com/frogfishio/zingcore/cmn/nlog"
	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/netsock"
	"github.com/frogfishio/zingcore/zcl1"
	"golang.org/x/sys/unix"
)

// Control-channel ops and events.
const (
	OpListen        = 1
	OpCloseListener = 2
	OpFetch         = 3

	OpRespondStart  = 10
	OpRespondInline = 11
	OpRespondStream = 12

	OpMultipartBegin = 20
	OpMultipartNext  = 21
	OpMultipartEnd   = 22

	EvRequest = 100
)

// Body kinds.
const (
	BodyNone      = 0
	BodyInline    = 1
	BodyStream    = 2
	BodyMultipart = 3
)

const (
	maxListeners  = 16
	maxReqFrame   = 64 * 1024 * 1024
	acceptPollMs  = 250
	listenBacklog = 128
)

type (
	listenerSlot struct {
		used      bool
		id        uint32
		fd        int
		boundPort uint16
		boundAddr [16]byte
	}

	reqSlot struct {
		used       bool
		rid        uint32
		listenerID uint32
		fd         int
		bodyHandle int32
		bodyStream *bodyStream
		respHandle int32

		isMultipart bool
		mpBoundary  []byte
		mp          *mpIter
	}

	// capCtx is the per-handle state. The mutex guards the control-channel
	// output, the listener array, and the request table; helpers that emit
	// output take it themselves, so dispatchers never call them while
	// holding it.
	capCtx struct {
		rt *core.Runtime

		mu            sync.Mutex
		cv            *sync.Cond
		closed        bool
		notifyR       int
		notifyW       int
		notifyPending bool

		in  []byte
		out []byte
		off int

		lim Limits

		listeners      [maxListeners]listenerSlot
		nextListenerID uint32

		reqs    []reqSlot
		nextRID uint32

		srvDone chan struct{}
	}
)

////////////
// capCtx //
////////////

// The notify pipe's read end is the wakeup fd sys/loop multiplexes on.
func (c *capCtx) PollFD() (int, bool) {
	if c.notifyR < 0 {
		return -1, false
	}
	return c.notifyR, true
}

func (c *capCtx) ReadyMask() (mask uint32) {
	c.mu.Lock()
	if c.off < len(c.out) {
		mask |= readableBit
	}
	c.mu.Unlock()
	return mask
}

const readableBit = 0x1 // sys/loop READABLE

func (c *capCtx) DrainWakeup() {
	c.mu.Lock()
	c.drainNotifyLocked()
	c.mu.Unlock()
}

func (c *capCtx) drainNotifyLocked() {
	if c.notifyR < 0 {
		return
	}
	var tmp [64]byte
	for {
		n, err := unix.Read(c.notifyR, tmp[:])
		if n > 0 {
			continue
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (c *capCtx) signalNotifyLocked() {
	if c.notifyW >= 0 && !c.notifyPending {
		b := [1]byte{1}
		unix.Write(c.notifyW, b[:])
		c.notifyPending = true
	}
}

func (c *capCtx) freeOutLocked() {
	c.out = nil
	c.off = 0
	c.drainNotifyLocked()
	c.notifyPending = false
	c.cv.Broadcast()
}

// trySetOut stages a frame unless a previous batch is still undrained.
func (c *capCtx) trySetOut(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.off < len(c.out) {
		return false
	}
	c.freeOutLocked()
	c.out = frame
	c.signalNotifyLocked()
	return true
}

// waitSetOut blocks until the previous batch drains (server thread only).
func (c *capCtx) waitSetOut(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.closed && c.off < len(c.out) {
		c.cv.Wait()
	}
	if c.closed {
		return false
	}
	c.freeOutLocked()
	c.out = frame
	c.signalNotifyLocked()
	return true
}

func (c *capCtx) tryOK(op uint16, rid uint32, payload []byte) bool {
	return c.trySetOut(zcl1.AppendOK(nil, op, rid, payload))
}

func (c *capCtx) tryErr(op uint16, rid uint32, trace, msg string) bool {
	return c.trySetOut(zcl1.AppendError(nil, op, rid, trace, msg))
}

func (c *capCtx) waitOK(op uint16, rid uint32, payload []byte) bool {
	return c.waitSetOut(zcl1.AppendOK(nil, op, rid, payload))
}

///////////////////////
// request/listeners //
///////////////////////

func (c *capCtx) listenerByIDLocked(id uint32) *listenerSlot {
	for i := range c.listeners {
		if c.listeners[i].used && c.listeners[i].id == id {
			return &c.listeners[i]
		}
	}
	return nil
}

func (c *capCtx) reqByRID(rid uint32) *reqSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.reqs {
		if c.reqs[i].used && c.reqs[i].rid == rid {
			return &c.reqs[i]
		}
	}
	return nil
}

func (c *capCtx) allocReq() *reqSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.reqs {
		if !c.reqs[i].used {
			r := &c.reqs[i]
			*r = reqSlot{used: true, fd: -1, rid: c.nextRID}
			c.nextRID++
			if c.nextRID == 0 {
				c.nextRID = 1
			}
			return r
		}
	}
	return nil
}

// closeReq tears the slot down. The response body handle, if any, is owned
// by the guest and ends through its own End path.
func (c *capCtx) closeReq(r *reqSlot) {
	if r.fd >= 0 {
		unix.Close(r.fd)
	}
	if r.bodyHandle >= core.HandleMin {
		c.rt.End(r.bodyHandle)
	} else if r.bodyStream != nil {
		r.bodyStream.End()
	}
	*r = reqSlot{fd: -1}
}

////////////////////
// handle surface //
////////////////////

func (c *capCtx) Read(dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, core.EClosed
	}
	if len(dst) == 0 {
		return 0, nil
	}
	if c.off >= len(c.out) {
		return 0, core.EAgain
	}
	n := copy(dst, c.out[c.off:])
	c.off += n
	if c.off == len(c.out) {
		c.freeOutLocked()
	}
	return n, nil
}

func (c *capCtx) Write(src []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, core.EClosed
	}
	if c.off < len(c.out) {
		c.mu.Unlock()
		return 0, core.EAgain
	}
	c.mu.Unlock()
	if len(src) == 0 {
		return 0, nil
	}

	hard := uint64(zcl1.HdrSize) + uint64(c.lim.MaxHeaderBytes) + uint64(c.lim.MaxInlineBodyBytes) + 4096
	if uint64(len(c.in)+len(src)) > hard {
		c.in = nil
		return 0, core.EBounds
	}
	c.in = append(c.in, src...)

	if len(c.in) < zcl1.HdrSize {
		return len(src), nil
	}
	if !zcl1.HasMagic(c.in) {
		c.in = nil
		return 0, core.EInvalid
	}
	frameLen := uint64(zcl1.HdrSize) + uint64(zcl1.PayloadLen(c.in))
	if frameLen > maxReqFrame {
		c.in = nil
		return 0, core.EBounds
	}
	if frameLen > uint64(len(c.in)) {
		return len(src), nil
	}
	if frameLen != uint64(len(c.in)) {
		c.in = nil
		return 0, core.EInvalid
	}
	fr, ok := zcl1.Parse(c.in)
	if !ok {
		c.in = nil
		return 0, core.EInvalid
	}
	emitted := c.dispatch(&fr)
	c.in = nil
	if !emitted {
		c.tryErr(fr.Op, fr.RID, "t_http_internal", "dispatch failed")
	}
	return len(src), nil
}

func (c *capCtx) dispatch(fr *zcl1.Frame) bool {
	switch fr.Op {
	case OpListen:
		return c.dispatchListen(fr.RID, fr.Payload)
	case OpCloseListener:
		return c.dispatchCloseListener(fr.RID, fr.Payload)
	case OpFetch:
		return c.dispatchFetch(fr.RID, fr.Payload)
	case OpRespondStart:
		return c.dispatchRespondStart(fr.RID, fr.Payload)
	case OpRespondInline:
		return c.dispatchRespondInline(fr.RID, fr.Payload)
	case OpRespondStream:
		return c.dispatchRespondStream(fr.RID, fr.Payload)
	case OpMultipartBegin:
		return c.dispatchMultipartBegin(fr.RID, fr.Payload)
	case OpMultipartNext:
		return c.dispatchMultipartNext(fr.RID, fr.Payload)
	case OpMultipartEnd:
		return c.dispatchMultipartEnd(fr.RID, fr.Payload)
	default:
		return c.tryErr(fr.Op, fr.RID, "t_http_nosys", "op not implemented")
	}
}

func (c *capCtx) End() error {
	c.mu.Lock()
	c.closed = true
	for i := range c.listeners {
		if c.listeners[i].used && c.listeners[i].fd >= 0 {
			unix.Close(c.listeners[i].fd)
		}
		c.listeners[i] = listenerSlot{fd: -1}
	}
	c.cv.Broadcast()
	c.mu.Unlock()

	if c.srvDone != nil {
		<-c.srvDone
	}

	for i := range c.reqs {
		r := &c.reqs[i]
		if !r.used {
			continue
		}
		if r.respHandle >= core.HandleMin {
			c.rt.End(r.respHandle)
			r.respHandle = 0
		}
		c.closeReq(r)
	}
	c.reqs = nil

	c.mu.Lock()
	c.out, c.in = nil, nil
	if c.notifyR >= 0 {
		unix.Close(c.notifyR)
		c.notifyR = -1
	}
	if c.notifyW >= 0 {
		unix.Close(c.notifyW)
		c.notifyW = -1
	}
	c.mu.Unlock()
	return nil
}

///////////////////
// server thread //
///////////////////

// serverLoop accepts on the live listeners and frames requests. It parks on
// the cond var until at least one listener is registered.
func (c *capCtx) serverLoop() {
	defer close(c.srvDone)
	for {
		c.mu.Lock()
		for !c.closed {
			have := false
			for i := range c.listeners {
				if c.listeners[i].used && c.listeners[i].fd >= 0 {
					have = true
					break
				}
			}
			if have {
				break
			}
			c.cv.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		var (
			pfds []unix.PollFd
			lids []uint32
		)
		for i := range c.listeners {
			if !c.listeners[i].used || c.listeners[i].fd < 0 {
				continue
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(c.listeners[i].fd), Events: unix.POLLIN})
			lids = append(lids, c.listeners[i].id)
		}
		c.mu.Unlock()

		if len(pfds) == 0 {
			continue
		}
		n, err := unix.Poll(pfds, acceptPollMs)
		if err != nil || n <= 0 {
			continue
		}
		for i := range pfds {
			if pfds[i].Revents&unix.POLLIN == 0 {
				continue
			}
			conn, peer, err := unix.Accept(int(pfds[i].Fd))
			if err != nil {
				continue
			}
			netsock.SetCloexec(conn)
			if !c.buildEvRequest(lids[i], conn, peer) {
				sendHTTPErrorBestEffort(conn, 400, "Bad Request", "bad request\n")
				unix.Close(conn)
			}
		}
	}
}

//////////////
// open/reg //
//////////////

func open(rt *core.Runtime, params []byte) int32 {
	if len(params) != 0 {
		return int32(core.EInvalid)
	}
	c := &capCtx{
		rt:      rt,
		notifyR: -1,
		notifyW: -1,
		lim:     LoadLimits(),
		nextRID: 1,
		srvDone: make(chan struct{}),
	}
	c.cv = sync.NewCond(&c.mu)
	for i := range c.listeners {
		c.listeners[i].fd = -1
	}

	var fds [2]int
	if err := unix.Pipe(fds[:]); err == nil {
		c.notifyR, c.notifyW = fds[0], fds[1]
		netsock.SetNonblock(c.notifyR)
		netsock.SetNonblock(c.notifyW)
	} else {
		nlog.Warningf("net/http: notify pipe unavailable: %v", err)
	}

	reqCap := c.lim.MaxInflight
	if reqCap < 1 {
		reqCap = 1
	}
	if reqCap > 4096 {
		reqCap = 4096
	}
	c.reqs = make([]reqSlot, reqCap)
	for i := range c.reqs {
		c.reqs[i].fd = -1
	}

	go c.serverLoop()

	return rt.Alloc(c, core.HReadable|core.HWritable|core.HEndable)
}

// Register installs net/http@v1 into rt's capability registry.
func Register(rt *core.Runtime) error {
	return rt.Register(&core.Cap{
		Kind:    "net",
		Name:    "http",
		Version: 1,
		Flags:   core.CapCanOpen | core.CapMayBlock,
		Open:    open,
	})
}
