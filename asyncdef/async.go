// Package asyncdef implements the async/default capability: a selector
// registry invoked with INVOKE(selector, future_id, params), completing
// futures via ack / future_ok / future_fail / future_cancel events.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package asyncdef

import (
	"encoding/binary"
	"sync"

	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/zcl1"
)

// Control ops and events.
const (
	OpList   = 1
	OpInvoke = 2
	OpCancel = 3

	EvAck          = 100
	EvFail         = 101
	EvFutureOK     = 102
	EvFutureFail   = 103
	EvFutureCancel = 104
)

// Operation status codes (first u32 of INVOKE/CANCEL responses and of a
// rejected LIST; a successful LIST starts with its version instead).
const (
	StatusOK          = 0
	StatusInvalid     = 1
	StatusNoent       = 2
	StatusUnsupported = 3
	StatusInternal    = 4
)

const (
	FuturesMax = 64
	bufSize    = 64 * 1024
)

// Emit is the selector-to-channel callback surface.
type Emit interface {
	Ack(reqID, futureID uint64) bool
	Fail(reqID uint64, code, msg string) bool
	FutureOK(futureID uint64, val []byte) bool
	FutureFail(futureID uint64, code, msg string) bool
	FutureCancel(futureID uint64) bool
}

// Selector is an invocable entry in the registry. Invoke must ack or fail
// synchronously; a selector that does neither is coerced to a failure.
type Selector struct {
	CapKind  string
	CapName  string
	Selector string
	Invoke   func(em Emit, params []byte, reqID, futureID uint64) bool
	Cancel   func(futureID uint64) bool // nil: cancellation unsupported
}

type registry struct {
	mu        sync.Mutex
	selectors []*Selector
}

var registries sync.Map // *core.Runtime -> *registry

func registryFor(rt *core.Runtime) *registry {
	if v, ok := registries.Load(rt); ok {
		return v.(*registry)
	}
	v, _ := registries.LoadOrStore(rt, &registry{})
	return v.(*registry)
}

// RegisterSelector adds a selector to rt's async registry.
func RegisterSelector(rt *core.Runtime, s *Selector) bool {
	if s == nil || s.CapKind == "" || s.CapName == "" || s.Selector == "" {
		return false
	}
	r := registryFor(rt)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.selectors {
		if have.CapKind == s.CapKind && have.CapName == s.CapName && have.Selector == s.Selector {
			return false
		}
	}
	r.selectors = append(r.selectors, s)
	return true
}

func (r *registry) find(kind, name, sel string) *Selector {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.selectors {
		if s.CapKind == kind && s.CapName == name && s.Selector == sel {
			return s
		}
	}
	return nil
}

func (r *registry) list() []*Selector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Selector(nil), r.selectors...)
}

////////////////////////
// built-in selectors //
////////////////////////

// RegisterBuiltins installs ping.v1, fail.v1 and hold.v1.
func RegisterBuiltins(rt *core.Runtime) bool {
	ok := RegisterSelector(rt, &Selector{
		CapKind: "async", CapName: "default", Selector: "ping.v1",
		Invoke: func(em Emit, _ []byte, reqID, futureID uint64) bool {
			if !em.Ack(reqID, futureID) {
				return false
			}
			return em.FutureOK(futureID, []byte("pong"))
		},
	})
	ok = RegisterSelector(rt, &Selector{
		CapKind: "async", CapName: "default", Selector: "fail.v1",
		Invoke: func(em Emit, _ []byte, reqID, futureID uint64) bool {
			if !em.Ack(reqID, futureID) {
				return false
			}
			return em.FutureFail(futureID, "demo.fail", "intentional failure")
		},
	}) && ok
	ok = RegisterSelector(rt, &Selector{
		CapKind: "async", CapName: "default", Selector: "hold.v1",
		Invoke: func(em Emit, _ []byte, reqID, futureID uint64) bool {
			// Never completes; the caller must cancel.
			return em.Ack(reqID, futureID)
		},
		// The cancel contract is just an acknowledgment; the dispatcher
		// emits EV_FUTURE_CANCEL itself.
		Cancel: func(uint64) bool { return true },
	}) && ok
	return ok
}

////////////
// handle //
////////////

type futureEntry struct {
	futureID  uint64
	sel       *Selector
	invokeRID uint64
	used      bool
}

type asyncHandle struct {
	reg *registry

	in  []byte
	out []byte
	off int

	closed bool

	// per-INVOKE bookkeeping for the ack-or-fail guarantee
	curReqID    uint64
	curEmitRID  uint64
	curFutureID uint64
	curAcked    bool
	curFailed   bool

	futures [FuturesMax]futureEntry
}

var _ Emit = (*asyncHandle)(nil)

func (c *asyncHandle) appendOut(frame []byte) bool {
	if len(c.out)+len(frame) > bufSize {
		return false
	}
	c.out = append(c.out, frame...)
	return true
}

func (c *asyncHandle) okU32(op uint16, rid, v uint32) bool {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], v)
	return c.appendOut(zcl1.AppendOK(nil, op, rid, p[:]))
}

func (c *asyncHandle) okBytes(op uint16, rid uint32, payload []byte) bool {
	return c.appendOut(zcl1.AppendOK(nil, op, rid, payload))
}

func (c *asyncHandle) errFrame(op uint16, rid uint32, trace, msg string) bool {
	return c.appendOut(zcl1.AppendError(nil, op, rid, trace, msg))
}

func (c *asyncHandle) evFail(op uint16, rid uint32, futureID uint64, code, msg string) bool {
	if len(code) > 1024 || len(msg) > 8192 {
		return false
	}
	payload := make([]byte, 0, 16+len(code)+len(msg))
	var u8 [8]byte
	binary.LittleEndian.PutUint64(u8[:], futureID)
	payload = append(payload, u8[:]...)
	var u4 [4]byte
	binary.LittleEndian.PutUint32(u4[:], uint32(len(code)))
	payload = append(payload, u4[:]...)
	payload = append(payload, code...)
	binary.LittleEndian.PutUint32(u4[:], uint32(len(msg)))
	payload = append(payload, u4[:]...)
	payload = append(payload, msg...)
	return c.okBytes(op, rid, payload)
}

func (c *asyncHandle) futureFind(futureID uint64) int {
	for i := range c.futures {
		if c.futures[i].used && c.futures[i].futureID == futureID {
			return i
		}
	}
	return -1
}

func (c *asyncHandle) futureAlloc(futureID uint64, sel *Selector, invokeRID uint64) bool {
	if futureID == 0 || c.futureFind(futureID) >= 0 {
		return false
	}
	for i := range c.futures {
		if !c.futures[i].used {
			c.futures[i] = futureEntry{futureID: futureID, sel: sel, invokeRID: invokeRID, used: true}
			return true
		}
	}
	return false
}

func (c *asyncHandle) futureFree(futureID uint64) {
	if i := c.futureFind(futureID); i >= 0 {
		c.futures[i] = futureEntry{}
	}
}

// Emit callbacks (selector -> control channel).

func (c *asyncHandle) Ack(reqID, futureID uint64) bool {
	if c.curReqID != reqID {
		return false
	}
	c.curAcked = true
	var p [8]byte
	binary.LittleEndian.PutUint64(p[:], futureID)
	return c.okBytes(EvAck, uint32(reqID), p[:])
}

func (c *asyncHandle) Fail(reqID uint64, code, msg string) bool {
	if c.curReqID != reqID {
		return false
	}
	c.curFailed = true
	if c.curFutureID != 0 {
		c.futureFree(c.curFutureID)
	}
	return c.evFail(EvFail, uint32(reqID), 0, code, msg)
}

func (c *asyncHandle) FutureOK(futureID uint64, val []byte) bool {
	if len(val) > maxFutureVal {
		return false
	}
	c.futureFree(futureID)
	payload := make([]byte, 12+len(val))
	binary.LittleEndian.PutUint64(payload, futureID)
	binary.LittleEndian.PutUint32(payload[8:], uint32(len(val)))
	copy(payload[12:], val)
	return c.okBytes(EvFutureOK, uint32(c.curEmitRID), payload)
}

func (c *asyncHandle) FutureFail(futureID uint64, code, msg string) bool {
	c.futureFree(futureID)
	return c.evFail(EvFutureFail, uint32(c.curEmitRID), futureID, code, msg)
}

func (c *asyncHandle) FutureCancel(futureID uint64) bool {
	c.futureFree(futureID)
	var p [8]byte
	binary.LittleEndian.PutUint64(p[:], futureID)
	return c.okBytes(EvFutureCancel, uint32(c.curEmitRID), p[:])
}

const maxFutureVal = 60000

//////////////
// dispatch //
//////////////

// LIST payload: u32 version, u32 n, then (kind, name, selector) per entry.
func (c *asyncHandle) dispatchList(fr *zcl1.Frame) bool {
	if len(fr.Payload) != 0 {
		c.okU32(fr.Op, fr.RID, StatusInvalid)
		return true
	}
	sels := c.reg.list()
	payload := make([]byte, 8, 256)
	binary.LittleEndian.PutUint32(payload, 1)
	binary.LittleEndian.PutUint32(payload[4:], uint32(len(sels)))
	var u4 [4]byte
	putStr := func(s string) {
		binary.LittleEndian.PutUint32(u4[:], uint32(len(s)))
		payload = append(payload, u4[:]...)
		payload = append(payload, s...)
	}
	for _, s := range sels {
		putStr(s.CapKind)
		putStr(s.CapName)
		putStr(s.Selector)
	}
	return c.okBytes(fr.Op, fr.RID, payload)
}

// INVOKE payload: kind, name, selector (u32-len strings), u64 future_id,
// u32 params_len, params.
func (c *asyncHandle) dispatchInvoke(fr *zcl1.Frame) bool {
	p := fr.Payload
	invalid := func() bool {
		c.okU32(fr.Op, fr.RID, StatusInvalid)
		return true
	}
	off := 0
	readStr := func() (string, bool) {
		if off+4 > len(p) {
			return "", false
		}
		n := int(binary.LittleEndian.Uint32(p[off:]))
		off += 4
		if n == 0 || off+n > len(p) {
			return "", false
		}
		s := string(p[off : off+n])
		off += n
		return s, true
	}
	kind, ok := readStr()
	if !ok {
		return invalid()
	}
	name, ok := readStr()
	if !ok {
		return invalid()
	}
	sel, ok := readStr()
	if !ok {
		return invalid()
	}
	if off+12 > len(p) {
		return invalid()
	}
	futureID := binary.LittleEndian.Uint64(p[off:])
	off += 8
	paramsLen := int(binary.LittleEndian.Uint32(p[off:]))
	off += 4
	if off+paramsLen != len(p) {
		return invalid()
	}
	params := p[off:]

	s := c.reg.find(kind, name, sel)
	if s == nil || s.Invoke == nil {
		c.okU32(fr.Op, fr.RID, StatusNoent)
		// failure event for uniformity
		c.evFail(EvFail, fr.RID, futureID, "t_async_noent", "selector not found")
		return true
	}
	if !c.futureAlloc(futureID, s, uint64(fr.RID)) {
		c.okU32(fr.Op, fr.RID, StatusInvalid)
		c.evFail(EvFail, fr.RID, futureID, "t_async_dup_future", "duplicate/invalid future id")
		return true
	}
	if !c.okU32(fr.Op, fr.RID, StatusOK) {
		return false
	}

	c.curReqID = uint64(fr.RID)
	c.curEmitRID = uint64(fr.RID)
	c.curFutureID = futureID
	c.curAcked, c.curFailed = false, false

	ok = s.Invoke(c, params, uint64(fr.RID), futureID)

	if !c.curAcked && !c.curFailed {
		c.futureFree(futureID)
		c.evFail(EvFail, fr.RID, futureID, "t_async_no_ack", "selector did not ack/fail")
	}
	if !ok {
		c.futureFree(futureID)
	}
	c.curFutureID, c.curEmitRID = 0, 0
	return true
}

func (c *asyncHandle) dispatchCancel(fr *zcl1.Frame) bool {
	if len(fr.Payload) != 8 {
		c.okU32(fr.Op, fr.RID, StatusInvalid)
		return true
	}
	futureID := binary.LittleEndian.Uint64(fr.Payload)
	i := c.futureFind(futureID)
	if i < 0 {
		c.okU32(fr.Op, fr.RID, StatusNoent)
		return true
	}
	s := c.futures[i].sel
	if s == nil || s.Cancel == nil {
		c.okU32(fr.Op, fr.RID, StatusUnsupported)
		return true
	}
	if !s.Cancel(futureID) {
		c.okU32(fr.Op, fr.RID, StatusInternal)
		return true
	}
	c.futureFree(futureID)
	c.curEmitRID = uint64(fr.RID)
	if !c.okU32(fr.Op, fr.RID, StatusOK) {
		return false
	}
	ok := c.FutureCancel(futureID)
	c.curEmitRID = 0
	return ok
}

func (c *asyncHandle) dispatch(fr *zcl1.Frame) bool {
	switch fr.Op {
	case OpList:
		return c.dispatchList(fr)
	case OpInvoke:
		return c.dispatchInvoke(fr)
	case OpCancel:
		return c.dispatchCancel(fr)
	default:
		return c.errFrame(fr.Op, fr.RID, "t_async_unknown_op", "unknown op")
	}
}

////////////////////
// handle surface //
////////////////////

func (c *asyncHandle) Read(dst []byte) (int, error) {
	if c.closed {
		return 0, nil
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
		c.out = c.out[:0]
		c.off = 0
	}
	return n, nil
}

func (c *asyncHandle) Write(src []byte) (int, error) {
	if c.closed {
		return 0, core.EClosed
	}
	if len(src) == 0 {
		return 0, nil
	}
	if len(c.out) != 0 {
		// One outstanding response/event batch at a time.
		return 0, core.EAgain
	}
	if len(c.in)+len(src) > bufSize {
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
	frameLen := zcl1.HdrSize + int(zcl1.PayloadLen(c.in))
	if frameLen > bufSize {
		c.in = nil
		return 0, core.EBounds
	}
	if frameLen > len(c.in) {
		return len(src), nil
	}
	if frameLen != len(c.in) {
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
	if !emitted || len(c.out) == 0 {
		c.errFrame(fr.Op, fr.RID, "t_async_internal", "dispatch failed")
	}
	c.off = 0
	return len(src), nil
}

func (c *asyncHandle) End() error {
	c.closed = true
	c.in, c.out = nil, nil
	return nil
}

func open(rt *core.Runtime, params []byte) int32 {
	if len(params) != 0 {
		return int32(core.EInvalid)
	}
	c := &asyncHandle{reg: registryFor(rt)}
	return rt.Alloc(c, core.HReadable|core.HWritable|core.HEndable)
}

// Register installs async/default@v1 and its built-in selectors.
func Register(rt *core.Runtime) error {
	if err := rt.Register(&core.Cap{
		Kind:    "async",
		Name:    "default",
		Version: 1,
		Flags:   core.CapCanOpen | core.CapMayBlock,
		Open:    open,
	}); err != nil {
		return err
	}
	if !RegisterBuiltins(rt) {
		return core.EInternal
	}
	return nil
}
