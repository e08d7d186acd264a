// Package core implements the zingcore runtime.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package core

import (
	"encoding/binary"

	"github.com/frogfishio/zingcore/zcl1"
)

// ctl ops understood by the core itself.
const (
	CtlOpCapsList = 1
	CtlOpHandleOp = 2 // reserved
)

const maxCapsListPayload = 64 * 1024

func (rt *Runtime) AbiVersion() uint32 {
	if h := rt.host; h != nil && h.AbiVersion != nil {
		return h.AbiVersion()
	}
	return AbiVersion
}

// Read reads from a handle into a host-side buffer.
func (rt *Runtime) Read(h int32, dst []byte) int32 {
	if hh := rt.host; hh != nil && hh.Read != nil {
		return hh.Read(h, dst)
	}
	hd, _, ok := rt.Lookup(h)
	if !ok {
		return int32(ENosys)
	}
	return Ret(hd.Read(dst))
}

// Write writes a host-side buffer to a handle.
func (rt *Runtime) Write(h int32, src []byte) int32 {
	if hh := rt.host; hh != nil && hh.Write != nil {
		return hh.Write(h, src)
	}
	hd, _, ok := rt.Lookup(h)
	if !ok {
		return int32(ENosys)
	}
	return Ret(hd.Write(src))
}

// End invokes the handle's End then releases the slot.
func (rt *Runtime) End(h int32) int32 {
	if hh := rt.host; hh != nil && hh.End != nil {
		return hh.End(h)
	}
	hd, _, ok := rt.Lookup(h)
	if !ok {
		return int32(ENosys)
	}
	err := hd.End()
	rt.Release(h)
	if err != nil {
		return int32(Code(err))
	}
	return 0
}

// HandleCtl forwards a control op to the handle's Ctl hook, if any.
func (rt *Runtime) HandleCtl(h int32, op uint32, arg []byte) int32 {
	hd, _, ok := rt.Lookup(h)
	if !ok {
		return int32(ENosys)
	}
	c, ok := hd.(Ctler)
	if !ok {
		return int32(ENosys)
	}
	if err := c.Ctl(op, arg); err != nil {
		return int32(Code(err))
	}
	return 0
}

// ReadPtr is the guest-pointer variant of Read.
func (rt *Runtime) ReadPtr(h int32, dstPtr uint64, cap uint32) int32 {
	dst, err := rt.mapRW(dstPtr, cap)
	if err != nil {
		return int32(Code(err))
	}
	return rt.Read(h, dst)
}

// WritePtr is the guest-pointer variant of Write.
func (rt *Runtime) WritePtr(h int32, srcPtr uint64, ln uint32) int32 {
	src, err := rt.mapRO(srcPtr, ln)
	if err != nil {
		return int32(Code(err))
	}
	return rt.Write(h, src)
}

func (rt *Runtime) Alloc(size uint32) uint64 {
	if h := rt.host; h != nil && h.Alloc != nil {
		return h.Alloc(size)
	}
	return 0
}

func (rt *Runtime) Free(ptr uint64) int32 {
	if h := rt.host; h != nil && h.Free != nil {
		return h.Free(ptr)
	}
	return int32(ENosys)
}

// Telemetry is a fire-and-forget pass-through to the host.
func (rt *Runtime) Telemetry(topic, msg []byte) int32 {
	if h := rt.host; h != nil && h.Telemetry != nil {
		return h.Telemetry(topic, msg)
	}
	return 0
}

// Ctl parses a ZCL1 request and answers it into resp. The core implements
// exactly CAPS_LIST; everything else is an error frame.
func (rt *Runtime) Ctl(req, resp []byte) int32 {
	if h := rt.host; h != nil && h.Ctl != nil {
		return h.Ctl(req, resp)
	}
	fr, ok := zcl1.Parse(req)
	if !ok {
		n := zcl1.WriteError(resp, 0, 0, "t_ctl_bad_frame", "parse")
		if n < 0 {
			return int32(EBounds)
		}
		return int32(n)
	}
	switch fr.Op {
	case CtlOpCapsList:
		return rt.ctlCapsList(resp, fr.Op, fr.RID)
	default:
		n := zcl1.WriteError(resp, fr.Op, fr.RID, "t_ctl_unknown_op", "unknown operation")
		if n < 0 {
			return int32(EBounds)
		}
		return int32(n)
	}
}

// CtlPtr is the guest-pointer variant of Ctl.
func (rt *Runtime) CtlPtr(reqPtr uint64, reqLen uint32, respPtr uint64, respCap uint32) int32 {
	req, err := rt.mapRO(reqPtr, reqLen)
	if err != nil {
		return int32(Code(err))
	}
	resp, err := rt.mapRW(respPtr, respCap)
	if err != nil {
		return int32(Code(err))
	}
	return rt.Ctl(req, resp)
}

// CAPS_LIST response payload:
//
//	u32 version (=1)
//	u32 n
//	repeat n: u32 kind_len, kind, u32 name_len, name, u32 flags, u32 meta_len, meta
func (rt *Runtime) ctlCapsList(resp []byte, op uint16, rid uint32) int32 {
	caps := rt.CapList()
	plen := 8
	for _, c := range caps {
		plen += 4 + len(c.Kind) + 4 + len(c.Name) + 4 + 4 + len(c.Meta)
	}
	if plen > maxCapsListPayload {
		n := zcl1.WriteError(resp, op, rid, "t_ctl_overflow", "payload too large")
		if n < 0 {
			return int32(EBounds)
		}
		return int32(n)
	}
	payload := make([]byte, plen)
	binary.LittleEndian.PutUint32(payload[0:], 1)
	binary.LittleEndian.PutUint32(payload[4:], uint32(len(caps)))
	off := 8
	for _, c := range caps {
		off = putLenBytes(payload, off, []byte(c.Kind))
		off = putLenBytes(payload, off, []byte(c.Name))
		binary.LittleEndian.PutUint32(payload[off:], c.Flags)
		off += 4
		off = putLenBytes(payload, off, c.Meta)
	}
	n := zcl1.WriteOK(resp, op, rid, payload)
	if n < 0 {
		return int32(EBounds)
	}
	return int32(n)
}

func putLenBytes(dst []byte, off int, b []byte) int {
	binary.LittleEndian.PutUint32(dst[off:], uint32(len(b)))
	off += 4
	copy(dst[off:], b)
	return off + len(b)
}
