// Package hopper implements the structured-record arena.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package hopper

import (
	"encoding/binary"

	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/zcl1"
)

// proc/hopper control ops.
const (
	OpInfo          = 1
	OpReset         = 2
	OpRecord        = 3
	OpFieldSetBytes = 4
	OpFieldGetBytes = 5
	OpFieldSetI32   = 6
	OpFieldGetI32   = 7
)

const (
	bufSize = 64 * 1024

	defaultArenaBytes = 64 * 1024
	defaultRefCount   = 1024

	maxArenaBytes  = 16 * 1024 * 1024
	maxRefCount    = 65536
	maxBytesResult = 60000
)

// Built-in minimal catalog (layout_id=1).
var builtinCatalog = &Catalog{
	Layouts: []Layout{{
		Name:        "Example",
		RecordBytes: 8,
		LayoutID:    1,
		Fields: []Field{
			{Name: "raw", Offset: 0, Size: 4, Kind: FieldBytes, PadByte: ' '},
			{Name: "num", Offset: 4, Size: 3, Kind: FieldNumI32,
				Pic: Pic{Digits: 3, Usage: UsageDisplay}},
		},
	}},
}

type hopHandle struct {
	h *Hopper

	in  []byte
	out []byte
	off int

	closed bool
}

func (c *hopHandle) reply(frame []byte) { c.out = frame }

func (c *hopHandle) okErrOnly(fr *zcl1.Frame, e Err) {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], uint32(e))
	c.reply(zcl1.AppendOK(nil, fr.Op, fr.RID, p[:]))
}

func (c *hopHandle) okErrI32(fr *zcl1.Frame, e Err, v int32) {
	var p [8]byte
	binary.LittleEndian.PutUint32(p[:], uint32(e))
	binary.LittleEndian.PutUint32(p[4:], uint32(v))
	c.reply(zcl1.AppendOK(nil, fr.Op, fr.RID, p[:]))
}

func (c *hopHandle) okErrBytes(fr *zcl1.Frame, e Err, b []byte) {
	if len(b) > maxBytesResult {
		c.errFrame(fr, "t_hopper_oversize", "payload too large")
		return
	}
	p := make([]byte, 8+len(b))
	binary.LittleEndian.PutUint32(p, uint32(e))
	binary.LittleEndian.PutUint32(p[4:], uint32(len(b)))
	copy(p[8:], b)
	c.reply(zcl1.AppendOK(nil, fr.Op, fr.RID, p))
}

func (c *hopHandle) errFrame(fr *zcl1.Frame, trace, msg string) {
	c.reply(zcl1.AppendError(nil, fr.Op, fr.RID, trace, msg))
}

func (c *hopHandle) dispatch(fr *zcl1.Frame) {
	switch fr.Op {
	case OpInfo:
		// u32 abi_version, u32 default_layout_id, u32 arena_bytes, u32 ref_count
		p := make([]byte, 16)
		binary.LittleEndian.PutUint32(p, AbiVersion)
		binary.LittleEndian.PutUint32(p[4:], 1)
		binary.LittleEndian.PutUint32(p[8:], c.h.ArenaBytes())
		binary.LittleEndian.PutUint32(p[12:], c.h.RefCount())
		c.reply(zcl1.AppendOK(nil, fr.Op, fr.RID, p))
	case OpReset:
		if len(fr.Payload) != 4 {
			c.errFrame(fr, "t_hopper_bad_req", "RESET payload")
			return
		}
		wipe := binary.LittleEndian.Uint32(fr.Payload) != 0
		c.okErrOnly(fr, c.h.Reset(wipe))
	case OpRecord:
		if len(fr.Payload) != 4 {
			c.errFrame(fr, "t_hopper_bad_req", "RECORD payload")
			return
		}
		layoutID := binary.LittleEndian.Uint32(fr.Payload)
		ref, e := c.h.Record(layoutID)
		if e != OK {
			c.okErrI32(fr, e, -1)
			return
		}
		c.okErrI32(fr, OK, int32(ref))
	case OpFieldSetBytes:
		if len(fr.Payload) < 12 {
			c.errFrame(fr, "t_hopper_bad_req", "SET_BYTES header")
			return
		}
		ref := Ref(binary.LittleEndian.Uint32(fr.Payload))
		fieldIndex := binary.LittleEndian.Uint32(fr.Payload[4:])
		ln := binary.LittleEndian.Uint32(fr.Payload[8:])
		if uint64(12)+uint64(ln) != uint64(len(fr.Payload)) {
			c.errFrame(fr, "t_hopper_bad_req", "SET_BYTES length")
			return
		}
		c.okErrOnly(fr, c.h.FieldSetBytes(ref, fieldIndex, fr.Payload[12:]))
	case OpFieldGetBytes:
		if len(fr.Payload) != 8 {
			c.errFrame(fr, "t_hopper_bad_req", "GET_BYTES payload")
			return
		}
		ref := Ref(binary.LittleEndian.Uint32(fr.Payload))
		fieldIndex := binary.LittleEndian.Uint32(fr.Payload[4:])
		size, e := c.h.FieldSize(ref, fieldIndex)
		if e != OK {
			c.okErrBytes(fr, e, nil)
			return
		}
		tmp := make([]byte, size)
		if e := c.h.FieldGetBytes(ref, fieldIndex, tmp); e != OK {
			c.okErrBytes(fr, e, nil)
			return
		}
		c.okErrBytes(fr, OK, tmp)
	case OpFieldSetI32:
		if len(fr.Payload) != 12 {
			c.errFrame(fr, "t_hopper_bad_req", "SET_I32 payload")
			return
		}
		ref := Ref(binary.LittleEndian.Uint32(fr.Payload))
		fieldIndex := binary.LittleEndian.Uint32(fr.Payload[4:])
		v := int32(binary.LittleEndian.Uint32(fr.Payload[8:]))
		c.okErrOnly(fr, c.h.FieldSetI32(ref, fieldIndex, v))
	case OpFieldGetI32:
		if len(fr.Payload) != 8 {
			c.errFrame(fr, "t_hopper_bad_req", "GET_I32 payload")
			return
		}
		ref := Ref(binary.LittleEndian.Uint32(fr.Payload))
		fieldIndex := binary.LittleEndian.Uint32(fr.Payload[4:])
		v, e := c.h.FieldGetI32(ref, fieldIndex)
		if e != OK {
			c.okErrI32(fr, e, 0)
			return
		}
		c.okErrI32(fr, OK, v)
	default:
		c.errFrame(fr, "t_hopper_unknown_op", "unknown op")
	}
}

func (c *hopHandle) Read(dst []byte) (int, error) {
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
		c.out = nil
		c.off = 0
	}
	return n, nil
}

func (c *hopHandle) Write(src []byte) (int, error) {
	if c.closed {
		return 0, core.EClosed
	}
	if len(src) == 0 {
		return 0, nil
	}
	if len(c.out) != 0 {
		// One outstanding response at a time.
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
	c.dispatch(&fr)
	c.in = nil
	c.off = 0
	return len(src), nil
}

func (c *hopHandle) End() error {
	c.closed = true
	c.h = nil
	c.in, c.out = nil, nil
	return nil
}

// Open params: empty, or u32 version=1, u32 arena_bytes, u32 ref_count.
func open(rt *core.Runtime, params []byte) int32 {
	arenaBytes := uint32(defaultArenaBytes)
	refCount := uint32(defaultRefCount)
	if len(params) != 0 {
		if len(params) != 12 {
			return int32(core.EInvalid)
		}
		if binary.LittleEndian.Uint32(params) != 1 {
			return int32(core.EInvalid)
		}
		arenaBytes = binary.LittleEndian.Uint32(params[4:])
		refCount = binary.LittleEndian.Uint32(params[8:])
		if arenaBytes == 0 || arenaBytes > maxArenaBytes {
			return int32(core.EInvalid)
		}
		if refCount == 0 || refCount > maxRefCount {
			return int32(core.EInvalid)
		}
	}
	c := &hopHandle{h: New(arenaBytes, refCount, builtinCatalog)}
	return rt.Alloc(c, core.HReadable|core.HWritable|core.HEndable)
}

// Register installs proc/hopper@v1 into rt's capability registry.
func Register(rt *core.Runtime) error {
	return rt.Register(&core.Cap{
		Kind:    "proc",
		Name:    "hopper",
		Version: 1,
		Flags:   core.CapCanOpen,
		Open:    open,
	})
}
