// Package sysinfo implements the sys/info capability: stateless INFO,
// TIME_NOW, RANDOM_SEED and STATS operations over a ZCL1 channel.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package sysinfo

import (
	"crypto/rand"
	"encoding/binary"
	"os"
	"runtime"
	"time"

	"github.com/frogfishio/zingcore/cmn/mono"
	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/sys"
	"github.com/frogfishio/zingcore/zcl1"
)

// Ops.
const (
	OpInfo       = 1
	OpTimeNow    = 2
	OpRandomSeed = 3
	OpStats      = 4
)

// INFO string-presence flag bits.
const (
	InfoHasOS = 1 << iota
	InfoHasArch
	InfoHasModel
	InfoHasHost
)

// STATS section flag bits.
const (
	StatsHasLoad = 1 << iota
	StatsHasMem
)

const (
	trace   = "sys.info"
	bufSize = 64 * 1024
	seedLen = 32
)

type infoHandle struct {
	in  []byte
	out []byte
	off int

	closed bool
}

func (c *infoHandle) emitOK(fr *zcl1.Frame, payload []byte) {
	c.out = zcl1.AppendOK(c.out, fr.Op, fr.RID, payload)
}

func (c *infoHandle) emitErr(fr *zcl1.Frame, msg string) {
	c.out = zcl1.AppendError(c.out, fr.Op, fr.RID, trace, msg)
}

func putStr(payload []byte, s string, flags *uint32, bit uint32) []byte {
	var u4 [4]byte
	binary.LittleEndian.PutUint32(u4[:], uint32(len(s)))
	payload = append(payload, u4[:]...)
	payload = append(payload, s...)
	if len(s) != 0 {
		*flags |= bit
	}
	return payload
}

func (c *infoHandle) dispatch(fr *zcl1.Frame) {
	switch fr.Op {
	case OpInfo:
		// u32 version, u32 flags, u32 cpu_count, u32 page_size,
		// then os/arch/model/host as u32-len strings.
		host, _ := os.Hostname()
		payload := make([]byte, 16, 256)
		binary.LittleEndian.PutUint32(payload, 1)
		binary.LittleEndian.PutUint32(payload[8:], uint32(sys.NumCPU()))
		binary.LittleEndian.PutUint32(payload[12:], uint32(sys.PageSize()))
		var flags uint32
		payload = putStr(payload, runtime.GOOS, &flags, InfoHasOS)
		payload = putStr(payload, runtime.GOARCH, &flags, InfoHasArch)
		payload = putStr(payload, modelString(), &flags, InfoHasModel)
		payload = putStr(payload, host, &flags, InfoHasHost)
		binary.LittleEndian.PutUint32(payload[4:], flags)
		c.emitOK(fr, payload)
	case OpTimeNow:
		payload := make([]byte, 20)
		binary.LittleEndian.PutUint32(payload, 1)
		binary.LittleEndian.PutUint64(payload[4:], uint64(time.Now().UnixNano()))
		binary.LittleEndian.PutUint64(payload[12:], uint64(mono.NanoTime()))
		c.emitOK(fr, payload)
	case OpRandomSeed:
		var seed [seedLen]byte
		if _, err := rand.Read(seed[:]); err != nil {
			c.emitErr(fr, "entropy unavailable")
			return
		}
		payload := make([]byte, 8+seedLen)
		binary.LittleEndian.PutUint32(payload, 1)
		binary.LittleEndian.PutUint32(payload[4:], seedLen)
		copy(payload[8:], seed[:])
		c.emitOK(fr, payload)
	case OpStats:
		payload := make([]byte, 16, 64)
		binary.LittleEndian.PutUint32(payload, 1)
		binary.LittleEndian.PutUint64(payload[8:], uint64(time.Now().UnixNano()))
		var flags uint32
		if avg, err := sys.LoadAverage(); err == nil {
			flags |= StatsHasLoad
			var u4 [4]byte
			for _, v := range [3]float64{avg.One, avg.Five, avg.Fifteen} {
				binary.LittleEndian.PutUint32(u4[:], uint32(v*1000+0.5))
				payload = append(payload, u4[:]...)
			}
		}
		if mem, err := sys.MemStats(); err == nil && mem.Total > 0 && mem.Available > 0 {
			flags |= StatsHasMem
			var u8 [8]byte
			binary.LittleEndian.PutUint64(u8[:], mem.Total)
			payload = append(payload, u8[:]...)
			binary.LittleEndian.PutUint64(u8[:], mem.Available)
			payload = append(payload, u8[:]...)
			var u4 [4]byte
			binary.LittleEndian.PutUint32(u4[:], memPressureMilli(mem.Total, mem.Available))
			payload = append(payload, u4[:]...)
		}
		binary.LittleEndian.PutUint32(payload[4:], flags)
		c.emitOK(fr, payload)
	default:
		c.emitErr(fr, "unknown op")
	}
}

func modelString() string { return runtime.GOOS + "/" + runtime.GOARCH }

func memPressureMilli(total, avail uint64) uint32 {
	if total == 0 {
		return 0
	}
	if avail > total {
		avail = total
	}
	milli := (total - avail) * 1000 / total
	if milli > 1000 {
		milli = 1000
	}
	return uint32(milli)
}

func (c *infoHandle) Read(dst []byte) (int, error) {
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

func (c *infoHandle) Write(src []byte) (int, error) {
	if c.closed {
		return 0, core.EClosed
	}
	if len(c.in)+len(src) > bufSize {
		return 0, core.EBounds
	}
	c.in = append(c.in, src...)

	off := 0
	for len(c.in)-off >= zcl1.HdrSize {
		frameLen := zcl1.HdrSize + int(zcl1.PayloadLen(c.in[off:]))
		if len(c.in)-off < frameLen {
			break
		}
		fr, ok := zcl1.Parse(c.in[off : off+frameLen])
		if !ok {
			off++
			continue
		}
		// v1 operations take no payload.
		if len(fr.Payload) != 0 {
			c.out = zcl1.AppendError(c.out, fr.Op, fr.RID, trace, "payload must be empty")
		} else {
			c.dispatch(&fr)
		}
		off += frameLen
	}
	if off > 0 {
		c.in = append(c.in[:0], c.in[off:]...)
	}
	return len(src), nil
}

func (c *infoHandle) End() error {
	c.closed = true
	c.in, c.out = nil, nil
	return nil
}

func open(rt *core.Runtime, params []byte) int32 {
	if len(params) != 0 {
		return int32(core.EInvalid)
	}
	return rt.Alloc(&infoHandle{}, core.HReadable|core.HWritable|core.HEndable)
}

// Register installs sys/info@v1 into rt's capability registry.
func Register(rt *core.Runtime) error {
	return rt.Register(&core.Cap{
		Kind:    "sys",
		Name:    "info",
		Version: 1,
		Flags:   core.CapCanOpen | core.CapMayBlock,
		Open:    open,
	})
}
