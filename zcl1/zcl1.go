// Package zcl1 implements the ZCL1 framing codec: a fixed 24-byte header
// followed by a length-prefixed, capability-defined payload.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package zcl1

import "encoding/binary"

// Wire layout (all little-endian):
//
//	0  "ZCL1"
//	4  u16 version (=1)
//	6  u16 op
//	8  u32 rid
//	12 u32 status (1=ok, 0=error)
//	16 u32 reserved
//	20 u32 payload_len
//	24 payload
const (
	HdrSize = 24
	Version = 1

	StatusErr = 0
	StatusOK  = 1
)

var magic = [4]byte{'Z', 'C', 'L', '1'}

type Frame struct {
	Payload []byte // view into the parsed buffer, not a copy
	Op      uint16
	RID     uint32
	Status  uint32
}

// Parse validates the magic, version, and payload length. The returned
// frame's payload aliases b.
func Parse(b []byte) (fr Frame, ok bool) {
	if len(b) < HdrSize {
		return
	}
	if b[0] != magic[0] || b[1] != magic[1] || b[2] != magic[2] || b[3] != magic[3] {
		return
	}
	if binary.LittleEndian.Uint16(b[4:]) != Version {
		return
	}
	plen := binary.LittleEndian.Uint32(b[20:])
	if uint64(HdrSize)+uint64(plen) > uint64(len(b)) {
		return
	}
	fr.Op = binary.LittleEndian.Uint16(b[6:])
	fr.RID = binary.LittleEndian.Uint32(b[8:])
	fr.Status = binary.LittleEndian.Uint32(b[12:])
	fr.Payload = b[HdrSize : HdrSize+int(plen)]
	ok = true
	return
}

// PayloadLen peeks the declared payload length of a buffered header.
func PayloadLen(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b[20:])
}

// HasMagic reports whether b starts with the frame magic.
func HasMagic(b []byte) bool {
	return len(b) >= 4 && b[0] == magic[0] && b[1] == magic[1] && b[2] == magic[2] && b[3] == magic[3]
}

func putHdr(b []byte, op uint16, rid, status, plen uint32) {
	copy(b, magic[:])
	binary.LittleEndian.PutUint16(b[4:], Version)
	binary.LittleEndian.PutUint16(b[6:], op)
	binary.LittleEndian.PutUint32(b[8:], rid)
	binary.LittleEndian.PutUint32(b[12:], status)
	binary.LittleEndian.PutUint32(b[16:], 0)
	binary.LittleEndian.PutUint32(b[20:], plen)
}

// WriteOK writes a status-ok frame into buf. Returns the frame length, or
// -1 when buf is too small. Never allocates.
func WriteOK(buf []byte, op uint16, rid uint32, payload []byte) int {
	n := HdrSize + len(payload)
	if len(buf) < n {
		return -1
	}
	putHdr(buf, op, rid, StatusOK, uint32(len(payload)))
	copy(buf[HdrSize:], payload)
	return n
}

// WriteError writes a status-error frame with the structured
// (trace, msg, context) payload. Returns the frame length or -1.
func WriteError(buf []byte, op uint16, rid uint32, trace, msg string) int {
	plen := 4 + len(trace) + 4 + len(msg) + 4
	n := HdrSize + plen
	if len(buf) < n {
		return -1
	}
	putHdr(buf, op, rid, StatusErr, uint32(plen))
	off := HdrSize
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(trace)))
	off += 4
	copy(buf[off:], trace)
	off += len(trace)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(msg)))
	off += 4
	copy(buf[off:], msg)
	off += len(msg)
	binary.LittleEndian.PutUint32(buf[off:], 0) // context_len
	return n
}

// AppendOK appends a status-ok frame to dst.
func AppendOK(dst []byte, op uint16, rid uint32, payload []byte) []byte {
	var hdr [HdrSize]byte
	putHdr(hdr[:], op, rid, StatusOK, uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// AppendError appends a status-error frame to dst.
func AppendError(dst []byte, op uint16, rid uint32, trace, msg string) []byte {
	plen := 4 + len(trace) + 4 + len(msg) + 4
	var hdr [HdrSize]byte
	putHdr(hdr[:], op, rid, StatusErr, uint32(plen))
	dst = append(dst, hdr[:]...)
	var n4 [4]byte
	binary.LittleEndian.PutUint32(n4[:], uint32(len(trace)))
	dst = append(dst, n4[:]...)
	dst = append(dst, trace...)
	binary.LittleEndian.PutUint32(n4[:], uint32(len(msg)))
	dst = append(dst, n4[:]...)
	dst = append(dst, msg...)
	binary.LittleEndian.PutUint32(n4[:], 0)
	return append(dst, n4[:]...)
}

// ErrorInfo decodes the payload of a status-error frame.
func (fr *Frame) ErrorInfo() (trace, msg string, ok bool) {
	p := fr.Payload
	if len(p) < 4 {
		return
	}
	tlen := binary.LittleEndian.Uint32(p)
	if uint64(4+tlen+4) > uint64(len(p)) {
		return
	}
	trace = string(p[4 : 4+tlen])
	off := 4 + tlen
	mlen := binary.LittleEndian.Uint32(p[off:])
	if uint64(off)+4+uint64(mlen) > uint64(len(p)) {
		return
	}
	msg = string(p[off+4 : off+4+mlen])
	ok = true
	return
}
