// Package sysinfo implements the sys/info capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package sysinfo_test

import (
	"encoding/binary"
	"testing"

	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/sysinfo"
	"github.com/frogfishio/zingcore/zcl1"
)

func call(t *testing.T, rt *core.Runtime, h int32, op uint16, rid uint32) zcl1.Frame {
	t.Helper()
	frame := zcl1.AppendOK(nil, op, rid, nil)
	if n := rt.Write(h, frame); n != int32(len(frame)) {
		t.Fatalf("write: %d", n)
	}
	buf := make([]byte, 16*1024)
	n := rt.Read(h, buf)
	if n <= 0 {
		t.Fatalf("read: %d", n)
	}
	fr, ok := zcl1.Parse(buf[:n])
	if !ok {
		t.Fatal("parse")
	}
	return fr
}

func newHandle(t *testing.T) (*core.Runtime, int32) {
	t.Helper()
	rt := core.New()
	if err := sysinfo.Register(rt); err != nil {
		t.Fatal(err)
	}
	h := rt.Open("sys", "info", 1, nil)
	if h < core.HandleMin {
		t.Fatalf("open: %d", h)
	}
	return rt, h
}

func TestInfo(t *testing.T) {
	rt, h := newHandle(t)
	fr := call(t, rt, h, sysinfo.OpInfo, 1)
	if fr.Status != zcl1.StatusOK {
		t.Fatal("status")
	}
	p := fr.Payload
	if binary.LittleEndian.Uint32(p) != 1 {
		t.Fatal("version")
	}
	flags := binary.LittleEndian.Uint32(p[4:])
	if flags&(sysinfo.InfoHasOS|sysinfo.InfoHasArch) != sysinfo.InfoHasOS|sysinfo.InfoHasArch {
		t.Fatalf("flags %#x", flags)
	}
	if cpus := binary.LittleEndian.Uint32(p[8:]); cpus == 0 {
		t.Fatal("cpu count 0")
	}
	if ps := binary.LittleEndian.Uint32(p[12:]); ps == 0 {
		t.Fatal("page size 0")
	}
}

func TestTimeNow(t *testing.T) {
	rt, h := newHandle(t)
	fr := call(t, rt, h, sysinfo.OpTimeNow, 2)
	if len(fr.Payload) != 20 {
		t.Fatalf("payload %d", len(fr.Payload))
	}
	real1 := binary.LittleEndian.Uint64(fr.Payload[4:])
	mono1 := binary.LittleEndian.Uint64(fr.Payload[12:])
	if real1 == 0 || mono1 == 0 {
		t.Fatal("zero clock")
	}
	fr = call(t, rt, h, sysinfo.OpTimeNow, 3)
	mono2 := binary.LittleEndian.Uint64(fr.Payload[12:])
	if mono2 < mono1 {
		t.Fatal("monotonic clock went backwards")
	}
}

func TestRandomSeed(t *testing.T) {
	rt, h := newHandle(t)
	fr := call(t, rt, h, sysinfo.OpRandomSeed, 4)
	p := fr.Payload
	if len(p) != 40 || binary.LittleEndian.Uint32(p[4:]) != 32 {
		t.Fatalf("payload %d", len(p))
	}
	seed1 := append([]byte(nil), p[8:]...)
	fr = call(t, rt, h, sysinfo.OpRandomSeed, 5)
	if string(seed1) == string(fr.Payload[8:]) {
		t.Fatal("entropy repeated")
	}
}

func TestStats(t *testing.T) {
	rt, h := newHandle(t)
	fr := call(t, rt, h, sysinfo.OpStats, 6)
	if fr.Status != zcl1.StatusOK || len(fr.Payload) < 16 {
		t.Fatalf("stats: status=%d len=%d", fr.Status, len(fr.Payload))
	}
}

func TestRejectsPayload(t *testing.T) {
	rt, h := newHandle(t)
	frame := zcl1.AppendOK(nil, sysinfo.OpInfo, 7, []byte{1})
	if n := rt.Write(h, frame); n != int32(len(frame)) {
		t.Fatalf("write: %d", n)
	}
	buf := make([]byte, 1024)
	n := rt.Read(h, buf)
	fr, _ := zcl1.Parse(buf[:n])
	if fr.Status != zcl1.StatusErr {
		t.Fatal("payload accepted")
	}
}
