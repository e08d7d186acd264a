// Package nettcp implements the net/tcp capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nettcp_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/nettcp"
	"github.com/frogfishio/zingcore/sysloop"
	"github.com/frogfishio/zingcore/tools"
)

const (
	hostOff    = 0
	outPortOff = 64
	paramsOff  = 128
)

func newRT(t *testing.T) (*core.Runtime, []byte) {
	t.Helper()
	rt := core.New()
	arena := make([]byte, 4096)
	rt.SetMem(core.NewNativeMem(arena))
	if err := nettcp.Register(rt); err != nil {
		t.Fatal(err)
	}
	if err := sysloop.Register(rt); err != nil {
		t.Fatal(err)
	}
	return rt, arena
}

func openTCP(t *testing.T, rt *core.Runtime, arena []byte, host string, port, flags uint32, wantOutPort bool) int32 {
	t.Helper()
	copy(arena[hostOff:], host)
	p := arena[paramsOff : paramsOff+32]
	binary.LittleEndian.PutUint64(p[0:], hostOff)
	binary.LittleEndian.PutUint32(p[8:], uint32(len(host)))
	binary.LittleEndian.PutUint32(p[12:], port)
	binary.LittleEndian.PutUint32(p[16:], flags)
	binary.LittleEndian.PutUint32(p[20:], 0) // default backlog
	if wantOutPort {
		binary.LittleEndian.PutUint64(p[24:], outPortOff)
		return rt.Open("net", "tcp", 1, p)
	}
	return rt.Open("net", "tcp", 1, p[:20])
}

// waitReady registers a one-shot watch and polls until the handle reports
// the wanted readiness.
func waitReady(t *testing.T, loop *tools.Chan, h int32, events uint32) {
	t.Helper()
	wp := make([]byte, 20)
	binary.LittleEndian.PutUint32(wp, uint32(h))
	binary.LittleEndian.PutUint32(wp[4:], events)
	binary.LittleEndian.PutUint64(wp[8:], uint64(h)<<8|uint64(events))
	fr, err := loop.Call(sysloop.OpWatch, 1000, wp, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := tools.ExpectOK(fr); err != nil {
		t.Fatal(err)
	}
	pp := make([]byte, 8)
	binary.LittleEndian.PutUint32(pp, 8)
	binary.LittleEndian.PutUint32(pp[4:], 5000)
	fr, err = loop.Call(sysloop.OpPoll, 1001, pp, 6*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := tools.ExpectOK(fr); err != nil {
		t.Fatal(err)
	}
	up := make([]byte, 8)
	binary.LittleEndian.PutUint64(up, uint64(h)<<8|uint64(events))
	loop.Call(sysloop.OpUnwatch, 1002, up, time.Second)
}

func TestEchoLoopback(t *testing.T) {
	rt, arena := newRT(t)

	lh := openTCP(t, rt, arena, "127.0.0.1", 0, nettcp.OpenListen, true)
	if lh < core.HandleMin {
		t.Fatalf("listener open: %d", lh)
	}
	port := binary.LittleEndian.Uint32(arena[outPortOff:])
	if port == 0 {
		t.Fatal("ephemeral port not reported")
	}

	loopH := rt.Open("sys", "loop", 1, nil)
	if loopH < core.HandleMin {
		t.Fatalf("loop open: %d", loopH)
	}
	loop := tools.NewChan(rt, loopH)

	ch := openTCP(t, rt, arena, "127.0.0.1", port, 0, false)
	if ch < core.HandleMin {
		t.Fatalf("client open: %d", ch)
	}

	// Accept.
	waitReady(t, loop, lh, sysloop.Readable)
	rec := make([]byte, nettcp.AcceptRecSize)
	n := rt.Read(lh, rec)
	if n != nettcp.AcceptRecSize {
		t.Fatalf("accept read: %d", n)
	}
	conn := int32(binary.LittleEndian.Uint32(rec))
	if conn < core.HandleMin {
		t.Fatalf("conn handle: %d", conn)
	}
	peerPort := binary.LittleEndian.Uint32(rec[4:])
	if peerPort == 0 {
		t.Fatal("no peer port in accept record")
	}

	// Client writes "ping" (connect may still be in flight).
	waitReady(t, loop, ch, sysloop.Writable)
	if n := rt.Write(ch, []byte("ping")); n != 4 {
		t.Fatalf("client write: %d", n)
	}

	waitReady(t, loop, conn, sysloop.Readable)
	buf := make([]byte, 16)
	if n := rt.Read(conn, buf); n != 4 || string(buf[:4]) != "ping" {
		t.Fatalf("server read: %d %q", n, buf)
	}

	if n := rt.Write(conn, []byte("pong")); n != 4 {
		t.Fatalf("server write: %d", n)
	}
	waitReady(t, loop, ch, sysloop.Readable)
	if n := rt.Read(ch, buf); n != 4 || string(buf[:4]) != "pong" {
		t.Fatalf("client read: %d %q", n, buf)
	}

	// Half-close: client shuts down writes, reads stay intact.
	if rc := rt.HandleCtl(ch, core.CtlShutWR, nil); rc != 0 {
		t.Fatalf("SHUT_WR: %d", rc)
	}
	if n := rt.Write(ch, []byte("x")); n != int32(core.EClosed) {
		t.Fatalf("write after SHUT_WR: %d", n)
	}
	waitReady(t, loop, conn, sysloop.Readable)
	if n := rt.Read(conn, buf); n != 0 {
		t.Fatalf("server did not observe EOF: %d", n)
	}
	if n := rt.Write(conn, []byte("late")); n != 4 {
		t.Fatalf("server write after client half-close: %d", n)
	}
	waitReady(t, loop, ch, sysloop.Readable)
	if n := rt.Read(ch, buf); n != 4 || string(buf[:4]) != "late" {
		t.Fatalf("client read after half-close: %d %q", n, buf)
	}

	rt.End(ch)
	rt.End(conn)
	rt.End(lh)
}

func TestOpenRejectsBadParams(t *testing.T) {
	t.Setenv("ZI_NET_ALLOW", "")
	rt, arena := newRT(t)

	// Unknown flag bit.
	if h := openTCP(t, rt, arena, "127.0.0.1", 80, 1<<30, false); h != int32(core.EInvalid) {
		t.Fatalf("unknown flags: %d", h)
	}
	// Connect with port 0.
	if h := openTCP(t, rt, arena, "127.0.0.1", 0, 0, false); h != int32(core.EInvalid) {
		t.Fatalf("connect port 0: %d", h)
	}
	// Non-loopback target denied by the default policy.
	if h := openTCP(t, rt, arena, "203.0.113.7", 80, 0, false); h != int32(core.EDenied) {
		t.Fatalf("policy: %d", h)
	}
	// Truncated params.
	if h := rt.Open("net", "tcp", 1, make([]byte, 8)); h != int32(core.EInvalid) {
		t.Fatalf("short params: %d", h)
	}
}
