// Package sysloop implements the sys/loop capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package sysloop_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/sysloop"
	"github.com/frogfishio/zingcore/tools"
	"github.com/frogfishio/zingcore/zcl1"
	"golang.org/x/sys/unix"
)

// pipeHandle is a minimal pollable stream over a pipe's read end.
type pipeHandle struct{ rfd, wfd int }

func newPipeHandle(t *testing.T) *pipeHandle {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatal(err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	return &pipeHandle{rfd: fds[0], wfd: fds[1]}
}

func (p *pipeHandle) Read(dst []byte) (int, error) {
	n, err := unix.Read(p.rfd, dst)
	if err != nil {
		return 0, err
	}
	return n, nil
}
func (p *pipeHandle) Write(src []byte) (int, error) { return unix.Write(p.wfd, src) }
func (p *pipeHandle) End() error {
	unix.Close(p.rfd)
	unix.Close(p.wfd)
	return nil
}
func (p *pipeHandle) PollFD() (int, bool) { return p.rfd, true }

func openLoop(t *testing.T, rt *core.Runtime) *tools.Chan {
	t.Helper()
	h := rt.Open("sys", "loop", 1, nil)
	if h < core.HandleMin {
		t.Fatalf("open sys/loop: %d", h)
	}
	return tools.NewChan(rt, h)
}

func newRT(t *testing.T) *core.Runtime {
	t.Helper()
	rt := core.New()
	if err := sysloop.Register(rt); err != nil {
		t.Fatal(err)
	}
	return rt
}

func watchPayload(handle int32, events uint32, watchID uint64) []byte {
	p := make([]byte, 20)
	binary.LittleEndian.PutUint32(p, uint32(handle))
	binary.LittleEndian.PutUint32(p[4:], events)
	binary.LittleEndian.PutUint64(p[8:], watchID)
	return p
}

func pollPayload(maxEvents, timeoutMs uint32) []byte {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint32(p, maxEvents)
	binary.LittleEndian.PutUint32(p[4:], timeoutMs)
	return p
}

func armPayload(timerID, due, interval uint64, flags uint32) []byte {
	p := make([]byte, 28)
	binary.LittleEndian.PutUint64(p, timerID)
	binary.LittleEndian.PutUint64(p[8:], due)
	binary.LittleEndian.PutUint64(p[16:], interval)
	binary.LittleEndian.PutUint32(p[24:], flags)
	return p
}

type event struct {
	kind, events uint32
	handle       int32
	id           uint64
}

func parsePoll(t *testing.T, fr zcl1.Frame) (flags uint32, evs []event) {
	t.Helper()
	if err := tools.ExpectOK(fr); err != nil {
		t.Fatal(err)
	}
	p := fr.Payload
	if len(p) < 16 || binary.LittleEndian.Uint32(p) != 1 {
		t.Fatalf("bad POLL response: %d bytes", len(p))
	}
	flags = binary.LittleEndian.Uint32(p[4:])
	count := binary.LittleEndian.Uint32(p[8:])
	p = p[16:]
	if len(p) != int(count)*32 {
		t.Fatalf("event bytes %d, count %d", len(p), count)
	}
	for i := uint32(0); i < count; i++ {
		e := p[i*32:]
		evs = append(evs, event{
			kind:   binary.LittleEndian.Uint32(e),
			events: binary.LittleEndian.Uint32(e[4:]),
			handle: int32(binary.LittleEndian.Uint32(e[8:])),
			id:     binary.LittleEndian.Uint64(e[16:]),
		})
	}
	return flags, evs
}

func TestWatchReadiness(t *testing.T) {
	rt := newRT(t)
	loop := openLoop(t, rt)

	ph := newPipeHandle(t)
	h := rt.Alloc(ph, core.HReadable|core.HWritable|core.HEndable)

	fr, err := loop.Call(sysloop.OpWatch, 1, watchPayload(h, sysloop.Readable, 77), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := tools.ExpectOK(fr); err != nil {
		t.Fatal(err)
	}

	// Not ready yet: zero-timeout poll returns no events.
	fr, err = loop.Call(sysloop.OpPoll, 2, pollPayload(16, 0), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, evs := parsePoll(t, fr); len(evs) != 0 {
		t.Fatalf("spurious events: %+v", evs)
	}

	if _, err := ph.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	fr, err = loop.Call(sysloop.OpPoll, 3, pollPayload(16, 1000), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_, evs := parsePoll(t, fr)
	if len(evs) != 1 {
		t.Fatalf("events: %+v", evs)
	}
	e := evs[0]
	if e.kind != sysloop.EvReady || e.handle != h || e.id != 77 || e.events&sysloop.Readable == 0 {
		t.Fatalf("bad event: %+v", e)
	}

	// Level-triggered: re-reported on the next poll.
	fr, err = loop.Call(sysloop.OpPoll, 4, pollPayload(16, 0), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, evs := parsePoll(t, fr); len(evs) != 1 {
		t.Fatalf("not level-triggered: %+v", evs)
	}

	rt.End(h)
}

func TestOneShotTimer(t *testing.T) {
	rt := newRT(t)
	loop := openLoop(t, rt)

	const dueMs = 60
	fr, err := loop.Call(sysloop.OpTimerArm, 1, armPayload(9, dueMs*1e6, 0, 0x1 /*relative*/), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := tools.ExpectOK(fr); err != nil {
		t.Fatal(err)
	}

	// Immediately: nothing.
	fr, _ = loop.Call(sysloop.OpPoll, 2, pollPayload(8, 0), time.Second)
	if _, evs := parsePoll(t, fr); len(evs) != 0 {
		t.Fatalf("fired early: %+v", evs)
	}

	// Halfway: still nothing.
	time.Sleep(dueMs / 2 * time.Millisecond)
	fr, _ = loop.Call(sysloop.OpPoll, 3, pollPayload(8, 0), time.Second)
	if _, evs := parsePoll(t, fr); len(evs) != 0 {
		t.Fatalf("fired early: %+v", evs)
	}

	// Blocking poll rides out the remainder and reports the timer.
	fr, err = loop.Call(sysloop.OpPoll, 4, pollPayload(8, 5000), 6*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_, evs := parsePoll(t, fr)
	if len(evs) != 1 || evs[0].kind != sysloop.EvTimer || evs[0].id != 9 {
		t.Fatalf("bad timer event: %+v", evs)
	}

	// One-shot: gone afterwards.
	fr, _ = loop.Call(sysloop.OpPoll, 5, pollPayload(8, 0), time.Second)
	if _, evs := parsePoll(t, fr); len(evs) != 0 {
		t.Fatalf("one-shot fired twice: %+v", evs)
	}
}

func TestRepeatingTimerAndCancel(t *testing.T) {
	rt := newRT(t)
	loop := openLoop(t, rt)

	fr, err := loop.Call(sysloop.OpTimerArm, 1, armPayload(5, 10*1e6, 10*1e6, 0x1), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := tools.ExpectOK(fr); err != nil {
		t.Fatal(err)
	}

	fires := 0
	for i := 0; i < 2; i++ {
		fr, err = loop.Call(sysloop.OpPoll, uint32(10+i), pollPayload(8, 2000), 3*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		_, evs := parsePoll(t, fr)
		for _, e := range evs {
			if e.kind == sysloop.EvTimer && e.id == 5 {
				fires++
			}
		}
	}
	if fires < 2 {
		t.Fatalf("repeating timer fired %d times", fires)
	}

	cancel := make([]byte, 8)
	binary.LittleEndian.PutUint64(cancel, 5)
	fr, err = loop.Call(sysloop.OpTimerCancel, 20, cancel, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := tools.ExpectOK(fr); err != nil {
		t.Fatal(err)
	}

	// Canceled timers never fire.
	time.Sleep(25 * time.Millisecond)
	fr, _ = loop.Call(sysloop.OpPoll, 21, pollPayload(8, 0), time.Second)
	if _, evs := parsePoll(t, fr); len(evs) != 0 {
		t.Fatalf("canceled timer fired: %+v", evs)
	}
}

func TestUnwatchUnknown(t *testing.T) {
	rt := newRT(t)
	loop := openLoop(t, rt)
	p := make([]byte, 8)
	binary.LittleEndian.PutUint64(p, 12345)
	fr, err := loop.Call(sysloop.OpUnwatch, 1, p, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Status != zcl1.StatusErr {
		t.Fatal("unwatch of unknown id succeeded")
	}
}

func TestWatchRejectsNonPollable(t *testing.T) {
	rt := newRT(t)
	loop := openLoop(t, rt)
	// The loop handle itself has no poll hook.
	fr, err := loop.Call(sysloop.OpWatch, 1, watchPayload(loop.H, sysloop.Readable, 1), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if fr.Status != zcl1.StatusErr {
		t.Fatal("watch on non-pollable handle accepted")
	}
}
