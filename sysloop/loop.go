// Package sysloop implements the sys/loop capability: the scheduler that
// watches handles for readiness and drives monotonic timers, multiplexed
// over a single ZCL1 control channel.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package sysloop

import (
	"encoding/binary"
	"math"

	"github.com/frogfishio/zingcore/cmn/mono"
	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/zcl1"
	"golang.org/x/sys/unix"
)

// Control ops.
const (
	OpWatch       = 1
	OpUnwatch     = 2
	OpTimerArm    = 3
	OpTimerCancel = 4
	OpPoll        = 5
)

// Event kinds and readiness bits.
const (
	EvReady = 1
	EvTimer = 2

	Readable = 0x1
	Writable = 0x2
	Hup      = 0x4
	Error    = 0x8
)

// Static per-loop caps.
const (
	MaxWatches = 1024
	MaxTimers  = 1024

	bufSize     = 64 * 1024
	evSize      = 32
	armRelative = 0x1 // TIMER_ARM flag: due is relative to now
)

const trace = "sys.loop"

type (
	watch struct {
		id     uint64
		handle int32
		events uint32
		used   bool
	}
	timer struct {
		id       uint64
		dueNs    uint64
		interval uint64
		used     bool
	}

	loopHandle struct {
		rt *core.Runtime

		in  []byte
		out []byte
		off int

		watches [MaxWatches]watch
		timers  [MaxTimers]timer

		closed bool
	}
)

////////////////
// loopHandle //
////////////////

func (lh *loopHandle) Read(dst []byte) (int, error) {
	if lh.closed {
		return 0, nil
	}
	if lh.off >= len(lh.out) {
		return 0, core.EAgain
	}
	n := copy(dst, lh.out[lh.off:])
	lh.off += n
	if lh.off == len(lh.out) {
		lh.out = lh.out[:0]
		lh.off = 0
	}
	return n, nil
}

func (lh *loopHandle) Write(src []byte) (int, error) {
	if lh.closed {
		return 0, core.EClosed
	}
	if len(lh.in)+len(src) > bufSize {
		return 0, core.EBounds
	}
	lh.in = append(lh.in, src...)

	// Process as many full frames as present.
	off := 0
	for len(lh.in)-off >= zcl1.HdrSize {
		plen := zcl1.PayloadLen(lh.in[off:])
		frameLen := zcl1.HdrSize + int(plen)
		if len(lh.in)-off < frameLen {
			break
		}
		fr, ok := zcl1.Parse(lh.in[off : off+frameLen])
		if !ok {
			off++
			continue
		}
		lh.dispatch(&fr)
		off += frameLen
	}
	if off > 0 {
		lh.in = append(lh.in[:0], lh.in[off:]...)
	}
	return len(src), nil
}

func (lh *loopHandle) End() error {
	lh.closed = true
	lh.in, lh.out = nil, nil
	return nil
}

func (lh *loopHandle) emitOK(fr *zcl1.Frame, payload []byte) {
	lh.out = zcl1.AppendOK(lh.out, fr.Op, fr.RID, payload)
}

func (lh *loopHandle) emitErr(fr *zcl1.Frame, msg string) {
	lh.out = zcl1.AppendError(lh.out, fr.Op, fr.RID, trace, msg)
}

func (lh *loopHandle) dispatch(fr *zcl1.Frame) {
	switch fr.Op {
	case OpWatch:
		if len(fr.Payload) != 20 {
			lh.emitErr(fr, "bad WATCH payload")
			return
		}
		handle := int32(binary.LittleEndian.Uint32(fr.Payload))
		events := binary.LittleEndian.Uint32(fr.Payload[4:])
		watchID := binary.LittleEndian.Uint64(fr.Payload[8:])
		flags := binary.LittleEndian.Uint32(fr.Payload[16:])
		if flags != 0 {
			lh.emitErr(fr, "flags must be 0")
			return
		}
		if !lh.watchAdd(watchID, handle, events) {
			lh.emitErr(fr, "watch failed")
			return
		}
		lh.emitOK(fr, nil)
	case OpUnwatch:
		if len(fr.Payload) != 8 {
			lh.emitErr(fr, "bad UNWATCH payload")
			return
		}
		if !lh.watchDel(binary.LittleEndian.Uint64(fr.Payload)) {
			lh.emitErr(fr, "unknown watch_id")
			return
		}
		lh.emitOK(fr, nil)
	case OpTimerArm:
		if len(fr.Payload) != 28 {
			lh.emitErr(fr, "bad TIMER_ARM payload")
			return
		}
		timerID := binary.LittleEndian.Uint64(fr.Payload)
		due := binary.LittleEndian.Uint64(fr.Payload[8:])
		interval := binary.LittleEndian.Uint64(fr.Payload[16:])
		flags := binary.LittleEndian.Uint32(fr.Payload[24:])
		if !lh.timerArm(timerID, due, interval, flags) {
			lh.emitErr(fr, "timer arm failed")
			return
		}
		lh.emitOK(fr, nil)
	case OpTimerCancel:
		if len(fr.Payload) != 8 {
			lh.emitErr(fr, "bad TIMER_CANCEL payload")
			return
		}
		if !lh.timerCancel(binary.LittleEndian.Uint64(fr.Payload)) {
			lh.emitErr(fr, "unknown timer_id")
			return
		}
		lh.emitOK(fr, nil)
	case OpPoll:
		lh.poll(fr)
	default:
		lh.emitErr(fr, "unknown op")
	}
}

/////////////
// watches //
/////////////

func (lh *loopHandle) watchFind(id uint64) int {
	if id == 0 {
		return -1
	}
	for i := range lh.watches {
		if lh.watches[i].used && lh.watches[i].id == id {
			return i
		}
	}
	return -1
}

func (lh *loopHandle) watchAdd(id uint64, handle int32, events uint32) bool {
	if id == 0 || handle < core.HandleMin || events == 0 {
		return false
	}
	if lh.watchFind(id) >= 0 {
		return false
	}
	// The handle must be pollable at registration time.
	if _, ok := lh.rt.PollFD(handle); !ok {
		return false
	}
	for i := range lh.watches {
		if !lh.watches[i].used {
			lh.watches[i] = watch{id: id, handle: handle, events: events, used: true}
			return true
		}
	}
	return false
}

func (lh *loopHandle) watchDel(id uint64) bool {
	i := lh.watchFind(id)
	if i < 0 {
		return false
	}
	lh.watches[i] = watch{}
	return true
}

////////////
// timers //
////////////

func (lh *loopHandle) timerFind(id uint64) int {
	if id == 0 {
		return -1
	}
	for i := range lh.timers {
		if lh.timers[i].used && lh.timers[i].id == id {
			return i
		}
	}
	return -1
}

func (lh *loopHandle) timerArm(id, due, interval uint64, flags uint32) bool {
	if id == 0 || flags&^uint32(armRelative) != 0 {
		return false
	}
	if flags&armRelative != 0 {
		due = uint64(mono.NanoTime()) + due
	}
	if i := lh.timerFind(id); i >= 0 {
		lh.timers[i].dueNs = due
		lh.timers[i].interval = interval
		return true
	}
	for i := range lh.timers {
		if !lh.timers[i].used {
			lh.timers[i] = timer{id: id, dueNs: due, interval: interval, used: true}
			return true
		}
	}
	return false
}

func (lh *loopHandle) timerCancel(id uint64) bool {
	i := lh.timerFind(id)
	if i < 0 {
		return false
	}
	lh.timers[i] = timer{}
	return true
}

func (lh *loopHandle) nextTimerDue() uint64 {
	var best uint64
	for i := range lh.timers {
		if !lh.timers[i].used || lh.timers[i].dueNs == 0 {
			continue
		}
		if best == 0 || lh.timers[i].dueNs < best {
			best = lh.timers[i].dueNs
		}
	}
	return best
}

//////////
// poll //
//////////

func nsToMsCeil(ns uint64) int {
	if ns == 0 {
		return 0
	}
	ms := (ns + 999999) / 1000000
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

func mapRevents(revents int16, wanted uint32) (ev uint32) {
	if revents&unix.POLLIN != 0 {
		ev |= Readable
	}
	if revents&unix.POLLOUT != 0 {
		ev |= Writable
	}
	if revents&unix.POLLHUP != 0 {
		ev |= Hup
	}
	if revents&unix.POLLERR != 0 {
		ev |= Error
	}
	return ev & wanted
}

func (lh *loopHandle) poll(fr *zcl1.Frame) {
	if len(fr.Payload) != 8 {
		lh.emitErr(fr, "bad POLL payload")
		return
	}
	maxEvents := binary.LittleEndian.Uint32(fr.Payload)
	timeoutMs := binary.LittleEndian.Uint32(fr.Payload[4:])
	if maxEvents == 0 {
		lh.emitErr(fr, "max_events must be >= 1")
		return
	}

	// Effective timeout: min(requested, next timer due), clamped.
	now := uint64(mono.NanoTime())
	timeout := 0
	switch {
	case timeoutMs == 0:
		timeout = 0
	case timeoutMs == math.MaxUint32:
		timeout = -1
	case timeoutMs > math.MaxInt32:
		timeout = math.MaxInt32
	default:
		timeout = int(timeoutMs)
	}
	if due := lh.nextTimerDue(); due != 0 {
		if due <= now {
			timeout = 0
		} else {
			delta := nsToMsCeil(due - now)
			if timeout < 0 || delta < timeout {
				timeout = delta
			}
		}
	}

	// Build the pollfd vector. For computed-readiness watches, the fd is a
	// wakeup notifier: request POLLIN regardless of the watch mask.
	type pollee struct {
		w     *watch
		ready core.ReadyPoller
	}
	var (
		pfds     []unix.PollFd
		pollees  []pollee
		forceNow bool
	)
	for i := range lh.watches {
		w := &lh.watches[i]
		if !w.used {
			continue
		}
		fd, ok := lh.rt.PollFD(w.handle)
		if !ok {
			continue
		}
		rp, _ := lh.rt.ReadyPoller(w.handle)
		var events int16
		if rp != nil {
			events = unix.POLLIN
			if rp.ReadyMask()&w.events != 0 {
				forceNow = true
			}
		} else {
			if w.events&Readable != 0 {
				events |= unix.POLLIN
			}
			if w.events&Writable != 0 {
				events |= unix.POLLOUT
			}
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
		pollees = append(pollees, pollee{w: w, ready: rp})
	}
	if forceNow {
		// Level-triggered readiness must not be missed by suspending.
		timeout = 0
	}

	n, err := unix.Poll(pfds, timeout)
	if err != nil && err != unix.EINTR {
		lh.emitErr(fr, "poll failed")
		return
	}
	_ = n // EINTR counts as a spurious wake with zero events

	// Response payload: u32 version, u32 flags, u32 count, u32 reserved,
	// then 32-byte events: READY first, then due TIMERs.
	payload := make([]byte, 16, 16+64*evSize)
	binary.LittleEndian.PutUint32(payload[0:], 1)

	emitted := uint32(0)
	morePending := false

	appendEvent := func(kind, events uint32, handle int32, id, ts uint64) {
		var e [evSize]byte
		binary.LittleEndian.PutUint32(e[0:], kind)
		binary.LittleEndian.PutUint32(e[4:], events)
		binary.LittleEndian.PutUint32(e[8:], uint32(handle))
		binary.LittleEndian.PutUint64(e[16:], id)
		binary.LittleEndian.PutUint64(e[24:], ts)
		payload = append(payload, e[:]...)
		emitted++
	}

	for i := range pollees {
		p := &pollees[i]
		var ev uint32
		if p.ready != nil {
			// Drain the wakeup first so readiness is not double-reported.
			if pfds[i].Revents&unix.POLLIN != 0 {
				p.ready.DrainWakeup()
			}
			ev = p.ready.ReadyMask() & p.w.events
			ev |= mapRevents(pfds[i].Revents, Hup|Error)
		} else {
			ev = mapRevents(pfds[i].Revents, p.w.events)
		}
		if ev == 0 {
			continue
		}
		if emitted >= maxEvents {
			morePending = true
			break
		}
		appendEvent(EvReady, ev, p.w.handle, p.w.id, 0)
	}

	now2 := uint64(mono.NanoTime())
	for i := range lh.timers {
		t := &lh.timers[i]
		if !t.used || t.dueNs == 0 || t.dueNs > now2 {
			continue
		}
		if emitted >= maxEvents {
			morePending = true
			break
		}
		appendEvent(EvTimer, 0, 0, t.id, now2)
		if t.interval != 0 {
			t.dueNs = now2 + t.interval
		} else {
			lh.timers[i] = timer{}
		}
	}

	var flags uint32
	if morePending {
		flags |= 0x1
	}
	binary.LittleEndian.PutUint32(payload[4:], flags)
	binary.LittleEndian.PutUint32(payload[8:], emitted)
	lh.emitOK(fr, payload)
}

//////////////
// open/reg //
//////////////

func open(rt *core.Runtime, params []byte) int32 {
	if len(params) != 0 {
		return int32(core.EInvalid)
	}
	lh := &loopHandle{rt: rt}
	return rt.Alloc(lh, core.HReadable|core.HWritable|core.HEndable)
}

// Register installs sys/loop@v1 into rt's capability registry.
func Register(rt *core.Runtime) error {
	return rt.Register(&core.Cap{
		Kind:    "sys",
		Name:    "loop",
		Version: 1,
		Flags:   core.CapCanOpen | core.CapMayBlock,
		Open:    open,
	})
}
