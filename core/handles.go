// Package core implements the zingcore runtime.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package core

import (
	"sync"

	"github.com/frogfishio/zingcore/cmn/debug"
)

// Handle flag set.
const (
	HReadable = 1 << iota
	HWritable
	HEndable
)

// Reserved ids 0/1/2 are never handed out; allocation starts at HandleMin.
const HandleMin = 3

// Handle is the polymorphic byte stream every capability exposes.
// Read/Write return EAgain rather than blocking.
type Handle interface {
	Read(dst []byte) (int, error)
	Write(src []byte) (int, error)
	End() error
}

// Ctler is implemented by handles that accept control ops (e.g. SHUT_WR).
type Ctler interface {
	Ctl(op uint32, arg []byte) error
}

// Handle-level ctl ops.
const (
	CtlShutWR = 1
)

// FDPoller exposes a file descriptor the event loop can multiplex on.
type FDPoller interface {
	PollFD() (fd int, ok bool)
}

// ReadyPoller computes readiness in-process. Its PollFD (required) is a
// wakeup notifier; the loop drains it and then asks for the mask.
type ReadyPoller interface {
	ReadyMask() uint32
	DrainWakeup()
}

type hslot struct {
	h     Handle
	flags uint32
	used  bool
}

type handleTable struct {
	mu    sync.RWMutex
	slots []hslot
}

// Alloc installs h and returns its id (>= HandleMin).
func (rt *Runtime) Alloc(h Handle, flags uint32) int32 {
	debug.Assert(h != nil)
	t := &rt.handles
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots == nil {
		t.slots = make([]hslot, HandleMin, 64)
	}
	for i := HandleMin; i < len(t.slots); i++ {
		if !t.slots[i].used {
			t.slots[i] = hslot{h: h, flags: flags, used: true}
			return int32(i)
		}
	}
	t.slots = append(t.slots, hslot{h: h, flags: flags, used: true})
	return int32(len(t.slots) - 1)
}

// Lookup resolves an id; reserved and unused ids fail.
func (rt *Runtime) Lookup(id int32) (Handle, uint32, bool) {
	t := &rt.handles
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < HandleMin || int(id) >= len(t.slots) || !t.slots[id].used {
		return nil, 0, false
	}
	return t.slots[id].h, t.slots[id].flags, true
}

// Release frees the slot; the caller has already invoked End on the ops.
func (rt *Runtime) Release(id int32) bool {
	t := &rt.handles
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < HandleMin || int(id) >= len(t.slots) || !t.slots[id].used {
		return false
	}
	t.slots[id] = hslot{}
	return true
}

// HFlags exposes the flag set for policy checks.
func (rt *Runtime) HFlags(id int32) uint32 {
	_, flags, ok := rt.Lookup(id)
	if !ok {
		return 0
	}
	return flags
}

// PollFD resolves the pollable fd of a handle, if any.
func (rt *Runtime) PollFD(id int32) (int, bool) {
	h, _, ok := rt.Lookup(id)
	if !ok {
		return -1, false
	}
	p, ok := h.(FDPoller)
	if !ok {
		return -1, false
	}
	return p.PollFD()
}

// ReadyPoller resolves the computed-readiness hook of a handle, if any.
func (rt *Runtime) ReadyPoller(id int32) (ReadyPoller, bool) {
	h, _, ok := rt.Lookup(id)
	if !ok {
		return nil, false
	}
	rp, ok := h.(ReadyPoller)
	return rp, ok
}
