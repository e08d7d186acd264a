// Package core implements the zingcore runtime.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package core

import (
	"sync"

	"github.com/frogfishio/zingcore/cmn/cos"
	"github.com/frogfishio/zingcore/cmn/nlog"
)

const AbiVersion = 25

// Host carries optional embedder overrides for the syscall surface.
// A nil func falls through to the built-in behavior.
type Host struct {
	AbiVersion func() uint32
	Ctl        func(req, resp []byte) int32
	Read       func(h int32, dst []byte) int32
	Write      func(h int32, src []byte) int32
	End        func(h int32) int32
	Alloc      func(size uint32) uint64
	Free       func(ptr uint64) int32
	Telemetry  func(topic, msg []byte) int32
}

// Runtime is the explicit process state: runtime slots, handle table, and
// capability registry. Constructed once at startup and handed to capability
// factories; the slot setters are not thread-safe by design.
type Runtime struct {
	host *Host
	mem  Mem

	argv []string
	env  []string

	handles handleTable
	caps    capRegistry

	runID string
}

// New returns an empty runtime with a fresh run id.
func New() *Runtime {
	rt := &Runtime{runID: cos.GenUUID()}
	return rt
}

var (
	defaultRT   *Runtime
	defaultOnce sync.Once
)

// Default returns the process-default runtime, constructing it on first use.
func Default() *Runtime {
	defaultOnce.Do(func() {
		if defaultRT == nil {
			defaultRT = New()
		}
	})
	return defaultRT
}

// SetDefault installs rt as the process default. Must run before any
// capability opens; if the default was already constructed, it logs an
// error and keeps the existing default.
func SetDefault(rt *Runtime) {
	ok := false
	defaultOnce.Do(func() {
		defaultRT = rt
		ok = true
	})
	if !ok {
		nlog.Errorln("core: default runtime already set, ignoring")
	}
}

func (rt *Runtime) RunID() string { return rt.runID }

func (rt *Runtime) SetHost(h *Host) { rt.host = h }
func (rt *Runtime) Host() *Host     { return rt.host }

func (rt *Runtime) SetMem(m Mem) { rt.mem = m }
func (rt *Runtime) Mem() Mem     { return rt.mem }

func (rt *Runtime) SetArgs(argv []string) { rt.argv = append([]string(nil), argv...) }
func (rt *Runtime) Args() []string        { return rt.argv }

func (rt *Runtime) SetEnv(env []string) { rt.env = append([]string(nil), env...) }
func (rt *Runtime) Env() []string       { return rt.env }

// mapRO resolves a guest range for read; ENosys without a mapper.
func (rt *Runtime) mapRO(ptr uint64, ln uint32) ([]byte, error) {
	if rt.mem == nil {
		return nil, ENosys
	}
	return rt.mem.MapRO(ptr, ln)
}

func (rt *Runtime) mapRW(ptr uint64, ln uint32) ([]byte, error) {
	if rt.mem == nil {
		return nil, ENosys
	}
	return rt.mem.MapRW(ptr, ln)
}
