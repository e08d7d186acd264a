// Package core implements the zingcore runtime.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package core

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/frogfishio/zingcore/cmn/nlog"
)

// Capability descriptor flags.
const (
	CapCanOpen = 1 << iota
	CapMayBlock
)

// Cap is an immutable capability descriptor plus its open entry point.
// Lookup is by (Kind, Name); a registered version N answers any open
// request with version <= N.
type Cap struct {
	Kind    string
	Name    string
	Version uint32
	Flags   uint32
	Meta    []byte

	// Open consumes capability-defined params and returns a handle id
	// (>= HandleMin) or a negative Errno.
	Open func(rt *Runtime, params []byte) int32
}

type capRegistry struct {
	mu   sync.RWMutex
	caps []*Cap
}

// Register inserts a descriptor; duplicate (kind, name) fails.
func (rt *Runtime) Register(c *Cap) error {
	if c == nil || c.Kind == "" || c.Name == "" {
		return EInvalid
	}
	r := &rt.caps
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.caps {
		if have.Kind == c.Kind && have.Name == c.Name {
			return fmt.Errorf("capability %s/%s already registered: %w", c.Kind, c.Name, EInvalid)
		}
	}
	r.caps = append(r.caps, c)
	nlog.Infof("registered capability %s/%s v%d (flags=%#x)", c.Kind, c.Name, c.Version, c.Flags)
	return nil
}

func (rt *Runtime) CapCount() int {
	rt.caps.mu.RLock()
	defer rt.caps.mu.RUnlock()
	return len(rt.caps.caps)
}

func (rt *Runtime) CapList() []*Cap {
	rt.caps.mu.RLock()
	defer rt.caps.mu.RUnlock()
	return append([]*Cap(nil), rt.caps.caps...)
}

func (rt *Runtime) capLookup(kind, name string) *Cap {
	rt.caps.mu.RLock()
	defer rt.caps.mu.RUnlock()
	for _, c := range rt.caps.caps {
		if c.Kind == kind && c.Name == name {
			return c
		}
	}
	return nil
}

// Open resolves and opens a capability by name. Host-side entry point;
// the ABI variant is OpenPtr.
func (rt *Runtime) Open(kind, name string, version uint32, params []byte) int32 {
	c := rt.capLookup(kind, name)
	if c == nil {
		return int32(ENoent)
	}
	if c.Flags&CapCanOpen == 0 || c.Open == nil {
		return int32(EDenied)
	}
	if version > c.Version {
		return int32(EInvalid)
	}
	return c.Open(rt, params)
}

// Guest open request: u64 kind_ptr, u32 kind_len, u64 name_ptr,
// u32 name_len, u32 version, u64 params_ptr, u32 params_len.
const openReqSize = 40

// OpenPtr reads an open request struct from guest memory and dispatches.
func (rt *Runtime) OpenPtr(reqPtr uint64, reqLen uint32) int32 {
	if reqLen != openReqSize {
		return int32(EInvalid)
	}
	req, err := rt.mapRO(reqPtr, reqLen)
	if err != nil {
		return int32(Code(err))
	}
	kindPtr := binary.LittleEndian.Uint64(req[0:])
	kindLen := binary.LittleEndian.Uint32(req[8:])
	namePtr := binary.LittleEndian.Uint64(req[12:])
	nameLen := binary.LittleEndian.Uint32(req[20:])
	version := binary.LittleEndian.Uint32(req[24:])
	paramsPtr := binary.LittleEndian.Uint64(req[28:])
	paramsLen := binary.LittleEndian.Uint32(req[36:])

	if kindLen == 0 || kindLen > 64 || nameLen == 0 || nameLen > 64 {
		return int32(EInvalid)
	}
	kind, err := rt.mapRO(kindPtr, kindLen)
	if err != nil {
		return int32(Code(err))
	}
	name, err := rt.mapRO(namePtr, nameLen)
	if err != nil {
		return int32(Code(err))
	}
	var params []byte
	if paramsLen != 0 {
		if params, err = rt.mapRO(paramsPtr, paramsLen); err != nil {
			return int32(Code(err))
		}
	}
	return rt.Open(string(kind), string(name), version, params)
}
