// Package procenv implements the proc/env capability: a read-only stream
// of the runtime's environment snapshot.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package procenv

import (
	"encoding/binary"

	"github.com/frogfishio/zingcore/core"
	jsoniter "github.com/json-iterator/go"
)

type envStream struct {
	blob []byte
	pos  int
}

func (s *envStream) Read(dst []byte) (int, error) {
	if s.pos >= len(s.blob) {
		return 0, nil
	}
	n := copy(dst, s.blob[s.pos:])
	s.pos += n
	return n, nil
}

func (*envStream) Write(_ []byte) (int, error) { return 0, core.EDenied }

func (s *envStream) End() error {
	s.blob = nil
	return nil
}

// Stream format: u32 version=1, u32 envc, repeat(envc){u32 len, bytes}.
func buildEnvStream(env []string) *envStream {
	total := 8
	for _, e := range env {
		total += 4 + len(e)
	}
	blob := make([]byte, 8, total)
	binary.LittleEndian.PutUint32(blob, 1)
	binary.LittleEndian.PutUint32(blob[4:], uint32(len(env)))
	var u4 [4]byte
	for _, e := range env {
		binary.LittleEndian.PutUint32(u4[:], uint32(len(e)))
		blob = append(blob, u4[:]...)
		blob = append(blob, e...)
	}
	return &envStream{blob: blob}
}

func open(rt *core.Runtime, params []byte) int32 {
	if len(params) != 0 {
		return int32(core.EInvalid)
	}
	return rt.Alloc(buildEnvStream(rt.Env()), core.HReadable|core.HEndable)
}

type capMeta struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Format string `json:"format"`
}

// Register installs proc/env@v1 into rt's capability registry.
func Register(rt *core.Runtime) error {
	meta, _ := jsoniter.Marshal(&capMeta{
		Kind:   "proc",
		Name:   "env",
		Format: "u32 version; u32 envc; repeat(envc){u32 len; bytes[len]}",
	})
	return rt.Register(&core.Cap{
		Kind:    "proc",
		Name:    "env",
		Version: 1,
		Flags:   core.CapCanOpen,
		Meta:    meta,
		Open:    open,
	})
}
