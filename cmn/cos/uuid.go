// Package cos provides common low-level types and utilities for all zingcore code
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package cos

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"github.com/teris-io/shortid"
)

const (
	// Alphabet for generating UUIDs, similar to shortid.DEFAULT_ABC
	uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

	LenShortID = 9 // UUID length, as per teris-io/shortid
)

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
}

//
// UUID
//

// GenUUID produces a short unique id that always begins with a letter and
// never ends in '-' or '_' (ties broken with a rotating counter).
func GenUUID() (uuid string) {
	if sid == nil {
		InitShortID(NowRandSeed())
	}
	var h, t string
	uuid = sid.MustGenerate()
	if !isAlpha(uuid[0]) {
		tie := int(rtie.Add(1))
		h = string(rune('A' + tie%26))
	}
	c := uuid[len(uuid)-1]
	if c == '-' || c == '_' {
		tie := int(rtie.Add(1))
		t = string(rune('a' + tie%26))
	}
	return h + uuid + t
}

func isAlpha(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func NowRandSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x9e3779b97f4a7c15
	}
	return binary.LittleEndian.Uint64(b[:])
}
