//go:build debug

// Package debug provides debug utilities
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/frogfishio/zingcore/cmn/nlog"
)

func ON() bool { return true }

func Infof(format string, a ...any) {
	nlog.InfoDepth(1, fmt.Sprintf("[DEBUG] "+format, a...))
}

func Func(f func()) { f() }

func Assert(cond bool, a ...any) {
	if !cond {
		msg := fmt.Sprintln(a...)
		nlog.Flush(true)
		panic("DEBUG PANIC: " + msg)
	}
}

func AssertFunc(f func() bool, a ...any) { Assert(f(), a...) }

func AssertNoErr(err error) {
	if err != nil {
		nlog.Flush(true)
		panic(err)
	}
}

func Assertf(cond bool, format string, a ...any) {
	if !cond {
		Assert(cond, fmt.Sprintf(format, a...))
	}
}

func AssertMutexLocked(m *sync.Mutex) {
	state := reflect.ValueOf(m).Elem().FieldByName("state")
	Assert(state.Int()&1 == 1, "Mutex not locked")
}

func AssertRWMutexLocked(m *sync.RWMutex) {
	state := reflect.ValueOf(m).Elem().FieldByName("w").FieldByName("state")
	Assert(state.Int()&1 == 1, "RWMutex not locked")
}

func init() {
	fmt.Fprintln(os.Stderr, "Warning: running with debug asserts enabled")
}
