// Package hk provides mechanism for registering cleanup
// functions which are invoked at specified intervals.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package hk_test

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/frogfishio/zingcore/hk"
)

func TestMain(m *testing.M) {
	hk.Run()
	rc := m.Run()
	hk.Stop()
	os.Exit(rc)
}

func TestRepeatingAction(t *testing.T) {
	var calls atomic.Int64
	hk.Reg("test.repeat", func() time.Duration {
		calls.Add(1)
		return 10 * time.Millisecond
	}, 10*time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	if n := calls.Load(); n < 3 {
		t.Fatalf("expected repeated invocations, got %d", n)
	}

	hk.Unreg("test.repeat")
	time.Sleep(30 * time.Millisecond)
	before := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != before {
		t.Fatal("unregistered action still firing")
	}
}

func TestSelfUnregister(t *testing.T) {
	var calls atomic.Int64
	hk.Reg("test.once", func() time.Duration {
		calls.Add(1)
		return 0 // drop
	}, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("one-shot action ran %d times", n)
	}
}
