// Package fileaio implements the file/aio capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package fileaio_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/fileaio"
	"github.com/frogfishio/zingcore/zcl1"
	"golang.org/x/sys/unix"
)

const (
	pathOff  = 0
	dataOff  = 512
	parmsOff = 1024
)

type harness struct {
	t     *testing.T
	rt    *core.Runtime
	arena []byte
	h     int32
	buf   []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rt := core.New()
	arena := make([]byte, 8192)
	rt.SetMem(core.NewNativeMem(arena))
	if err := fileaio.Register(rt); err != nil {
		t.Fatal(err)
	}
	h := rt.Open("file", "aio", 1, nil)
	if h < core.HandleMin {
		t.Fatalf("open file/aio: %d", h)
	}
	return &harness{t: t, rt: rt, arena: arena, h: h}
}

func (hr *harness) submit(op uint16, rid uint32, payload []byte) {
	hr.t.Helper()
	frame := zcl1.AppendOK(nil, op, rid, payload)
	if n := hr.rt.Write(hr.h, frame); n != int32(len(frame)) {
		hr.t.Fatalf("submit op=%d: %d", op, n)
	}
}

// nextFrame waits for the next buffered frame (ack or EV_DONE).
func (hr *harness) nextFrame(timeout time.Duration) zcl1.Frame {
	hr.t.Helper()
	deadline := time.Now().Add(timeout)
	tmp := make([]byte, 64*1024)
	for {
		if len(hr.buf) >= zcl1.HdrSize {
			frameLen := zcl1.HdrSize + int(zcl1.PayloadLen(hr.buf))
			if len(hr.buf) >= frameLen {
				fr, ok := zcl1.Parse(hr.buf[:frameLen])
				if !ok {
					hr.t.Fatal("bad frame")
				}
				raw := append([]byte(nil), hr.buf[:frameLen]...)
				hr.buf = append(hr.buf[:0], hr.buf[frameLen:]...)
				fr, _ = zcl1.Parse(raw)
				return fr
			}
		}
		n := hr.rt.Read(hr.h, tmp)
		if n > 0 {
			hr.buf = append(hr.buf, tmp[:n]...)
			continue
		}
		if n != int32(core.EAgain) {
			hr.t.Fatalf("read: %d", n)
		}
		if time.Now().After(deadline) {
			hr.t.Fatal("frame timeout")
		}
		time.Sleep(time.Millisecond)
	}
}

func (hr *harness) expectAck(op uint16, rid uint32) {
	hr.t.Helper()
	fr := hr.nextFrame(2 * time.Second)
	if fr.Op != op || fr.RID != rid || fr.Status != zcl1.StatusOK {
		t, m, _ := fr.ErrorInfo()
		hr.t.Fatalf("ack mismatch op=%d rid=%d status=%d (%s %s)", fr.Op, fr.RID, fr.Status, t, m)
	}
}

func (hr *harness) expectDone(origOp uint16, rid uint32) zcl1.Frame {
	hr.t.Helper()
	fr := hr.nextFrame(2 * time.Second)
	if fr.Op != fileaio.EvDone || fr.RID != rid {
		hr.t.Fatalf("done mismatch op=%d rid=%d", fr.Op, fr.RID)
	}
	if got := binary.LittleEndian.Uint16(fr.Payload); got != origOp {
		hr.t.Fatalf("orig_op %d, want %d", got, origOp)
	}
	if res := int32(binary.LittleEndian.Uint32(fr.Payload[4:])); res != 0 {
		hr.t.Fatalf("result %d", res)
	}
	return fr
}

func (hr *harness) putPath(path string) (ptr uint64, ln uint32) {
	copy(hr.arena[pathOff:], path)
	return pathOff, uint32(len(path))
}

func pathPayload(ptr uint64, ln uint32, extra ...uint32) []byte {
	p := make([]byte, 12+4*len(extra))
	binary.LittleEndian.PutUint64(p, ptr)
	binary.LittleEndian.PutUint32(p[8:], ln)
	for i, v := range extra {
		binary.LittleEndian.PutUint32(p[12+4*i:], v)
	}
	return p
}

func TestOpenWriteReadStatReaddir(t *testing.T) {
	hr := newHarness(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "hello.txt")
	msg := "hello aio\n"

	// OPEN
	ptr, ln := hr.putPath(file)
	hr.submit(fileaio.OpOpen, 1, pathPayload(ptr, ln, fileaio.ORead|fileaio.OWrite|fileaio.OCreate|fileaio.OTrunc, 0o644))
	hr.expectAck(fileaio.OpOpen, 1)
	done := hr.expectDone(fileaio.OpOpen, 1)
	fileID := binary.LittleEndian.Uint64(done.Payload[8:])
	if fileID == 0 {
		t.Fatal("file_id 0")
	}

	// WRITE
	copy(hr.arena[dataOff:], msg)
	wp := make([]byte, 32)
	binary.LittleEndian.PutUint64(wp, fileID)
	binary.LittleEndian.PutUint64(wp[8:], 0)
	binary.LittleEndian.PutUint64(wp[16:], dataOff)
	binary.LittleEndian.PutUint32(wp[24:], uint32(len(msg)))
	hr.submit(fileaio.OpWrite, 2, wp)
	hr.expectAck(fileaio.OpWrite, 2)
	done = hr.expectDone(fileaio.OpWrite, 2)
	if n := binary.LittleEndian.Uint32(done.Payload[8:]); n != uint32(len(msg)) {
		t.Fatalf("write n=%d", n)
	}

	// READ
	rp := make([]byte, 24)
	binary.LittleEndian.PutUint64(rp, fileID)
	binary.LittleEndian.PutUint32(rp[16:], 64)
	hr.submit(fileaio.OpRead, 3, rp)
	hr.expectAck(fileaio.OpRead, 3)
	done = hr.expectDone(fileaio.OpRead, 3)
	n := binary.LittleEndian.Uint32(done.Payload[8:])
	if string(done.Payload[12:12+n]) != msg {
		t.Fatalf("read back %q", done.Payload[12:12+n])
	}

	// CLOSE
	cp := make([]byte, 8)
	binary.LittleEndian.PutUint64(cp, fileID)
	hr.submit(fileaio.OpClose, 4, cp)
	hr.expectAck(fileaio.OpClose, 4)
	hr.expectDone(fileaio.OpClose, 4)

	// STAT
	ptr, ln = hr.putPath(file)
	hr.submit(fileaio.OpStat, 5, pathPayload(ptr, ln))
	hr.expectAck(fileaio.OpStat, 5)
	done = hr.expectDone(fileaio.OpStat, 5)
	if size := binary.LittleEndian.Uint64(done.Payload[8:]); size != uint64(len(msg)) {
		t.Fatalf("stat size %d", size)
	}

	// MKDIR + READDIR
	sub := filepath.Join(dir, "sub")
	ptr, ln = hr.putPath(sub)
	hr.submit(fileaio.OpMkdir, 6, pathPayload(ptr, ln, 0o755, 0)[:16])
	hr.expectAck(fileaio.OpMkdir, 6)
	hr.expectDone(fileaio.OpMkdir, 6)

	ptr, ln = hr.putPath(dir)
	hr.submit(fileaio.OpReaddir, 7, pathPayload(ptr, ln, 0))
	hr.expectAck(fileaio.OpReaddir, 7)
	done = hr.expectDone(fileaio.OpReaddir, 7)
	count := binary.LittleEndian.Uint32(done.Payload[8:])
	if count != 2 {
		t.Fatalf("readdir count %d", count)
	}
	names := map[string]uint32{}
	at := 12
	for i := uint32(0); i < count; i++ {
		nameLen := int(binary.LittleEndian.Uint32(done.Payload[at:]))
		at += 4
		name := string(done.Payload[at : at+nameLen])
		at += nameLen
		names[name] = binary.LittleEndian.Uint32(done.Payload[at:])
		at += 4
	}
	if names["hello.txt"] != fileaio.DTypeFile || names["sub"] != fileaio.DTypeDir {
		t.Fatalf("readdir entries: %v", names)
	}

	rt := hr.rt
	if rc := rt.End(hr.h); rc != 0 {
		t.Fatalf("end: %d", rc)
	}
}

// Queue-full backpressure: a blocking FIFO open pins the worker; once the
// queue is full further submissions answer with an error frame and the
// handle reports not-writable.
func TestQueueFullBackpressure(t *testing.T) {
	t.Setenv("ZI_FILE_AIO_QUEUE_CAP", "1")
	hr := newHarness(t)
	dir := t.TempDir()
	fifo := filepath.Join(dir, "fifo")
	if err := unix.Mkfifo(fifo, 0o600); err != nil {
		t.Skipf("mkfifo: %v", err)
	}

	// Worker blocks opening the FIFO for write (no reader yet).
	ptr, ln := hr.putPath(fifo)
	hr.submit(fileaio.OpOpen, 1, pathPayload(ptr, ln, fileaio.OWrite, 0))
	hr.expectAck(fileaio.OpOpen, 1)

	// Keep the one queue slot occupied.
	statPath := filepath.Join(dir, "fifo")
	copy(hr.arena[dataOff:], statPath)
	sp := pathPayload(dataOff, uint32(len(statPath)))

	deadline := time.Now().Add(5 * time.Second)
	sawQueueFull := false
	rid := uint32(2)
	for !sawQueueFull {
		if time.Now().After(deadline) {
			t.Fatal("queue never filled")
		}
		hr.submit(fileaio.OpStat, rid, sp)
		fr := hr.nextFrame(2 * time.Second)
		if fr.Status == zcl1.StatusErr {
			trace, msg, _ := fr.ErrorInfo()
			if trace != "file.aio" || msg != "queue full" {
				t.Fatalf("error frame: %s %s", trace, msg)
			}
			sawQueueFull = true
			break
		}
		rid++
	}

	// Readiness agrees: not writable while full.
	rp, ok := hr.rt.ReadyPoller(hr.h)
	if !ok {
		t.Fatal("no ready poller")
	}
	if rp.ReadyMask()&0x2 != 0 {
		t.Fatal("handle claims writable while queue is full")
	}

	// Open the read side: the worker unblocks and drains.
	rfh, err := os.OpenFile(fifo, os.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rfh.Close()

	waitWritable := time.Now().Add(5 * time.Second)
	for rp.ReadyMask()&0x2 == 0 {
		if time.Now().After(waitWritable) {
			t.Fatal("handle never became writable again")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hr.rt.End(hr.h)
}
