// Package tools provides test harness helpers: a guest-side view of a
// capability control channel.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package tools

import (
	"fmt"
	"time"

	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/zcl1"
)

// Chan drives a ZCL1 control channel through the syscall surface the way a
// guest would: whole request frames in, response/event frames out.
type Chan struct {
	RT  *core.Runtime
	H   int32
	buf []byte
}

func NewChan(rt *core.Runtime, h int32) *Chan { return &Chan{RT: rt, H: h} }

// WriteFrame submits one request frame, retrying while the channel reports
// backpressure.
func (c *Chan) WriteFrame(op uint16, rid uint32, payload []byte) error {
	frame := zcl1.AppendOK(nil, op, rid, payload)
	deadline := time.Now().Add(5 * time.Second)
	for {
		n := c.RT.Write(c.H, frame)
		if n == int32(len(frame)) {
			return nil
		}
		if n == int32(core.EAgain) {
			if time.Now().After(deadline) {
				return fmt.Errorf("write: backpressure timeout")
			}
			time.Sleep(time.Millisecond)
			continue
		}
		return fmt.Errorf("write: %d", n)
	}
}

// TryWriteFrame submits one request frame without retrying.
func (c *Chan) TryWriteFrame(op uint16, rid uint32, payload []byte) int32 {
	frame := zcl1.AppendOK(nil, op, rid, payload)
	return c.RT.Write(c.H, frame)
}

// ReadFrame pops the next buffered frame, polling the handle until one
// arrives or the timeout passes.
func (c *Chan) ReadFrame(timeout time.Duration) (zcl1.Frame, error) {
	deadline := time.Now().Add(timeout)
	tmp := make([]byte, 64*1024)
	for {
		if fr, ok := c.popFrame(); ok {
			return fr, nil
		}
		n := c.RT.Read(c.H, tmp)
		switch {
		case n > 0:
			c.buf = append(c.buf, tmp[:n]...)
			continue
		case n == 0 || n == int32(core.EAgain):
			if time.Now().After(deadline) {
				return zcl1.Frame{}, fmt.Errorf("read: timeout (buffered %d bytes)", len(c.buf))
			}
			time.Sleep(time.Millisecond)
		default:
			return zcl1.Frame{}, fmt.Errorf("read: %d", n)
		}
	}
}

func (c *Chan) popFrame() (zcl1.Frame, bool) {
	if len(c.buf) < zcl1.HdrSize {
		return zcl1.Frame{}, false
	}
	frameLen := zcl1.HdrSize + int(zcl1.PayloadLen(c.buf))
	if len(c.buf) < frameLen {
		return zcl1.Frame{}, false
	}
	raw := append([]byte(nil), c.buf[:frameLen]...)
	c.buf = append(c.buf[:0], c.buf[frameLen:]...)
	fr, ok := zcl1.Parse(raw)
	if !ok {
		return zcl1.Frame{}, false
	}
	return fr, true
}

// Call submits a request and waits for the response with a matching rid,
// buffering (and discarding) interleaved event frames with other rids.
func (c *Chan) Call(op uint16, rid uint32, payload []byte, timeout time.Duration) (zcl1.Frame, error) {
	if err := c.WriteFrame(op, rid, payload); err != nil {
		return zcl1.Frame{}, err
	}
	deadline := time.Now().Add(timeout)
	for {
		fr, err := c.ReadFrame(time.Until(deadline))
		if err != nil {
			return zcl1.Frame{}, err
		}
		if fr.RID == rid && fr.Op == op {
			return fr, nil
		}
	}
}

// ExpectOK fails unless fr is a status-ok frame.
func ExpectOK(fr zcl1.Frame) error {
	if fr.Status != zcl1.StatusOK {
		trace, msg, _ := fr.ErrorInfo()
		return fmt.Errorf("error frame op=%d rid=%d: %s: %s", fr.Op, fr.RID, trace, msg)
	}
	return nil
}
