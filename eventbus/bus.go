// Package eventbus implements the event/bus capability: a per-runtime
// topic table with best-effort delivery to subscriber control channels.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package eventbus

import (
	"encoding/binary"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/zcl1"
)

// Control ops and events.
const (
	OpSubscribe   = 1
	OpUnsubscribe = 2
	OpPublish     = 3

	EvEvent = 100
)

const (
	bufSize     = 64 * 1024
	maxTopicLen = 60000
	maxDataLen  = 60000
)

type (
	sub struct {
		id        uint32
		owner     *busHandle
		topic     []byte
		topicHash uint64
	}

	// bus is the topic table shared by every event/bus handle of one
	// runtime.
	bus struct {
		mu        sync.Mutex
		nextSubID uint32
		subs      []sub
	}

	busHandle struct {
		b *bus

		in  []byte
		out []byte
		off int

		closed bool
	}
)

// One bus per runtime.
var buses sync.Map // *core.Runtime -> *bus

func busFor(rt *core.Runtime) *bus {
	if v, ok := buses.Load(rt); ok {
		return v.(*bus)
	}
	v, _ := buses.LoadOrStore(rt, &bus{nextSubID: 1})
	return v.(*bus)
}

func topicHash(topic []byte) uint64 { return xxhash.Checksum64(topic) }

/////////
// bus //
/////////

func (b *bus) subscribe(owner *busHandle, topic []byte) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	if b.nextSubID == 0 {
		b.nextSubID = 1
	}
	b.subs = append(b.subs, sub{
		id:        id,
		owner:     owner,
		topic:     append([]byte(nil), topic...),
		topicHash: topicHash(topic),
	})
	return id
}

func (b *bus) unsubscribe(id uint32) bool {
	if id == 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.subs {
		if b.subs[i].id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (b *bus) unsubscribeOwner(owner *busHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for i := range b.subs {
		if b.subs[i].owner != owner {
			kept = append(kept, b.subs[i])
		}
	}
	b.subs = kept
}

// publish delivers to every exact-topic subscriber whose output buffer has
// room; full subscribers are skipped.
func (b *bus) publish(rid uint32, topic, data []byte) (delivered uint32) {
	h := topicHash(topic)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.subs {
		s := &b.subs[i]
		if s.topicHash != h || string(s.topic) != string(topic) {
			continue
		}
		if s.owner.appendEvent(rid, s.id, topic, data) {
			delivered++
		}
	}
	return delivered
}

///////////////
// busHandle //
///////////////

func (c *busHandle) appendOut(frame []byte) bool {
	if len(c.out)+len(frame) > bufSize {
		return false
	}
	c.out = append(c.out, frame...)
	return true
}

func (c *busHandle) okU32(op uint16, rid, v uint32) bool {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], v)
	return c.appendOut(zcl1.AppendOK(nil, op, rid, p[:]))
}

func (c *busHandle) errFrame(op uint16, rid uint32, trace, msg string) bool {
	return c.appendOut(zcl1.AppendError(nil, op, rid, trace, msg))
}

// EV_EVENT payload: u32 sub_id, u32 topic_len, topic, u32 data_len, data.
func (c *busHandle) appendEvent(rid, subID uint32, topic, data []byte) bool {
	if c.closed || len(topic) > maxTopicLen || len(data) > maxDataLen {
		return false
	}
	payload := make([]byte, 0, 12+len(topic)+len(data))
	var u4 [4]byte
	binary.LittleEndian.PutUint32(u4[:], subID)
	payload = append(payload, u4[:]...)
	binary.LittleEndian.PutUint32(u4[:], uint32(len(topic)))
	payload = append(payload, u4[:]...)
	payload = append(payload, topic...)
	binary.LittleEndian.PutUint32(u4[:], uint32(len(data)))
	payload = append(payload, u4[:]...)
	payload = append(payload, data...)
	return c.appendOut(zcl1.AppendOK(nil, EvEvent, rid, payload))
}

func (c *busHandle) dispatch(fr *zcl1.Frame) bool {
	switch fr.Op {
	case OpSubscribe:
		if len(fr.Payload) < 8 {
			return c.errFrame(fr.Op, fr.RID, "t_event_bus_bad_sub", "bad SUBSCRIBE payload")
		}
		topicLen := binary.LittleEndian.Uint32(fr.Payload)
		if topicLen == 0 || uint64(4+topicLen+4) != uint64(len(fr.Payload)) {
			return c.errFrame(fr.Op, fr.RID, "t_event_bus_bad_sub", "bad SUBSCRIBE payload")
		}
		topic := fr.Payload[4 : 4+topicLen]
		flags := binary.LittleEndian.Uint32(fr.Payload[4+topicLen:])
		if flags != 0 {
			return c.errFrame(fr.Op, fr.RID, "t_event_bus_flags", "flags must be 0")
		}
		subID := c.b.subscribe(c, topic)
		return c.okU32(fr.Op, fr.RID, subID)
	case OpUnsubscribe:
		if len(fr.Payload) != 4 {
			return c.errFrame(fr.Op, fr.RID, "t_event_bus_bad_unsub", "bad UNSUBSCRIBE payload")
		}
		removed := uint32(0)
		if c.b.unsubscribe(binary.LittleEndian.Uint32(fr.Payload)) {
			removed = 1
		}
		return c.okU32(fr.Op, fr.RID, removed)
	case OpPublish:
		if len(fr.Payload) < 8 {
			return c.errFrame(fr.Op, fr.RID, "t_event_bus_bad_pub", "bad PUBLISH payload")
		}
		topicLen := binary.LittleEndian.Uint32(fr.Payload)
		if topicLen == 0 || uint64(4+topicLen+4) > uint64(len(fr.Payload)) {
			return c.errFrame(fr.Op, fr.RID, "t_event_bus_bad_pub", "bad PUBLISH payload")
		}
		topic := fr.Payload[4 : 4+topicLen]
		off := 4 + topicLen
		dataLen := binary.LittleEndian.Uint32(fr.Payload[off:])
		off += 4
		if uint64(off)+uint64(dataLen) != uint64(len(fr.Payload)) {
			return c.errFrame(fr.Op, fr.RID, "t_event_bus_bad_pub", "bad PUBLISH payload")
		}
		data := fr.Payload[off:]
		delivered := c.b.publish(fr.RID, topic, data)
		return c.okU32(fr.Op, fr.RID, delivered)
	default:
		return c.errFrame(fr.Op, fr.RID, "t_event_bus_unknown_op", "unknown op")
	}
}

func (c *busHandle) Read(dst []byte) (int, error) {
	if c.closed {
		return 0, nil
	}
	if len(dst) == 0 {
		return 0, nil
	}
	if c.off >= len(c.out) {
		return 0, core.EAgain
	}
	n := copy(dst, c.out[c.off:])
	c.off += n
	if c.off == len(c.out) {
		c.out = c.out[:0]
		c.off = 0
	}
	return n, nil
}

func (c *busHandle) Write(src []byte) (int, error) {
	if c.closed {
		return 0, core.EClosed
	}
	if len(src) == 0 {
		return 0, nil
	}
	if len(c.in)+len(src) > bufSize {
		return 0, core.EBounds
	}
	c.in = append(c.in, src...)
	if len(c.in) < zcl1.HdrSize {
		return len(src), nil
	}
	if !zcl1.HasMagic(c.in) {
		c.in = nil
		return 0, core.EInvalid
	}
	frameLen := zcl1.HdrSize + int(zcl1.PayloadLen(c.in))
	if frameLen > bufSize {
		c.in = nil
		return 0, core.EBounds
	}
	if frameLen > len(c.in) {
		return len(src), nil
	}
	if frameLen != len(c.in) {
		c.in = nil
		return 0, core.EInvalid
	}
	fr, ok := zcl1.Parse(c.in)
	if !ok {
		c.in = nil
		return 0, core.EInvalid
	}
	before := len(c.out)
	emitted := c.dispatch(&fr)
	c.in = nil
	if !emitted && len(c.out) == before {
		c.errFrame(fr.Op, fr.RID, "t_event_bus_internal", "dispatch failed")
	}
	return len(src), nil
}

func (c *busHandle) End() error {
	c.closed = true
	c.b.unsubscribeOwner(c)
	c.in, c.out = nil, nil
	return nil
}

func open(rt *core.Runtime, params []byte) int32 {
	if len(params) != 0 {
		return int32(core.EInvalid)
	}
	c := &busHandle{b: busFor(rt)}
	return rt.Alloc(c, core.HReadable|core.HWritable|core.HEndable)
}

// Register installs event/bus@v1 into rt's capability registry.
func Register(rt *core.Runtime) error {
	return rt.Register(&core.Cap{
		Kind:    "event",
		Name:    "bus",
		Version: 1,
		Flags:   core.CapCanOpen | core.CapMayBlock,
		Open:    open,
	})
}
