// Package eventbus implements the event/bus capability.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package eventbus_test

import (
	"encoding/binary"

	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/eventbus"
	"github.com/frogfishio/zingcore/zcl1"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func subscribePayload(topic string) []byte {
	p := make([]byte, 8+len(topic))
	binary.LittleEndian.PutUint32(p, uint32(len(topic)))
	copy(p[4:], topic)
	return p
}

func publishPayload(topic, data string) []byte {
	p := make([]byte, 0, 8+len(topic)+len(data))
	var u4 [4]byte
	binary.LittleEndian.PutUint32(u4[:], uint32(len(topic)))
	p = append(p, u4[:]...)
	p = append(p, topic...)
	binary.LittleEndian.PutUint32(u4[:], uint32(len(data)))
	p = append(p, u4[:]...)
	p = append(p, data...)
	return p
}

var _ = Describe("event/bus", func() {
	var rt *core.Runtime

	BeforeEach(func() {
		rt = core.New()
		Expect(eventbus.Register(rt)).To(Succeed())
	})

	openBus := func() int32 {
		h := rt.Open("event", "bus", 1, nil)
		Expect(h).To(BeNumerically(">=", core.HandleMin))
		return h
	}

	write := func(h int32, op uint16, rid uint32, payload []byte) {
		frame := zcl1.AppendOK(nil, op, rid, payload)
		Expect(rt.Write(h, frame)).To(Equal(int32(len(frame))))
	}

	readFrames := func(h int32) (frames []zcl1.Frame) {
		buf := make([]byte, 64*1024)
		n := rt.Read(h, buf)
		Expect(n).To(BeNumerically(">", 0))
		at := 0
		for at < int(n) {
			fr, ok := zcl1.Parse(buf[at:n])
			Expect(ok).To(BeTrue())
			frames = append(frames, fr)
			at += zcl1.HdrSize + len(fr.Payload)
		}
		return frames
	}

	It("subscribes, publishes, delivers, unsubscribes", func() {
		subH := openBus()
		pubH := openBus()

		write(subH, eventbus.OpSubscribe, 1, subscribePayload("metrics"))
		frames := readFrames(subH)
		Expect(frames).To(HaveLen(1))
		subID := binary.LittleEndian.Uint32(frames[0].Payload)
		Expect(subID).NotTo(BeZero())

		write(pubH, eventbus.OpPublish, 2, publishPayload("metrics", "cpu=1"))
		frames = readFrames(pubH)
		Expect(frames).To(HaveLen(1))
		Expect(binary.LittleEndian.Uint32(frames[0].Payload)).To(Equal(uint32(1))) // delivered

		frames = readFrames(subH)
		Expect(frames).To(HaveLen(1))
		ev := frames[0]
		Expect(ev.Op).To(Equal(uint16(eventbus.EvEvent)))
		p := ev.Payload
		Expect(binary.LittleEndian.Uint32(p)).To(Equal(subID))
		topicLen := binary.LittleEndian.Uint32(p[4:])
		Expect(string(p[8 : 8+topicLen])).To(Equal("metrics"))
		dataLen := binary.LittleEndian.Uint32(p[8+topicLen:])
		Expect(string(p[12+topicLen : 12+topicLen+dataLen])).To(Equal("cpu=1"))

		// Unsubscribe, then delivery count drops to zero.
		unsub := make([]byte, 4)
		binary.LittleEndian.PutUint32(unsub, subID)
		write(subH, eventbus.OpUnsubscribe, 3, unsub)
		frames = readFrames(subH)
		Expect(binary.LittleEndian.Uint32(frames[0].Payload)).To(Equal(uint32(1)))

		write(pubH, eventbus.OpPublish, 4, publishPayload("metrics", "cpu=2"))
		frames = readFrames(pubH)
		Expect(binary.LittleEndian.Uint32(frames[0].Payload)).To(BeZero())
	})

	It("matches topics exactly", func() {
		subH := openBus()
		pubH := openBus()
		write(subH, eventbus.OpSubscribe, 1, subscribePayload("a.b"))
		readFrames(subH)

		write(pubH, eventbus.OpPublish, 2, publishPayload("a.b.c", "x"))
		frames := readFrames(pubH)
		Expect(binary.LittleEndian.Uint32(frames[0].Payload)).To(BeZero())
	})

	It("drops subscriptions when the handle ends", func() {
		subH := openBus()
		pubH := openBus()
		write(subH, eventbus.OpSubscribe, 1, subscribePayload("t"))
		readFrames(subH)
		Expect(rt.End(subH)).To(Equal(int32(0)))

		write(pubH, eventbus.OpPublish, 2, publishPayload("t", "x"))
		frames := readFrames(pubH)
		Expect(binary.LittleEndian.Uint32(frames[0].Payload)).To(BeZero())
	})

	It("rejects malformed payloads with error frames", func() {
		h := openBus()
		write(h, eventbus.OpSubscribe, 1, []byte{1, 2})
		frames := readFrames(h)
		Expect(frames[0].Status).To(Equal(uint32(zcl1.StatusErr)))
	})
})
