// Package hopper implements the structured-record arena.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package hopper_test

import (
	"encoding/binary"

	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/hopper"
	"github.com/frogfishio/zingcore/zcl1"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Hopper arena", func() {
	var h *hopper.Hopper

	catalog := &hopper.Catalog{
		Layouts: []hopper.Layout{{
			Name: "Example", RecordBytes: 8, LayoutID: 1,
			Fields: []hopper.Field{
				{Name: "raw", Offset: 0, Size: 4, Kind: hopper.FieldBytes, PadByte: ' '},
				{Name: "num", Offset: 4, Size: 3, Kind: hopper.FieldNumI32,
					Pic: hopper.Pic{Digits: 3, Usage: hopper.UsageDisplay}},
			},
		}},
	}

	BeforeEach(func() {
		h = hopper.New(24, 16, catalog)
	})

	It("allocates records and round-trips fields", func() {
		ref, e := h.Record(1)
		Expect(e).To(Equal(hopper.OK))

		Expect(h.FieldSetBytes(ref, 0, []byte("ab"))).To(Equal(hopper.OK))
		out := make([]byte, 4)
		Expect(h.FieldGetBytes(ref, 0, out)).To(Equal(hopper.OK))
		Expect(string(out)).To(Equal("ab  ")) // space-padded

		Expect(h.FieldSetI32(ref, 1, 42)).To(Equal(hopper.OK))
		v, e := h.FieldGetI32(ref, 1)
		Expect(e).To(Equal(hopper.OK))
		Expect(v).To(Equal(int32(42)))
	})

	It("rejects bad refs, layouts and fields", func() {
		_, e := h.Record(99)
		Expect(e).To(Equal(hopper.EBadLayout))

		Expect(h.FieldSetI32(hopper.Ref(7), 1, 1)).To(Equal(hopper.EBadRef))

		ref, _ := h.Record(1)
		Expect(h.FieldSetI32(ref, 9, 1)).To(Equal(hopper.EBadField))
		Expect(h.FieldSetI32(ref, 0, 1)).To(Equal(hopper.EUnsupported))
	})

	It("reports overflow for values exceeding the PIC", func() {
		ref, _ := h.Record(1)
		Expect(h.FieldSetI32(ref, 1, 1000)).To(Equal(hopper.EOverflow))
		Expect(h.FieldSetI32(ref, 1, -1)).To(Equal(hopper.EOverflow)) // unsigned field
	})

	It("exhausts the arena and recovers on reset", func() {
		for i := 0; i < 8; i++ {
			ref, e := h.Record(1)
			if e != hopper.OK {
				Expect(e).To(Equal(hopper.EOOMArena))
				Expect(ref).To(Equal(hopper.Ref(-1)))
				Expect(h.Reset(true)).To(Equal(hopper.OK))
				_, e = h.Record(1)
				Expect(e).To(Equal(hopper.OK))
				return
			}
		}
		Fail("arena never filled")
	})
})

var _ = Describe("proc/hopper capability", func() {
	var (
		rt *core.Runtime
		hh int32
	)

	BeforeEach(func() {
		rt = core.New()
		Expect(hopper.Register(rt)).To(Succeed())
		hh = rt.Open("proc", "hopper", 1, nil)
		Expect(hh).To(BeNumerically(">=", core.HandleMin))
	})

	call := func(op uint16, rid uint32, payload []byte) zcl1.Frame {
		frame := zcl1.AppendOK(nil, op, rid, payload)
		Expect(rt.Write(hh, frame)).To(Equal(int32(len(frame))))
		buf := make([]byte, 4096)
		n := rt.Read(hh, buf)
		Expect(n).To(BeNumerically(">", 0))
		fr, ok := zcl1.Parse(buf[:n])
		Expect(ok).To(BeTrue())
		Expect(fr.RID).To(Equal(rid))
		return fr
	}

	It("answers INFO with the arena geometry", func() {
		fr := call(hopper.OpInfo, 1, nil)
		Expect(fr.Status).To(Equal(uint32(zcl1.StatusOK)))
		Expect(fr.Payload).To(HaveLen(16))
		Expect(binary.LittleEndian.Uint32(fr.Payload)).To(Equal(uint32(hopper.AbiVersion)))
		Expect(binary.LittleEndian.Uint32(fr.Payload[8:])).To(Equal(uint32(64 * 1024)))
	})

	It("drives RECORD and field ops over the wire", func() {
		p := make([]byte, 4)
		binary.LittleEndian.PutUint32(p, 1)
		fr := call(hopper.OpRecord, 2, p)
		Expect(binary.LittleEndian.Uint32(fr.Payload)).To(Equal(uint32(hopper.OK)))
		ref := binary.LittleEndian.Uint32(fr.Payload[4:])

		set := make([]byte, 12)
		binary.LittleEndian.PutUint32(set, ref)
		binary.LittleEndian.PutUint32(set[4:], 1) // "num"
		binary.LittleEndian.PutUint32(set[8:], 7)
		fr = call(hopper.OpFieldSetI32, 3, set)
		Expect(binary.LittleEndian.Uint32(fr.Payload)).To(Equal(uint32(hopper.OK)))

		get := make([]byte, 8)
		binary.LittleEndian.PutUint32(get, ref)
		binary.LittleEndian.PutUint32(get[4:], 1)
		fr = call(hopper.OpFieldGetI32, 4, get)
		Expect(binary.LittleEndian.Uint32(fr.Payload)).To(Equal(uint32(hopper.OK)))
		Expect(int32(binary.LittleEndian.Uint32(fr.Payload[4:]))).To(Equal(int32(7)))
	})

	It("enforces one outstanding response", func() {
		frame := zcl1.AppendOK(nil, hopper.OpInfo, 9, nil)
		Expect(rt.Write(hh, frame)).To(Equal(int32(len(frame))))
		Expect(rt.Write(hh, frame)).To(Equal(int32(core.EAgain)))
	})
})
