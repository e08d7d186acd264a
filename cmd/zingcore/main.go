// zingcore host shim: registers the capability set, installs the native
// guest-memory mapper, and serves a demo route over net/http.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/frogfishio/zingcore/asyncdef"
	"github.com/frogfishio/zingcore/cmn/nlog"
	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/eventbus"
	"github.com/frogfishio/zingcore/fileaio"
	"github.com/frogfishio/zingcore/hk"
	"github.com/frogfishio/zingcore/hopper"
	"github.com/frogfishio/zingcore/nethttp"
	"github.com/frogfishio/zingcore/nettcp"
	"github.com/frogfishio/zingcore/procenv"
	"github.com/frogfishio/zingcore/sys"
	"github.com/frogfishio/zingcore/sysinfo"
	"github.com/frogfishio/zingcore/sysloop"
	"github.com/frogfishio/zingcore/zcl1"
)

var port = flag.Uint("port", 0, "listen port (0: ephemeral)")

func main() {
	nlog.InitFlags(flag.CommandLine)
	flag.Parse()
	sys.SetMaxProcs()

	rt := core.New()
	rt.SetMem(core.NewNativeMem(make([]byte, 1<<20)))
	rt.SetArgs(os.Args)
	rt.SetEnv(os.Environ())
	core.SetDefault(rt)

	for _, reg := range []func(*core.Runtime) error{
		sysloop.Register, sysinfo.Register, nettcp.Register, nethttp.Register,
		fileaio.Register, eventbus.Register, asyncdef.Register,
		procenv.Register, hopper.Register,
	} {
		if err := reg(rt); err != nil {
			nlog.Errorln("register:", err)
			os.Exit(1)
		}
	}
	nlog.Infof("zingcore run %s: %d capabilities, abi v%d", rt.RunID(), rt.CapCount(), rt.AbiVersion())

	hk.Run()
	hk.Reg("nlog.flush", func() time.Duration {
		nlog.Flush()
		return 10 * time.Second
	}, 10*time.Second)
	defer func() {
		hk.Stop()
		nlog.Flush(true)
	}()

	if err := serve(rt, uint32(*port)); err != nil {
		nlog.Errorln(err)
		os.Exit(1)
	}
}

// serve opens net/http, binds, and answers every request inline.
func serve(rt *core.Runtime, port uint32) error {
	h := rt.Open("net", "http", 1, nil)
	if h < core.HandleMin {
		return fmt.Errorf("open net/http: %d", h)
	}

	listen := make([]byte, 12)
	binary.LittleEndian.PutUint32(listen, port)
	frame := zcl1.AppendOK(nil, nethttp.OpListen, 1, listen)
	if n := rt.Write(h, frame); n != int32(len(frame)) {
		return fmt.Errorf("LISTEN write: %d", n)
	}
	fr, err := readFrame(rt, h)
	if err != nil {
		return err
	}
	if fr.Status != zcl1.StatusOK {
		trace, msg, _ := fr.ErrorInfo()
		return fmt.Errorf("LISTEN: %s: %s", trace, msg)
	}
	boundPort := binary.LittleEndian.Uint32(fr.Payload[4:])
	nlog.Infof("listening on 127.0.0.1:%d", boundPort)

	for {
		ev, err := readFrame(rt, h)
		if err != nil {
			return err
		}
		if ev.Op != nethttp.EvRequest {
			continue
		}
		body := []byte("zingcore says hello\n")
		resp := make([]byte, 0, 64+len(body))
		var u4 [4]byte
		putU32 := func(v uint32) {
			binary.LittleEndian.PutUint32(u4[:], v)
			resp = append(resp, u4[:]...)
		}
		putU32(200)
		putU32(0)
		putU32(1)
		putU32(uint32(len("content-type")))
		resp = append(resp, "content-type"...)
		putU32(uint32(len("text/plain")))
		resp = append(resp, "text/plain"...)
		putU32(uint32(len(body)))
		resp = append(resp, body...)

		frame := zcl1.AppendOK(nil, nethttp.OpRespondInline, ev.RID, resp)
		for {
			n := rt.Write(h, frame)
			if n == int32(len(frame)) {
				break
			}
			if n != int32(core.EAgain) {
				return fmt.Errorf("RESPOND_INLINE: %d", n)
			}
			time.Sleep(time.Millisecond)
		}
		if fr, err = readFrame(rt, h); err != nil {
			return err
		}
		if fr.Status != zcl1.StatusOK {
			trace, msg, _ := fr.ErrorInfo()
			nlog.Warningf("respond: %s: %s", trace, msg)
		}
	}
}

func readFrame(rt *core.Runtime, h int32) (zcl1.Frame, error) {
	var buf []byte
	tmp := make([]byte, 64*1024)
	for {
		if len(buf) >= zcl1.HdrSize {
			frameLen := zcl1.HdrSize + int(zcl1.PayloadLen(buf))
			if len(buf) >= frameLen {
				fr, ok := zcl1.Parse(buf[:frameLen])
				if !ok {
					return zcl1.Frame{}, fmt.Errorf("bad frame from control channel")
				}
				return fr, nil
			}
		}
		n := rt.Read(h, tmp)
		switch {
		case n > 0:
			buf = append(buf, tmp[:n]...)
		case n == int32(core.EAgain):
			time.Sleep(time.Millisecond)
		default:
			return zcl1.Frame{}, fmt.Errorf("control channel read: %d", n)
		}
	}
}
