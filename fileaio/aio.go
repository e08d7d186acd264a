// Package fileaio implements the file/aio capability: one worker goroutine
// per handle over a bounded submission queue, so submissions run one at a
// time in queue order. Every submission is answered twice: a synchronous
// ack (queued) and an EV_DONE completion frame.
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package fileaio

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/frogfishio/zingcore/cmn/cos"
	"github.com/frogfishio/zingcore/cmn/nlog"
	"github.com/frogfishio/zingcore/core"
	"github.com/frogfishio/zingcore/netsock"
	"github.com/frogfishio/zingcore/zcl1"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Submission ops and the completion event.
const (
	OpOpen    = 1
	OpClose   = 2
	OpRead    = 3
	OpWrite   = 4
	OpMkdir   = 5
	OpRmdir   = 6
	OpUnlink  = 7
	OpStat    = 8
	OpReaddir = 9

	EvDone = 100
)

// OPEN flags.
const (
	ORead = 1 << iota
	OWrite
	OCreate
	OTrunc
	OAppend
)

// READDIR entry types.
const (
	DTypeUnknown = 0
	DTypeFile    = 1
	DTypeDir     = 2
)

const (
	trace   = "file.aio"
	bufSize = 64 * 1024

	maxReadLen    = 8 * 1024 * 1024
	maxDirEntries = 4096
)

type (
	job struct {
		op   uint16
		rid  uint32
		path string
		id   uint64
		off  int64
		data []byte
		n    uint32
		mode uint32
		oflg uint32
	}

	aioHandle struct {
		rt *core.Runtime

		mu            sync.Mutex
		out           []byte
		off           int
		closed        bool
		notifyR       int
		notifyW       int
		notifyPending bool

		in []byte

		queue    chan job
		queueCap int

		filesMu sync.Mutex
		files   map[uint64]*os.File
		nextID  uint64

		grp    *errgroup.Group
		cancel context.CancelFunc
	}
)

///////////////
// aioHandle //
///////////////

func (c *aioHandle) PollFD() (int, bool) {
	if c.notifyR < 0 {
		return -1, false
	}
	return c.notifyR, true
}

// Readable when output is pending; writable while the submission queue has
// room.
func (c *aioHandle) ReadyMask() (mask uint32) {
	c.mu.Lock()
	if c.off < len(c.out) {
		mask |= 0x1
	}
	c.mu.Unlock()
	if len(c.queue) < c.queueCap {
		mask |= 0x2
	}
	return mask
}

func (c *aioHandle) DrainWakeup() {
	c.mu.Lock()
	c.drainNotifyLocked()
	c.notifyPending = false
	c.mu.Unlock()
}

func (c *aioHandle) drainNotifyLocked() {
	if c.notifyR < 0 {
		return
	}
	var tmp [64]byte
	for {
		n, err := unix.Read(c.notifyR, tmp[:])
		if n > 0 {
			continue
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (c *aioHandle) appendOut(frame []byte) {
	c.mu.Lock()
	c.out = append(c.out, frame...)
	if c.notifyW >= 0 && !c.notifyPending {
		b := [1]byte{1}
		unix.Write(c.notifyW, b[:])
		c.notifyPending = true
	}
	c.mu.Unlock()
}

func (c *aioHandle) ack(op uint16, rid uint32) {
	c.appendOut(zcl1.AppendOK(nil, op, rid, nil))
}

func (c *aioHandle) errFrame(op uint16, rid uint32, msg string) {
	c.appendOut(zcl1.AppendError(nil, op, rid, trace, msg))
}

// done emits the EV_DONE frame: u16 orig_op, u16 reserved, u32 result,
// then op-specific extra bytes.
func (c *aioHandle) done(origOp uint16, rid uint32, result int32, extra []byte) {
	payload := make([]byte, 8+len(extra))
	binary.LittleEndian.PutUint16(payload, origOp)
	binary.LittleEndian.PutUint32(payload[4:], uint32(result))
	copy(payload[8:], extra)
	c.appendOut(zcl1.AppendOK(nil, EvDone, rid, payload))
}

func (c *aioHandle) Read(dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, core.EClosed
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
		c.out = nil
		c.off = 0
		c.drainNotifyLocked()
		c.notifyPending = false
	}
	return n, nil
}

func (c *aioHandle) Write(src []byte) (int, error) {
	if c.closed {
		return 0, core.EClosed
	}
	if len(src) == 0 {
		return 0, nil
	}
	if len(c.in)+len(src) > bufSize {
		c.in = nil
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
	c.submit(&fr)
	c.in = nil
	return len(src), nil
}

// submit parses the request into a job and enqueues it; a full queue is an
// error frame, not an ack.
func (c *aioHandle) submit(fr *zcl1.Frame) {
	j, errMsg := c.parseJob(fr)
	if errMsg != "" {
		c.errFrame(fr.Op, fr.RID, errMsg)
		return
	}
	select {
	case c.queue <- j:
		c.ack(fr.Op, fr.RID)
	default:
		c.errFrame(fr.Op, fr.RID, "queue full")
	}
}

func (c *aioHandle) parseJob(fr *zcl1.Frame) (j job, errMsg string) {
	p := fr.Payload
	j.op = fr.Op
	j.rid = fr.RID

	readPath := func(off int) (string, bool) {
		ptr := binary.LittleEndian.Uint64(p[off:])
		ln := binary.LittleEndian.Uint32(p[off+8:])
		if ln == 0 || ln > 4096 {
			return "", false
		}
		b, err := c.rt.Mem().MapRO(ptr, ln)
		if err != nil {
			return "", false
		}
		return string(b), true
	}

	switch fr.Op {
	case OpOpen:
		if len(p) != 20 {
			return j, "bad OPEN payload"
		}
		path, ok := readPath(0)
		if !ok {
			return j, "bad OPEN path"
		}
		j.path = path
		j.oflg = binary.LittleEndian.Uint32(p[12:])
		j.mode = binary.LittleEndian.Uint32(p[16:])
	case OpClose:
		if len(p) != 8 {
			return j, "bad CLOSE payload"
		}
		j.id = binary.LittleEndian.Uint64(p)
	case OpRead:
		if len(p) != 24 {
			return j, "bad READ payload"
		}
		j.id = binary.LittleEndian.Uint64(p)
		j.off = int64(binary.LittleEndian.Uint64(p[8:]))
		j.n = binary.LittleEndian.Uint32(p[16:])
		if j.n == 0 || j.n > maxReadLen {
			return j, "bad READ length"
		}
	case OpWrite:
		if len(p) != 32 {
			return j, "bad WRITE payload"
		}
		j.id = binary.LittleEndian.Uint64(p)
		j.off = int64(binary.LittleEndian.Uint64(p[8:]))
		dataPtr := binary.LittleEndian.Uint64(p[16:])
		dataLen := binary.LittleEndian.Uint32(p[24:])
		if dataLen > maxReadLen {
			return j, "bad WRITE length"
		}
		b, err := c.rt.Mem().MapRO(dataPtr, dataLen)
		if err != nil {
			return j, "bad WRITE data"
		}
		j.data = append([]byte(nil), b...)
	case OpMkdir:
		if len(p) != 16 {
			return j, "bad MKDIR payload"
		}
		path, ok := readPath(0)
		if !ok {
			return j, "bad MKDIR path"
		}
		j.path = path
		j.mode = binary.LittleEndian.Uint32(p[12:])
	case OpRmdir, OpUnlink, OpStat, OpReaddir:
		if len(p) < 12 {
			return j, "bad payload"
		}
		path, ok := readPath(0)
		if !ok {
			return j, "bad path"
		}
		j.path = path
	default:
		return j, "unknown op"
	}
	return j, ""
}

func (c *aioHandle) End() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	close(c.queue)
	if err := c.grp.Wait(); err != nil {
		nlog.Errorln("file/aio worker:", err)
	}

	c.filesMu.Lock()
	for id, fh := range c.files {
		fh.Close()
		delete(c.files, id)
	}
	c.filesMu.Unlock()

	c.mu.Lock()
	c.out, c.in = nil, nil
	if c.notifyR >= 0 {
		unix.Close(c.notifyR)
		c.notifyR = -1
	}
	if c.notifyW >= 0 {
		unix.Close(c.notifyW)
		c.notifyW = -1
	}
	c.mu.Unlock()
	return nil
}

////////////
// worker //
////////////

func (c *aioHandle) worker(ctx context.Context) error {
	for j := range c.queue {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		c.execute(&j)
	}
	return nil
}

func (c *aioHandle) execute(j *job) {
	switch j.op {
	case OpOpen:
		c.execOpen(j)
	case OpClose:
		c.execClose(j)
	case OpRead:
		c.execRead(j)
	case OpWrite:
		c.execWrite(j)
	case OpMkdir:
		c.execErrOnly(j, os.Mkdir(j.path, os.FileMode(j.mode)))
	case OpRmdir:
		c.execErrOnly(j, os.Remove(j.path))
	case OpUnlink:
		c.execErrOnly(j, os.Remove(j.path))
	case OpStat:
		c.execStat(j)
	case OpReaddir:
		c.execReaddir(j)
	}
}

func osFlags(oflg uint32) int {
	var flags int
	switch {
	case oflg&ORead != 0 && oflg&OWrite != 0:
		flags = os.O_RDWR
	case oflg&OWrite != 0:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if oflg&OCreate != 0 {
		flags |= os.O_CREATE
	}
	if oflg&OTrunc != 0 {
		flags |= os.O_TRUNC
	}
	if oflg&OAppend != 0 {
		flags |= os.O_APPEND
	}
	return flags
}

func (c *aioHandle) execOpen(j *job) {
	fh, err := os.OpenFile(j.path, osFlags(j.oflg), os.FileMode(j.mode))
	if err != nil {
		nlog.Warningf("file/aio: open %s: %v", j.path, errors.WithMessage(err, "open"))
		c.done(j.op, j.rid, int32(core.Code(err)), make([]byte, 8))
		return
	}
	c.filesMu.Lock()
	c.nextID++
	id := c.nextID
	c.files[id] = fh
	c.filesMu.Unlock()

	extra := make([]byte, 8)
	binary.LittleEndian.PutUint64(extra, id)
	c.done(j.op, j.rid, 0, extra)
}

func (c *aioHandle) lookupFile(id uint64) *os.File {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	return c.files[id]
}

func (c *aioHandle) execClose(j *job) {
	c.filesMu.Lock()
	fh := c.files[j.id]
	delete(c.files, j.id)
	c.filesMu.Unlock()
	if fh == nil {
		c.done(j.op, j.rid, int32(core.ENoent), make([]byte, 0))
		return
	}
	c.execErrOnly(j, fh.Close())
}

func (c *aioHandle) execErrOnly(j *job, err error) {
	c.done(j.op, j.rid, int32(core.Code(err)), nil)
}

func (c *aioHandle) execRead(j *job) {
	fh := c.lookupFile(j.id)
	if fh == nil {
		c.done(j.op, j.rid, int32(core.ENoent), nil)
		return
	}
	buf := make([]byte, j.n)
	n, err := fh.ReadAt(buf, j.off)
	if err != nil && err != io.EOF {
		c.done(j.op, j.rid, int32(core.Code(err)), nil)
		return
	}
	extra := make([]byte, 4+n)
	binary.LittleEndian.PutUint32(extra, uint32(n))
	copy(extra[4:], buf[:n])
	c.done(j.op, j.rid, 0, extra)
}

func (c *aioHandle) execWrite(j *job) {
	fh := c.lookupFile(j.id)
	if fh == nil {
		c.done(j.op, j.rid, int32(core.ENoent), nil)
		return
	}
	n, err := fh.WriteAt(j.data, j.off)
	if err != nil {
		c.done(j.op, j.rid, int32(core.Code(err)), nil)
		return
	}
	extra := make([]byte, 4)
	binary.LittleEndian.PutUint32(extra, uint32(n))
	c.done(j.op, j.rid, 0, extra)
}

// STAT extra: u64 size, u64 mtime_ns, u32 mode, 12 reserved bytes.
func (c *aioHandle) execStat(j *job) {
	fi, err := os.Stat(j.path)
	if err != nil {
		c.done(j.op, j.rid, int32(core.Code(err)), nil)
		return
	}
	extra := make([]byte, 32)
	binary.LittleEndian.PutUint64(extra, uint64(fi.Size()))
	binary.LittleEndian.PutUint64(extra[8:], uint64(fi.ModTime().UnixNano()))
	binary.LittleEndian.PutUint32(extra[16:], uint32(fi.Mode()))
	c.done(j.op, j.rid, 0, extra)
}

// READDIR extra: u32 count, repeat{u32 name_len, name, u32 dtype}.
func (c *aioHandle) execReaddir(j *job) {
	dirents, err := godirwalk.ReadDirents(j.path, nil)
	if err != nil {
		c.done(j.op, j.rid, int32(core.Code(err)), nil)
		return
	}
	count := uint32(0)
	extra := make([]byte, 4, 256)
	var u4 [4]byte
	for _, de := range dirents {
		if count >= maxDirEntries {
			break
		}
		name := de.Name()
		binary.LittleEndian.PutUint32(u4[:], uint32(len(name)))
		extra = append(extra, u4[:]...)
		extra = append(extra, name...)
		dtype := uint32(DTypeUnknown)
		switch {
		case de.IsDir():
			dtype = DTypeDir
		case de.IsRegular():
			dtype = DTypeFile
		}
		binary.LittleEndian.PutUint32(u4[:], dtype)
		extra = append(extra, u4[:]...)
		count++
	}
	binary.LittleEndian.PutUint32(extra, count)
	c.done(j.op, j.rid, 0, extra)
}

//////////////
// open/reg //
//////////////

func open(rt *core.Runtime, params []byte) int32 {
	if len(params) != 0 {
		return int32(core.EInvalid)
	}
	if rt.Mem() == nil {
		return int32(core.ENosys)
	}
	queueCap := int(cos.ParseEnvUint32("ZI_FILE_AIO_QUEUE_CAP", 64, 1, 4096))
	c := &aioHandle{
		rt:       rt,
		notifyR:  -1,
		notifyW:  -1,
		queue:    make(chan job, queueCap),
		queueCap: queueCap,
		files:    make(map[uint64]*os.File),
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err == nil {
		c.notifyR, c.notifyW = fds[0], fds[1]
		netsock.SetNonblock(c.notifyR)
		netsock.SetNonblock(c.notifyW)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.grp, _ = errgroup.WithContext(ctx)
	c.grp.Go(func() error { return c.worker(ctx) })

	return rt.Alloc(c, core.HReadable|core.HWritable|core.HEndable)
}

// Register installs file/aio@v1 into rt's capability registry.
func Register(rt *core.Runtime) error {
	return rt.Register(&core.Cap{
		Kind:    "file",
		Name:    "aio",
		Version: 1,
		Flags:   core.CapCanOpen | core.CapMayBlock,
		Open:    open,
	})
}
