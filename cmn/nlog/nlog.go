// Package nlog - zingcore logger, provides buffering, timestamping, writing,
// and flushing
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/frogfishio/zingcore/cmn/mono"
)

const (
	fixedSize   = 64 * 1024
	maxLineSize = 2 * 1024
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevText = [...]string{"I", "W", "E"}

type nlog struct {
	mw      sync.Mutex
	file    *os.File
	buf     []byte
	last    int64
	written int64
	sev     severity
}

var (
	nlogs [2]*nlog // info and error sinks

	toStderr     bool
	alsoToStderr bool
	logDir       string
	title        string

	onceInitFiles sync.Once

	pid = os.Getpid()
)

func newNlog(sev severity) *nlog {
	return &nlog{sev: sev, buf: make([]byte, 0, fixedSize), last: mono.NanoTime()}
}

func initFiles() {
	nlogs[0] = newNlog(sevInfo)
	nlogs[1] = newNlog(sevErr)
	if logDir == "" {
		toStderr = true
		return
	}
	for i, nl := range nlogs {
		name := sname() + "." + [2]string{"INFO", "ERROR"}[i]
		fh, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "nlog: cannot open log file:", err)
			toStderr = true
			return
		}
		nl.file = fh
	}
}

func sname() string {
	base := filepath.Base(os.Args[0])
	return base + "." + strconv.Itoa(pid)
}

// main function
func log(sev severity, depth int, format string, args ...any) {
	onceInitFiles.Do(initFiles)

	line := sprintf(sev, depth+3, format, args...)
	if toStderr || alsoToStderr || sev >= sevWarn {
		os.Stderr.WriteString(line)
	}
	if toStderr {
		return
	}
	nl := nlogs[0]
	if sev >= sevErr {
		nl = nlogs[1]
	}
	nl.mw.Lock()
	nl.write(line)
	nl.mw.Unlock()
}

func sprintf(sev severity, depth int, format string, args ...any) string {
	_, fn, ln, ok := runtime.Caller(depth)
	if !ok {
		fn, ln = "???", 0
	} else {
		fn = filepath.Base(fn)
	}
	now := time.Now()
	var msg string
	if format == "" {
		msg = fmt.Sprintln(args...)
	} else {
		msg = fmt.Sprintf(format, args...)
		if len(msg) == 0 || msg[len(msg)-1] != '\n' {
			msg += "\n"
		}
	}
	if len(msg) > maxLineSize {
		msg = msg[:maxLineSize-1] + "\n"
	}
	return fmt.Sprintf("%s %s %s:%d %s", sevText[sev], now.Format("15:04:05.000000"), fn, ln, msg)
}

func (nl *nlog) write(line string) {
	nl.buf = append(nl.buf, line...)
	nl.written += int64(len(line))
	if len(nl.buf) > fixedSize-maxLineSize {
		nl.flushLocked()
	}
}

func (nl *nlog) flushLocked() {
	if len(nl.buf) == 0 || nl.file == nil {
		nl.buf = nl.buf[:0]
		return
	}
	nl.file.Write(nl.buf)
	nl.buf = nl.buf[:0]
	nl.last = mono.NanoTime()
}

func (nl *nlog) since(now int64) time.Duration { return time.Duration(now - nl.last) }

// Writer returns an io.Writer that logs each Write as one Info line.
func Writer() io.Writer { return infoWriter{} }

type infoWriter struct{}

func (infoWriter) Write(p []byte) (int, error) {
	Infoln(string(p))
	return len(p), nil
}
