// Package nlog - zingcore logger, provides buffering, timestamping, writing,
// and flushing
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package nlog

import (
	"flag"
	"time"

	"github.com/frogfishio/zingcore/cmn/mono"
)

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
	flset.StringVar(&logDir, "logdir", "", "log directory (empty: stderr only)")
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

func SetLogDir(dir string) { logDir = dir }
func SetTitle(s string)    { title = s }
func Title() string        { return title }

func Flush(exit ...bool) {
	onceInitFiles.Do(initFiles)
	ex := len(exit) > 0 && exit[0]
	for _, nl := range nlogs {
		if nl == nil {
			continue
		}
		nl.mw.Lock()
		nl.flushLocked()
		nl.mw.Unlock()
		if ex && nl.file != nil {
			nl.file.Sync()
		}
	}
}

func Since() time.Duration {
	now := mono.NanoTime()
	var max time.Duration
	for _, nl := range nlogs {
		if nl == nil {
			continue
		}
		if d := nl.since(now); d > max {
			max = d
		}
	}
	return max
}
