// Package sys provides methods to read system information
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package sys

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

func isContainerized() bool { return false }

func containerNumCPU() (int, error) { return NumCPU(), nil }

// LoadAverage reads vm.loadavg: three 32-bit fixed-point values scaled by fscale.
func LoadAverage() (avg LoadAvg, err error) {
	raw, err := unix.SysctlRaw("vm.loadavg")
	if err != nil {
		return avg, err
	}
	// struct loadavg { uint32 ldavg[3]; long fscale; }
	if len(raw) < 24 {
		return avg, unix.EINVAL
	}
	fscale := float64(binary.LittleEndian.Uint64(raw[16:]))
	if fscale == 0 {
		fscale = 2048
	}
	avg.One = float64(binary.LittleEndian.Uint32(raw[0:])) / fscale
	avg.Five = float64(binary.LittleEndian.Uint32(raw[4:])) / fscale
	avg.Fifteen = float64(binary.LittleEndian.Uint32(raw[8:])) / fscale
	return avg, nil
}

// MemStats reports total physical memory; "available" is not derivable
// without mach host statistics, so it is left zero (callers treat zero as
// not-available).
func MemStats() (mem Mem, err error) {
	total, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return mem, err
	}
	mem.Total = total
	return mem, nil
}
