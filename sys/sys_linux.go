// Package sys provides methods to read system information
/*
 * Copyright (c) 2026, Frogfish.io. All rights reserved.
 */
package sys

import (
	"errors"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/frogfishio/zingcore/cmn/cos"
	"github.com/frogfishio/zingcore/cmn/nlog"
)

const (
	rootProcess     = "/proc/1/cgroup"
	contCPULimit    = "/sys/fs/cgroup/cpu/cpu.cfs_quota_us"
	contCPUPeriod   = "/sys/fs/cgroup/cpu/cpu.cfs_period_us"
	hostLoadAvgPath = "/proc/loadavg"
	hostMemInfoPath = "/proc/meminfo"
)

// isContainerized returns true if the application is running
// inside a container (docker/lxc/k8s)
func isContainerized() (yes bool) {
	err := cos.ReadLines(rootProcess, func(line string) error {
		if strings.Contains(line, "docker") || strings.Contains(line, "lxc") || strings.Contains(line, "kube") {
			yes = true
			return io.EOF
		}
		return nil
	})
	if err != nil {
		nlog.Errorf("Failed to read system info: %v", err)
	}
	return
}

// containerNumCPU returns an approximate number of CPUs allocated for the
// container, rounded up. A negative quota means 'unlimited'.
func containerNumCPU() (int, error) {
	line, err := cos.ReadOneLine(contCPULimit)
	if err != nil {
		return 0, err
	}
	quota, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, err
	}
	if quota <= 0 {
		return runtime.NumCPU(), nil
	}
	line, err = cos.ReadOneLine(contCPUPeriod)
	if err != nil {
		return 0, err
	}
	period, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return 0, err
	}
	if period == 0 {
		return 0, errors.New("failed to read container CPU info")
	}
	approx := (uint64(quota) + period - 1) / period
	if approx < 1 {
		approx = 1
	}
	return int(approx), nil
}

// LoadAverage returns the system load average
func LoadAverage() (avg LoadAvg, err error) {
	line, err := cos.ReadOneLine(hostLoadAvgPath)
	if err != nil {
		return avg, err
	}
	fields := strings.Fields(line)
	avg.One, err = strconv.ParseFloat(fields[0], 64)
	if err == nil {
		avg.Five, err = strconv.ParseFloat(fields[1], 64)
	}
	if err == nil {
		avg.Fifteen, err = strconv.ParseFloat(fields[2], 64)
	}
	return avg, err
}

// MemStats reads total and available physical memory from procfs.
func MemStats() (mem Mem, err error) {
	err = cos.ReadLines(hostMemInfoPath, func(line string) error {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil
		}
		val, parseErr := strconv.ParseUint(fields[1], 10, 64)
		if parseErr != nil {
			return nil
		}
		val *= cos.KiB
		switch fields[0] {
		case "MemTotal:":
			mem.Total = val
		case "MemAvailable:":
			mem.Available = val
		}
		return nil
	})
	return mem, err
}
