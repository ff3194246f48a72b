//go:build linux

package workerruntime

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CgroupLimits bounds the memory and pids a worker's cgroup allows. Zero
// fields leave that controller at its default ("max"). There is no cpu
// limit: ApplyCgroupLimits always writes cpu.max as "max 100000".
type CgroupLimits struct {
	MemoryMB int64
	PIDs     int64
}

// CreateCgroup makes a fresh cgroup v2 leaf under root for one worker and
// returns its path plus a cleanup func that removes it. root is expected
// to already be a cgroup v2 mount point with delegation enabled for this
// process.
func CreateCgroup(root string, token string) (string, func(), error) {
	if root == "" {
		return "", func() {}, fmt.Errorf("cgroup root is required")
	}
	leaf := fmt.Sprintf("%s-%d", token, time.Now().UnixNano())
	path := filepath.Join(root, leaf)
	if err := os.MkdirAll(path, 0750); err != nil {
		return "", func() {}, fmt.Errorf("create cgroup: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(path) }
	return path, cleanup, nil
}

// ApplyCgroupLimits writes the memory/pids/cpu controllers for a worker's
// cgroup. Called before the worker's process is added to it.
func ApplyCgroupLimits(cgroupPath string, limits CgroupLimits) error {
	pidsValue := "max"
	if limits.PIDs > 0 {
		pidsValue = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if limits.MemoryMB > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(limits.MemoryMB*1024*1024, 10)); err != nil {
			return err
		}
	}
	return writeCgroupValue(cgroupPath, "cpu.max", "max 100000")
}

// AddProcessToCgroup moves pid into the cgroup, bringing the limits into
// effect for it and everything it forks.
func AddProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

// WasOOMKilled reports whether the kernel OOM-killed a process in
// cgroupPath, read from memory.events. Used by the pool to reclassify a
// worker's crash as OutOfMemory rather than a generic fault.
func WasOOMKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "oom_kill" {
			continue
		}
		val, _ := strconv.ParseInt(fields[1], 10, 64)
		return val > 0
	}
	return false
}

func writeCgroupValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0640)
}
