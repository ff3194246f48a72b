//go:build linux

package workerpool

import "roma/internal/workerruntime"

// WasOOMKilled reports whether w's process was killed by the kernel OOM
// killer, per its cgroup's memory.events. Callers use this to reclassify
// a worker's crash outcome as OutOfMemory.
func (p *Pool) WasOOMKilled(w *Worker) bool {
	return workerruntime.WasOOMKilled(w.CgroupPath)
}
