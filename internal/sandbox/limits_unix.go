//go:build unix

package sandbox

import (
	"fmt"
	"os/exec"
	"syscall"

	"machinist/internal/tool"
)

// asHostReserve is address space granted on top of the tool's memory
// budget. The child is a whole Go binary hosting an interpreter with
// the stdlib symbol table loaded; the runtime needs its arena
// reservations before the first tool allocation, so a small budget
// applied raw to RLIMIT_AS kills the host, not the tool.
const asHostReserve = 1 << 30

// applyResourceLimits cages the calling process. Runs in the child, on
// itself, before any untrusted code is interpreted.
func applyResourceLimits(policy tool.SecurityPolicy) error {
	var asLimit uint64
	if policy.MemoryBytes > 0 {
		asLimit = uint64(policy.MemoryBytes) + asHostReserve
	}

	limits := []struct {
		name     string
		resource int
		value    uint64
	}{
		{"RLIMIT_AS", syscall.RLIMIT_AS, asLimit},
		{"RLIMIT_CPU", syscall.RLIMIT_CPU, uint64(policy.CPUSeconds)},
		{"RLIMIT_FSIZE", syscall.RLIMIT_FSIZE, uint64(policy.ScratchFileBytes)},
		{"RLIMIT_NOFILE", syscall.RLIMIT_NOFILE, uint64(policy.MaxOpenFiles)},
	}

	for _, l := range limits {
		if l.value == 0 {
			continue
		}
		rl := &syscall.Rlimit{Cur: l.value, Max: l.value}
		if err := syscall.Setrlimit(l.resource, rl); err != nil {
			return fmt.Errorf("setrlimit %s=%d: %w", l.name, l.value, err)
		}
	}
	return nil
}

// configureChildProcess puts the child in its own process group so a
// kill reaches anything it spawned, and arranges group-wide SIGKILL on
// context cancellation.
func configureChildProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// exitSignal returns the signal that terminated the child, if any.
func exitSignal(state *exec.Cmd) (syscall.Signal, bool) {
	ps := state.ProcessState
	if ps == nil {
		return 0, false
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, false
	}
	return ws.Signal(), true
}

// killedByCPULimit reports a SIGXCPU death, the kernel's verdict for a
// breached RLIMIT_CPU.
func killedByCPULimit(cmd *exec.Cmd) bool {
	sig, ok := exitSignal(cmd)
	return ok && sig == syscall.SIGXCPU
}

// killedBySignal reports a SIGKILL death, seen when the kernel or the
// group kill path took the child down.
func killedBySignal(cmd *exec.Cmd) bool {
	sig, ok := exitSignal(cmd)
	return ok && sig == syscall.SIGKILL
}

// childRusage reads CPU time and peak RSS consumed by the child.
func childRusage(cmd *exec.Cmd) (cpuNanos int64, maxRSSBytes int64) {
	ps := cmd.ProcessState
	if ps == nil {
		return 0, 0
	}
	cpuNanos = ps.UserTime().Nanoseconds() + ps.SystemTime().Nanoseconds()
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok {
		// ru_maxrss is kilobytes on Linux.
		maxRSSBytes = ru.Maxrss * 1024
	}
	return cpuNanos, maxRSSBytes
}
