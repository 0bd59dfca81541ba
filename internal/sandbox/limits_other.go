//go:build !unix

package sandbox

import (
	"fmt"
	"os/exec"
	"runtime"
	"syscall"

	"machinist/internal/tool"
)

// Hard resource ceilings need POSIX rlimits; running the sandbox
// anywhere else is refused rather than silently unenforced.
func applyResourceLimits(tool.SecurityPolicy) error {
	return fmt.Errorf("sandbox resource limits are not supported on %s", runtime.GOOS)
}

func configureChildProcess(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}

func exitSignal(*exec.Cmd) (syscall.Signal, bool) { return 0, false }

func killedByCPULimit(*exec.Cmd) bool { return false }

func killedBySignal(*exec.Cmd) bool { return false }

func childRusage(cmd *exec.Cmd) (int64, int64) {
	ps := cmd.ProcessState
	if ps == nil {
		return 0, 0
	}
	return ps.UserTime().Nanoseconds() + ps.SystemTime().Nanoseconds(), 0
}
