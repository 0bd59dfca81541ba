package sandbox

import (
	"fmt"
)

// LimitKind names which resource ceiling was breached.
type LimitKind string

const (
	LimitCPU    LimitKind = "cpu"
	LimitMemory LimitKind = "memory"
)

// ResourceExceededError reports that an execution hit a resource ceiling
// and was terminated. Never retried automatically.
type ResourceExceededError struct {
	Kind   LimitKind
	Detail string
}

func (e *ResourceExceededError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("resource limit exceeded (%s): %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("resource limit exceeded (%s)", e.Kind)
}

// ExecutionFailedError reports a non-zero child exit that was not caused
// by a resource limit.
type ExecutionFailedError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionFailedError) Error() string {
	stderr := e.Stderr
	if len(stderr) > 400 {
		stderr = stderr[:400] + "..."
	}
	return fmt.Sprintf("sandboxed execution failed (exit %d): %s", e.ExitCode, stderr)
}
