package workflow

import (
	"fmt"
)

// UnresolvedReferenceError reports a $-reference naming a step or
// variable absent from the execution context. Fatal to the run; the
// engine never guesses or defaults.
type UnresolvedReferenceError struct {
	Name string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference $%s", e.Name)
}

// StepFailedError aborts the enclosing workflow run: a tool invocation
// failed, violated its sandbox policy, or a nested body failed.
type StepFailedError struct {
	StepID string
	Cause  error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Cause)
}

func (e *StepFailedError) Unwrap() error { return e.Cause }
