// Package sandbox executes untrusted tool code in an isolated child
// process. The parent re-executes its own binary as a hidden child
// command, hands it a JSON request on stdin, and enforces a wall-clock
// deadline; the child applies POSIX resource limits to itself, chdirs
// into a per-invocation scratch directory, and interprets the code under
// a symbol-gated interpreter that never exposes network, exec or syscall
// surfaces. Results come back as JSON on stdout; stderr is reserved for
// crash output used in outcome classification.
package sandbox

import (
	"machinist/internal/tool"
)

// ChildCommand is the hidden argv[1] that marks a process as a sandbox
// child. The CLI registers it as a hidden subcommand; test binaries
// intercept it through ChildHook in TestMain.
const ChildCommand = "sandbox-child"

// childEnvVar marks spawned children so ChildHook can recognize them
// regardless of the hosting binary.
const childEnvVar = "MACHINIST_SANDBOX_CHILD"

// CoverCountFunc is the function an instrumented artifact must declare;
// in ModeCover the child calls it after the tests to read how many
// instrumented blocks were reached.
const CoverCountFunc = "MachCoverCount"

// Mode selects what the child does with the artifact.
type Mode string

const (
	// ModeExec interprets the artifact and calls its entry point once.
	ModeExec Mode = "exec"
	// ModeLint parses the artifact and reports static findings.
	ModeLint Mode = "lint"
	// ModeTest interprets artifact plus tests and runs each test.
	ModeTest Mode = "test"
	// ModeCover is ModeTest over an instrumented artifact, reporting
	// how many instrumented blocks the tests reached.
	ModeCover Mode = "cover"
)

// Request describes one sandboxed invocation.
type Request struct {
	Mode Mode `json:"mode"`

	// ArtifactPath names the artifact on disk; the parent loads it into
	// Source before spawning so the child never reads outside scratch.
	ArtifactPath string `json:"-"`
	Source       string `json:"source"`

	// EntryPoint and ArgsJSON drive ModeExec: the entry function
	// func(string) (string, error) is called with the JSON-encoded args.
	EntryPoint string `json:"entry_point,omitempty"`
	ArgsJSON   string `json:"args_json,omitempty"`

	// TestSource and TestNames drive ModeTest and ModeCover.
	TestSource string   `json:"test_source,omitempty"`
	TestNames  []string `json:"test_names,omitempty"`

	Policy tool.SecurityPolicy `json:"policy"`
}

// LintFinding is one static check result from ModeLint.
type LintFinding struct {
	Pos     string `json:"pos,omitempty"`
	Message string `json:"message"`
}

// TestVerdict is the outcome of one test function.
type TestVerdict struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Result is the child's in-band reply. Tool-level failures (a returned
// error, a failing test, a lint finding) live here with exit code zero;
// only infrastructure failures exit non-zero.
type Result struct {
	Output    string        `json:"output,omitempty"`
	Err       string        `json:"error,omitempty"`
	Lint      []LintFinding `json:"lint,omitempty"`
	Tests     []TestVerdict `json:"tests,omitempty"`
	CoverHits int           `json:"cover_hits,omitempty"`
}

// Outcome is everything the parent observed about one invocation.
type Outcome struct {
	Mode     Mode
	ExitCode int
	Stdout   string
	Stderr   string

	// Result is the decoded child reply; nil when the child died before
	// writing one.
	Result *Result

	Usage tool.ResourceUsage

	// ScratchFiles lists files the tool left in its scratch directory,
	// relative paths, recorded before the directory is discarded.
	ScratchFiles []string
}
