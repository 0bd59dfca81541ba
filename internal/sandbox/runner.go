package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"machinist/internal/config"
	"machinist/internal/logging"
	"machinist/internal/tool"
)

// Runner spawns sandbox children. Safe for concurrent use: every
// invocation is an independent process with its own limits and scratch
// directory; the only shared state is the optional concurrency cap.
type Runner struct {
	scratchRoot string
	wallFactor  int
	wallGrace   time.Duration
	sem         *semaphore.Weighted
}

// NewRunner builds a Runner from config.
func NewRunner(cfg config.SandboxConfig, grace time.Duration) *Runner {
	r := &Runner{
		scratchRoot: cfg.ScratchRoot,
		wallFactor:  cfg.WallClockFactor,
		wallGrace:   grace,
	}
	if r.wallFactor <= 0 {
		r.wallFactor = 2
	}
	if r.wallGrace <= 0 {
		r.wallGrace = 5 * time.Second
	}
	if cfg.MaxConcurrent > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return r
}

// Run executes one sandboxed invocation and classifies its fate. The
// Outcome is returned alongside typed errors so callers can still see
// captured output after a violation.
func (r *Runner) Run(ctx context.Context, req Request) (*Outcome, error) {
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("sandbox slot wait cancelled: %w", err)
		}
		defer r.sem.Release(1)
	}

	if req.Source == "" && req.ArtifactPath != "" {
		raw, err := os.ReadFile(req.ArtifactPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact: %w", err)
		}
		req.Source = string(raw)
	}
	if req.Source == "" {
		return nil, fmt.Errorf("sandbox request has no source")
	}

	scratch, err := r.makeScratch()
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	wall := time.Duration(r.wallFactor)*req.Policy.CPUTime() + r.wallGrace
	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own binary: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sandbox request: %w", err)
	}

	cmd := exec.CommandContext(runCtx, exe, ChildCommand)
	cmd.Dir = scratch
	// Minimal environment: the marker for ChildHook plus scratch-rooted
	// temp and home. No inherited credentials or proxies.
	cmd.Env = []string{
		childEnvVar + "=1",
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureChildProcess(cmd)

	timer := logging.StartTimer(logging.CategorySandbox, fmt.Sprintf("sandbox %s", req.Mode))
	runErr := cmd.Run()
	wallUsed := timer.Stop()

	cpu, maxRSS := childRusage(cmd)
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	outcome := &Outcome{
		Mode:     req.Mode,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Usage: tool.ResourceUsage{
			Wall:   wallUsed,
			CPU:    time.Duration(cpu),
			MaxRSS: maxRSS,
		},
		ScratchFiles: listScratch(scratch),
	}
	outcome.Usage.ScratchOut = len(outcome.ScratchFiles)

	if err := r.classify(ctx, runCtx, cmd, runErr, outcome, req.Policy); err != nil {
		logging.SandboxWarn("sandbox %s: %v", req.Mode, err)
		return outcome, err
	}

	var result Result
	if err := json.Unmarshal([]byte(outcome.Stdout), &result); err != nil {
		return outcome, &ExecutionFailedError{
			ExitCode: outcome.ExitCode,
			Stderr:   fmt.Sprintf("child produced unparseable result: %v", err),
		}
	}
	outcome.Result = &result
	return outcome, nil
}

// classify maps the child's exit state onto the error taxonomy. Order
// matters: caller cancellation beats deadline, limits beat generic
// failure.
func (r *Runner) classify(ctx, runCtx context.Context, cmd *exec.Cmd, runErr error, outcome *Outcome, policy tool.SecurityPolicy) error {
	if ctx.Err() != nil {
		return fmt.Errorf("sandboxed execution cancelled: %w", ctx.Err())
	}

	if killedByCPULimit(cmd) {
		return &ResourceExceededError{Kind: LimitCPU, Detail: "SIGXCPU delivered at CPU ceiling"}
	}
	if policy.CPUSeconds > 0 && outcome.Usage.CPU >= policy.CPUTime() {
		return &ResourceExceededError{
			Kind:   LimitCPU,
			Detail: fmt.Sprintf("consumed %v of %v allowed", outcome.Usage.CPU.Round(time.Millisecond), policy.CPUTime()),
		}
	}
	if oomStderr(outcome.Stderr) {
		return &ResourceExceededError{Kind: LimitMemory, Detail: "allocation failed at memory ceiling"}
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		// Wall-clock timeout counts as a CPU ceiling breach: either the
		// tool is spinning outside rusage accounting or it is blocked
		// forever, and both get the same deterministic kill.
		return &ResourceExceededError{Kind: LimitCPU, Detail: "wall-clock deadline exceeded"}
	}

	if runErr == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if cpuExhausted(cmd, outcome, policy) {
			return &ResourceExceededError{
				Kind:   LimitCPU,
				Detail: fmt.Sprintf("killed with %v consumed of %v allowed", outcome.Usage.CPU.Round(time.Millisecond), policy.CPUTime()),
			}
		}
		if killedBySignal(cmd) && policy.MemoryBytes > 0 && outcome.Usage.MaxRSS >= policy.MemoryBytes*9/10 {
			return &ResourceExceededError{Kind: LimitMemory, Detail: "killed with resident set at memory ceiling"}
		}
		return &ExecutionFailedError{ExitCode: outcome.ExitCode, Stderr: outcome.Stderr}
	}
	return fmt.Errorf("failed to run sandbox child: %w", runErr)
}

// cpuExhausted recognizes a CPU-ceiling death the kernel did not label
// with a plain SIGXCPU exit. The Go runtime intercepts SIGXCPU and
// crashes, so the wait status carries a different signal while rusage
// sits at the ceiling; rusage itself can round just under the limit.
func cpuExhausted(cmd *exec.Cmd, outcome *Outcome, policy tool.SecurityPolicy) bool {
	if policy.CPUSeconds <= 0 {
		return false
	}
	if strings.Contains(outcome.Stderr, "SIGXCPU") {
		return true
	}
	if _, signaled := exitSignal(cmd); !signaled {
		return false
	}
	return outcome.Usage.CPU >= policy.CPUTime()*9/10
}

// oomStderr recognizes the Go runtime's out-of-memory death rattles.
func oomStderr(stderr string) bool {
	for _, sig := range []string{
		"runtime: out of memory",
		"fatal error: out of memory",
		"cannot allocate memory",
		"runtime: VirtualAlloc",
	} {
		if strings.Contains(stderr, sig) {
			return true
		}
	}
	return false
}

func (r *Runner) makeScratch() (string, error) {
	root := r.scratchRoot
	if root == "" {
		root = os.TempDir()
	}
	scratch := filepath.Join(root, "machinist-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return scratch, nil
}

func listScratch(dir string) []string {
	var names []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(dir, path); err == nil {
			names = append(names, rel)
		}
		return nil
	})
	sort.Strings(names)
	return names
}
