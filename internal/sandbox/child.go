package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"machinist/internal/logging"
)

// ChildHook turns the current process into a sandbox child when it was
// spawned as one. The CLI reaches ChildMain through its hidden
// subcommand; test binaries call ChildHook first thing in TestMain so
// the re-exec trick works there too.
func ChildHook() {
	if os.Getenv(childEnvVar) != "1" {
		return
	}
	os.Exit(ChildMain(os.Stdin, os.Stdout, os.Stderr))
}

// ChildMain is the sandbox child entry point: read one request from
// stdin, cage itself, execute, write one result to stdout. The returned
// value is the process exit code.
func ChildMain(stdin io.Reader, stdout, stderr io.Writer) int {
	logging.Nop()

	var req Request
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		fmt.Fprintf(stderr, "sandbox child: bad request: %v\n", err)
		return 3
	}

	// Limits first: nothing below this line runs uncaged. The scratch
	// directory is the working directory, prepared by the parent.
	if err := applyResourceLimits(req.Policy); err != nil {
		fmt.Fprintf(stderr, "sandbox child: failed to apply limits: %v\n", err)
		return 3
	}

	result, err := executeRequest(req)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	if err := json.NewEncoder(stdout).Encode(result); err != nil {
		fmt.Fprintf(stderr, "sandbox child: failed to encode result: %v\n", err)
		return 3
	}
	return 0
}

// executeRequest runs one request inside the already-caged child.
// Returned errors become a non-zero exit, classified by the parent as
// ExecutionFailed.
func executeRequest(req Request) (*Result, error) {
	if req.Mode == ModeLint {
		return &Result{Lint: lintSource(req.Source, req.Policy)}, nil
	}

	allowed := allowedImports(req.Policy)
	if err := validateImports(req.Source, allowed); err != nil {
		return nil, fmt.Errorf("artifact rejected: %w", err)
	}

	scratch, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("scratch directory unavailable: %w", err)
	}

	i, err := newInterpreter(scratch)
	if err != nil {
		return nil, err
	}

	if _, err := i.Eval(req.Source); err != nil {
		return nil, fmt.Errorf("artifact evaluation failed: %w", err)
	}

	switch req.Mode {
	case ModeExec:
		return execEntry(i, req)
	case ModeTest, ModeCover:
		return runTests(i, req, allowed)
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", req.Mode)
	}
}

// execEntry calls the artifact's entry function with the JSON args.
func execEntry(i evaluator, req Request) (*Result, error) {
	entry, err := i.Eval("main." + req.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("entry point %s not found: %w", req.EntryPoint, err)
	}
	fn, ok := entry.Interface().(func(string) (string, error))
	if !ok {
		return nil, fmt.Errorf("entry point %s is not func(string) (string, error)", req.EntryPoint)
	}

	result := &Result{}
	output, callErr := callGuarded(func() (string, error) { return fn(req.ArgsJSON) })
	result.Output = output
	if callErr != nil {
		result.Err = callErr.Error()
	}
	return result, nil
}

// runTests evaluates the test suite alongside the artifact and runs each
// declared test. A panic inside a test fails that test, not the child.
func runTests(i evaluator, req Request, allowed map[string]bool) (*Result, error) {
	if err := validateImports(req.TestSource, allowed); err != nil {
		return nil, fmt.Errorf("test suite rejected: %w", err)
	}
	// The artifact already pulled its imports into the session; the test
	// suite may only add new ones.
	testSource, err := stripDuplicateImports(req.TestSource, sourceImports(req.Source))
	if err != nil {
		return nil, fmt.Errorf("test suite rejected: %w", err)
	}
	if _, err := i.Eval(testSource); err != nil {
		return nil, fmt.Errorf("test suite evaluation failed: %w", err)
	}

	result := &Result{}
	for _, name := range req.TestNames {
		verdict := TestVerdict{Name: name}
		val, err := i.Eval("main." + name)
		if err != nil {
			verdict.Detail = fmt.Sprintf("test not found: %v", err)
			result.Tests = append(result.Tests, verdict)
			continue
		}
		fn, ok := val.Interface().(func() error)
		if !ok {
			verdict.Detail = "test is not func() error"
			result.Tests = append(result.Tests, verdict)
			continue
		}
		if _, err := callGuarded(func() (string, error) { return "", fn() }); err != nil {
			verdict.Detail = err.Error()
		} else {
			verdict.Passed = true
		}
		result.Tests = append(result.Tests, verdict)
	}

	if req.Mode == ModeCover {
		hits, err := coverHits(i)
		if err != nil {
			return nil, err
		}
		result.CoverHits = hits
	}
	return result, nil
}

// coverHits reads the hit counter the instrumented artifact maintains.
func coverHits(i evaluator) (int, error) {
	val, err := i.Eval("main." + CoverCountFunc)
	if err != nil {
		return 0, fmt.Errorf("instrumented artifact missing %s: %w", CoverCountFunc, err)
	}
	fn, ok := val.Interface().(func() int)
	if !ok {
		return 0, fmt.Errorf("%s is not func() int", CoverCountFunc)
	}
	return fn(), nil
}

// callGuarded invokes fn, converting a panic into an error.
func callGuarded(fn func() (string, error)) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
