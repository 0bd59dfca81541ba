package validate

import (
	"context"
	"fmt"
	"testing"

	"machinist/internal/config"
	"machinist/internal/sandbox"
	"machinist/internal/tool"
)

// fakeRunner scripts sandbox outcomes per mode.
type fakeRunner struct {
	outcomes map[sandbox.Mode]*sandbox.Outcome
	errs     map[sandbox.Mode]error
	calls    []sandbox.Mode
}

func (f *fakeRunner) Run(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
	f.calls = append(f.calls, req.Mode)
	if err := f.errs[req.Mode]; err != nil {
		return nil, err
	}
	if outcome, ok := f.outcomes[req.Mode]; ok {
		return outcome, nil
	}
	return &sandbox.Outcome{Mode: req.Mode, Result: &sandbox.Result{}}, nil
}

var testSpec = tool.Spec{Name: "square", Goal: "square a number"}

var testArtifact = tool.Artifact{Source: `package main

func square(input string) (string, error) {
	return input, nil
}
`}

var testSuite = tool.TestSuite{Source: `package main

func TestSquare() error {
	return nil
}
`}

func newValidator(runner Runner, cfg config.ValidationConfig) *Validator {
	if cfg.CoverageThreshold == 0 {
		cfg.CoverageThreshold = 70
	}
	return New(runner, cfg)
}

func TestValidateAllPhasesPass(t *testing.T) {
	runner := &fakeRunner{outcomes: map[sandbox.Mode]*sandbox.Outcome{
		sandbox.ModeTest: {Result: &sandbox.Result{Tests: []sandbox.TestVerdict{{Name: "TestSquare", Passed: true}}}},
		sandbox.ModeCover: {Result: &sandbox.Result{
			Tests:     []sandbox.TestVerdict{{Name: "TestSquare", Passed: true}},
			CoverHits: 1,
		}},
	}}

	result, err := newValidator(runner, config.ValidationConfig{}).Validate(
		context.Background(), testSpec, testArtifact, testSuite, tool.SecurityPolicy{})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Pass() {
		t.Fatalf("verdict = %s, diagnostics = %v", result.Verdict, result.Diagnostics)
	}
	if len(result.Phases) != 3 {
		t.Fatalf("got %d phase reports, want 3", len(result.Phases))
	}
	for _, phase := range result.Phases {
		if !phase.Ran || !phase.Passed {
			t.Errorf("phase %s: ran=%t passed=%t", phase.Phase, phase.Ran, phase.Passed)
		}
	}
	if result.Coverage != 100 {
		t.Errorf("coverage = %.1f, want 100 (1 hit of 1 block)", result.Coverage)
	}
}

func TestValidateTestFailureDiagnostics(t *testing.T) {
	runner := &fakeRunner{outcomes: map[sandbox.Mode]*sandbox.Outcome{
		sandbox.ModeTest: {Result: &sandbox.Result{Tests: []sandbox.TestVerdict{
			{Name: "TestSquare", Passed: false, Detail: "got 24"},
		}}},
		sandbox.ModeCover: {Result: &sandbox.Result{CoverHits: 1}},
	}}

	result, err := newValidator(runner, config.ValidationConfig{}).Validate(
		context.Background(), testSpec, testArtifact, testSuite, tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Pass() {
		t.Fatal("expected fail verdict")
	}
	failed := result.FailedTests()
	if len(failed) != 1 || failed[0] != "TestSquare" {
		t.Errorf("FailedTests = %v", failed)
	}
}

func TestValidateLintFindingsFailVerdict(t *testing.T) {
	runner := &fakeRunner{outcomes: map[sandbox.Mode]*sandbox.Outcome{
		sandbox.ModeLint: {Result: &sandbox.Result{Lint: []sandbox.LintFinding{
			{Pos: "tool.go:3:2", Message: "panic is not permitted"},
		}}},
		sandbox.ModeCover: {Result: &sandbox.Result{CoverHits: 1}},
	}}

	result, err := newValidator(runner, config.ValidationConfig{}).Validate(
		context.Background(), testSpec, testArtifact, testSuite, tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Pass() {
		t.Fatal("expected fail verdict")
	}
	if result.Diagnostics[0].Kind != tool.DiagLintFinding {
		t.Errorf("Kind = %s", result.Diagnostics[0].Kind)
	}
	if result.Diagnostics[0].Detail != "tool.go:3:2: panic is not permitted" {
		t.Errorf("Detail = %q", result.Diagnostics[0].Detail)
	}
}

func TestValidateSandboxViolationStopsRun(t *testing.T) {
	runner := &fakeRunner{errs: map[sandbox.Mode]error{
		sandbox.ModeTest: &sandbox.ResourceExceededError{Kind: sandbox.LimitMemory},
	}}

	result, err := newValidator(runner, config.ValidationConfig{}).Validate(
		context.Background(), testSpec, testArtifact, testSuite, tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Pass() {
		t.Fatal("expected fail verdict")
	}
	if !result.HasViolation() {
		t.Error("violation diagnostic missing")
	}
	// The coverage phase must be recorded as not run, not omitted.
	var coverage *tool.PhaseReport
	for i := range result.Phases {
		if result.Phases[i].Phase == tool.PhaseCoverage {
			coverage = &result.Phases[i]
		}
	}
	if coverage == nil {
		t.Fatal("coverage phase not recorded")
	}
	if coverage.Ran {
		t.Error("coverage should not run after a violation")
	}
	for _, mode := range runner.calls {
		if mode == sandbox.ModeCover {
			t.Error("cover mode dispatched after violation")
		}
	}
}

func TestValidateCoverageThreshold(t *testing.T) {
	// Artifact with two blocks; one hit => 50% under a 70% threshold.
	artifact := tool.Artifact{Source: `package main

func square(input string) (string, error) {
	if input == "" {
		return "", nil
	}
	return input, nil
}
`}
	runner := &fakeRunner{outcomes: map[sandbox.Mode]*sandbox.Outcome{
		sandbox.ModeTest:  {Result: &sandbox.Result{Tests: []sandbox.TestVerdict{{Name: "TestSquare", Passed: true}}}},
		sandbox.ModeCover: {Result: &sandbox.Result{CoverHits: 1}},
	}}

	result, err := newValidator(runner, config.ValidationConfig{}).Validate(
		context.Background(), testSpec, artifact, testSuite, tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Pass() {
		t.Fatal("expected fail verdict below threshold")
	}
	if result.Coverage != 50 {
		t.Errorf("coverage = %.1f, want 50", result.Coverage)
	}
	if result.Diagnostics[0].Kind != tool.DiagCoverageThreshold {
		t.Errorf("Kind = %s, want coverage diagnostic", result.Diagnostics[0].Kind)
	}
}

func TestValidateSkippedPhasesRecorded(t *testing.T) {
	runner := &fakeRunner{outcomes: map[sandbox.Mode]*sandbox.Outcome{
		sandbox.ModeTest: {Result: &sandbox.Result{Tests: []sandbox.TestVerdict{{Name: "TestSquare", Passed: true}}}},
	}}

	result, err := newValidator(runner, config.ValidationConfig{
		SkipLint:     true,
		SkipCoverage: true,
	}).Validate(context.Background(), testSpec, testArtifact, testSuite, tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Pass() {
		t.Fatalf("verdict = %s", result.Verdict)
	}
	if len(result.Phases) != 3 {
		t.Fatalf("got %d phase reports, want 3 (skips recorded)", len(result.Phases))
	}
	if result.Phases[0].Ran || result.Phases[2].Ran {
		t.Error("skipped phases must be recorded with Ran=false")
	}
	if !result.Phases[1].Ran {
		t.Error("test phase should have run")
	}
}

func TestValidateInfrastructureErrorPropagates(t *testing.T) {
	runner := &fakeRunner{errs: map[sandbox.Mode]error{
		sandbox.ModeLint: fmt.Errorf("sandbox spawn failed"),
	}}

	_, err := newValidator(runner, config.ValidationConfig{}).Validate(
		context.Background(), testSpec, testArtifact, testSuite, tool.SecurityPolicy{})
	if err == nil {
		t.Fatal("expected infrastructure error to propagate")
	}
}

func TestValidateUsageAggregation(t *testing.T) {
	runner := &fakeRunner{outcomes: map[sandbox.Mode]*sandbox.Outcome{
		sandbox.ModeLint: {Result: &sandbox.Result{}, Usage: tool.ResourceUsage{MaxRSS: 100}},
		sandbox.ModeTest: {
			Result: &sandbox.Result{Tests: []sandbox.TestVerdict{{Name: "TestSquare", Passed: true}}},
			Usage:  tool.ResourceUsage{MaxRSS: 300},
		},
		sandbox.ModeCover: {Result: &sandbox.Result{CoverHits: 1}, Usage: tool.ResourceUsage{MaxRSS: 200}},
	}}

	result, err := newValidator(runner, config.ValidationConfig{}).Validate(
		context.Background(), testSpec, testArtifact, testSuite, tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Usage.MaxRSS != 300 {
		t.Errorf("MaxRSS = %d, want max across phases", result.Usage.MaxRSS)
	}
}
