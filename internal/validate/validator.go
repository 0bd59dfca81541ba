// Package validate orchestrates the validation gate: static lint, test
// execution and a coverage pass, all inside the sandbox. The output is
// an immutable ValidationResult; re-validating produces a new one.
package validate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"machinist/internal/config"
	"machinist/internal/logging"
	"machinist/internal/parsing"
	"machinist/internal/sandbox"
	"machinist/internal/tool"
)

// Runner is the sandbox dependency; satisfied by *sandbox.Runner and by
// test fakes.
type Runner interface {
	Run(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error)
}

// Validator runs the configured phases in order.
type Validator struct {
	runner Runner
	cfg    config.ValidationConfig
}

// New builds a Validator.
func New(runner Runner, cfg config.ValidationConfig) *Validator {
	return &Validator{runner: runner, cfg: cfg}
}

// Validate checks an artifact and its test suite under a security
// policy. Sandbox violations in any phase force a fail verdict and end
// the run; remaining phases are recorded as not run. Only cancellation
// and infrastructure failures return an error.
func (v *Validator) Validate(ctx context.Context, spec tool.Spec, artifact tool.Artifact, tests tool.TestSuite, secPolicy tool.SecurityPolicy) (tool.ValidationResult, error) {
	timer := logging.StartTimer(logging.CategoryValidate, "validate "+spec.Name)
	defer timer.Stop()

	result := tool.ValidationResult{
		Verdict:    tool.VerdictPass,
		PolicyHash: secPolicy.Hash(),
		CreatedAt:  time.Now().UTC(),
	}

	testSource, testNames, err := parsing.ParseTests(tests.Source)
	if err != nil {
		return result, fmt.Errorf("test suite is malformed: %w", err)
	}

	violated := false

	// Phase 1: lint.
	if v.cfg.SkipLint {
		result.Phases = append(result.Phases, tool.PhaseReport{Phase: tool.PhaseLint})
	} else {
		violated, err = v.runPhase(ctx, &result, tool.PhaseLint, sandbox.Request{
			Mode:   sandbox.ModeLint,
			Source: artifact.Source,
			Policy: secPolicy,
		}, func(res *sandbox.Result) []tool.Diagnostic {
			var diags []tool.Diagnostic
			for _, finding := range res.Lint {
				detail := finding.Message
				if finding.Pos != "" {
					detail = finding.Pos + ": " + detail
				}
				diags = append(diags, tool.Diagnostic{
					Kind:   tool.DiagLintFinding,
					Phase:  tool.PhaseLint,
					Detail: detail,
				})
			}
			return diags
		})
		if err != nil {
			return result, err
		}
	}

	// Phase 2: tests.
	if v.cfg.SkipTests || violated {
		result.Phases = append(result.Phases, tool.PhaseReport{Phase: tool.PhaseTest})
	} else {
		violated, err = v.runPhase(ctx, &result, tool.PhaseTest, sandbox.Request{
			Mode:       sandbox.ModeTest,
			Source:     artifact.Source,
			TestSource: testSource,
			TestNames:  testNames,
			Policy:     secPolicy,
		}, func(res *sandbox.Result) []tool.Diagnostic {
			return testDiagnostics(res, tool.PhaseTest)
		})
		if err != nil {
			return result, err
		}
	}

	// Phase 3: coverage, a re-run of the tests against an instrumented
	// artifact.
	if v.cfg.SkipCoverage || violated {
		result.Phases = append(result.Phases, tool.PhaseReport{Phase: tool.PhaseCoverage})
	} else {
		instrumented, blocks, err := Instrument(artifact.Source)
		if err != nil {
			return result, err
		}
		if blocks == 0 {
			blocks = 1
		}
		_, err = v.runPhase(ctx, &result, tool.PhaseCoverage, sandbox.Request{
			Mode:       sandbox.ModeCover,
			Source:     instrumented,
			TestSource: testSource,
			TestNames:  testNames,
			Policy:     secPolicy,
		}, func(res *sandbox.Result) []tool.Diagnostic {
			result.Coverage = 100 * float64(res.CoverHits) / float64(blocks)
			if result.Coverage+1e-9 < v.cfg.CoverageThreshold {
				return []tool.Diagnostic{{
					Kind:  tool.DiagCoverageThreshold,
					Phase: tool.PhaseCoverage,
					Detail: fmt.Sprintf("coverage %.1f%% is below the %.1f%% threshold",
						result.Coverage, v.cfg.CoverageThreshold),
				}}
			}
			return nil
		})
		if err != nil {
			return result, err
		}
	}

	if len(result.Diagnostics) > 0 {
		result.Verdict = tool.VerdictFail
	}
	logging.Validate("validated %s: %s (%d diagnostics, coverage %.1f%%)",
		spec.Name, result.Verdict, len(result.Diagnostics), result.Coverage)
	return result, nil
}

// runPhase executes one sandbox phase and folds its outcome into the
// result. The bool reports whether a sandbox violation ended the run.
func (v *Validator) runPhase(ctx context.Context, result *tool.ValidationResult, phase tool.Phase, req sandbox.Request, interpret func(*sandbox.Result) []tool.Diagnostic) (bool, error) {
	outcome, err := v.runner.Run(ctx, req)
	if outcome != nil {
		result.Usage.Wall += outcome.Usage.Wall
		result.Usage.CPU += outcome.Usage.CPU
		if outcome.Usage.MaxRSS > result.Usage.MaxRSS {
			result.Usage.MaxRSS = outcome.Usage.MaxRSS
		}
		result.Usage.ScratchOut += outcome.Usage.ScratchOut
	}

	if err != nil {
		if sandboxViolation(err) {
			result.Diagnostics = append(result.Diagnostics, tool.Diagnostic{
				Kind:   tool.DiagSandboxViolation,
				Phase:  phase,
				Detail: err.Error(),
			})
			result.Phases = append(result.Phases, tool.PhaseReport{Phase: phase, Ran: true, Detail: err.Error()})
			result.Verdict = tool.VerdictFail
			return true, nil
		}
		return false, fmt.Errorf("%s phase failed to run: %w", phase, err)
	}

	diags := interpret(outcome.Result)
	result.Diagnostics = append(result.Diagnostics, diags...)
	result.Phases = append(result.Phases, tool.PhaseReport{
		Phase:  phase,
		Ran:    true,
		Passed: len(diags) == 0,
	})
	return false, nil
}

// sandboxViolation reports whether err is a limit breach or execution
// failure, as opposed to cancellation or infrastructure trouble.
func sandboxViolation(err error) bool {
	var limit *sandbox.ResourceExceededError
	var execFail *sandbox.ExecutionFailedError
	if errors.As(err, &limit) || errors.As(err, &execFail) {
		return true
	}
	return false
}

func testDiagnostics(res *sandbox.Result, phase tool.Phase) []tool.Diagnostic {
	var diags []tool.Diagnostic
	for _, verdict := range res.Tests {
		if verdict.Passed {
			continue
		}
		diags = append(diags, tool.Diagnostic{
			Kind:   tool.DiagTestFailure,
			Phase:  phase,
			Test:   verdict.Name,
			Detail: verdict.Detail,
		})
	}
	return diags
}
