// Package lifecycle drives a tool from goal to promoted registry entry:
// spec, code and tests are generated by the LLM collaborator, validated
// in the sandbox, checked against the capability policy, and finally
// promoted. The state machine is strictly forward; the only loop is the
// bounded retry of a generative phase whose output did not parse.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"machinist/internal/config"
	"machinist/internal/llm"
	"machinist/internal/logging"
	"machinist/internal/parsing"
	"machinist/internal/policy"
	"machinist/internal/registry"
	"machinist/internal/tool"
)

// State names one lifecycle state.
type State string

const (
	StateDrafting    State = "drafting"
	StateImplemented State = "implemented"
	StateTested      State = "tested"
	StateValidated   State = "validated"
	StatePromoted    State = "promoted"
	StateRejected    State = "rejected"
)

// RejectReason classifies why a run ended Rejected.
type RejectReason string

const (
	ReasonGeneration RejectReason = "generation"
	ReasonValidation RejectReason = "validation"
	ReasonPolicy     RejectReason = "policy"
	ReasonDependency RejectReason = "dependency"
)

// RejectedError is the terminal error of a rejected run. The reason
// says which gate said no; Result and Report carry the evidence for
// validation and policy rejections respectively.
type RejectedError struct {
	Tool   string
	Reason RejectReason
	Result *tool.ValidationResult
	Report *policy.Report
	Cause  error
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("tool %s rejected (%s)", e.Tool, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RejectedError) Unwrap() error { return e.Cause }

// Validator is the validation gate dependency.
type Validator interface {
	Validate(ctx context.Context, spec tool.Spec, artifact tool.Artifact, tests tool.TestSuite, secPolicy tool.SecurityPolicy) (tool.ValidationResult, error)
}

// CapabilityGate is the promotion policy dependency.
type CapabilityGate interface {
	Check(ctx context.Context, spec tool.Spec, source string, secPolicy tool.SecurityPolicy) (*policy.Report, error)
}

// Store is the registry slice promotion writes through.
type Store interface {
	Put(entry tool.Entry, artifactSource, testSource string) error
	Resolve(toolName string, ids []string) error
}

// Embedder computes the description embedding cached on the promoted
// entry. Nil is allowed; search then falls back to keywords.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Seed pre-fills generative phases of a run. A non-nil Spec skips
// drafting; a non-empty Artifact skips implementation; a non-empty
// Tests skips test generation. Used by the foundry's repair pass.
type Seed struct {
	Spec     *tool.Spec
	Artifact string
	Tests    string
}

// Run is the full record of one lifecycle run, returned alongside the
// error so callers can inspect rejected runs.
type Run struct {
	State    State
	Spec     tool.Spec
	Artifact tool.Artifact
	Tests    tool.TestSuite
	Result   tool.ValidationResult
	Entry    *tool.Entry
}

// Machine executes lifecycle runs. Safe for concurrent use; each run
// keeps its own state on the stack.
type Machine struct {
	client    llm.Client
	validator Validator
	gate      CapabilityGate
	store     Store
	embedder  Embedder
	cfg       config.LifecycleConfig
	policy    tool.SecurityPolicy
}

// NewMachine wires a lifecycle machine. The security policy is the
// default envelope applied to every run.
func NewMachine(client llm.Client, validator Validator, gate CapabilityGate, store Store, embedder Embedder, cfg config.LifecycleConfig, secPolicy tool.SecurityPolicy) *Machine {
	return &Machine{
		client:    client,
		validator: validator,
		gate:      gate,
		store:     store,
		embedder:  embedder,
		cfg:       cfg,
		policy:    secPolicy,
	}
}

// Execute runs the lifecycle for one goal. On success the returned Run
// is in StatePromoted with Entry set; a rejection returns the partial
// Run plus a *RejectedError. Other errors are infrastructure failures
// or cancellation.
func (m *Machine) Execute(ctx context.Context, goal string, seed Seed) (*Run, error) {
	timer := logging.StartTimer(logging.CategoryLifecycle, "lifecycle "+firstLine(goal))
	defer timer.Stop()

	run := &Run{State: StateDrafting}
	provenance := tool.Provenance{}

	// Drafting: obtain the spec.
	if seed.Spec != nil {
		run.Spec = *seed.Spec
	} else {
		_, err := m.generate(ctx, "spec", specSystem, specPrompt(goal), func(reply string) (string, error) {
			payload, err := parsing.ExtractJSON(reply)
			if err != nil {
				return "", err
			}
			spec, err := parsing.ParseSpec(payload)
			if err != nil {
				return "", err
			}
			run.Spec = spec
			return payload, nil
		})
		if err != nil {
			return run, m.reject(run, ReasonGeneration, err)
		}
		provenance["spec"] = m.stamp()
	}
	run.State = StateImplemented
	logging.LifecycleDebug("spec ready for %s (entry %s)", run.Spec.Name, run.Spec.EntryPoint())

	secPolicy := m.policyFor(run.Spec)

	// Implemented: obtain the artifact.
	if seed.Artifact != "" {
		run.Artifact = tool.Artifact{Source: seed.Artifact}
	} else {
		source, err := m.generate(ctx, "code", codeSystem, codePrompt(run.Spec, secPolicy), func(reply string) (string, error) {
			code, err := parsing.ExtractFencedCode(reply)
			if err != nil {
				return "", err
			}
			return parsing.ParseArtifact(code, run.Spec.EntryPoint())
		})
		if err != nil {
			return run, m.reject(run, ReasonGeneration, err)
		}
		run.Artifact = tool.Artifact{Source: source}
		provenance["code"] = m.stamp()
	}
	run.State = StateTested

	// Tested: obtain the test suite.
	if seed.Tests != "" {
		run.Tests = tool.TestSuite{Source: seed.Tests}
	} else {
		source, err := m.generate(ctx, "tests", testSystem, testPrompt(run.Spec, run.Artifact.Source), func(reply string) (string, error) {
			code, err := parsing.ExtractFencedCode(reply)
			if err != nil {
				return "", err
			}
			normalized, names, err := parsing.ParseTests(code)
			if err != nil {
				return "", err
			}
			if len(names) == 0 {
				return "", fmt.Errorf("test suite declares no Test functions")
			}
			return normalized, nil
		})
		if err != nil {
			return run, m.reject(run, ReasonGeneration, err)
		}
		run.Tests = tool.TestSuite{Source: source}
		provenance["tests"] = m.stamp()
	}

	// Validated: sandbox the artifact against its tests.
	result, err := m.validator.Validate(ctx, run.Spec, run.Artifact, run.Tests, secPolicy)
	if err != nil {
		return run, fmt.Errorf("validation could not run for %s: %w", run.Spec.Name, err)
	}
	run.Result = result
	run.State = StateValidated
	if !result.Pass() {
		return run, m.reject(run, ReasonValidation, fmt.Errorf("%d diagnostic(s)", len(result.Diagnostics)))
	}

	// Gate order past Validated: policy, dependencies, then the single
	// durable effect.
	report, err := m.gate.Check(ctx, run.Spec, run.Artifact.Source, secPolicy)
	if err != nil {
		return run, fmt.Errorf("capability check could not run for %s: %w", run.Spec.Name, err)
	}
	if !report.Allowed {
		rej := m.reject(run, ReasonPolicy, &policy.ViolationError{Tool: run.Spec.Name, Report: report})
		rej.Report = report
		return run, rej
	}

	if err := m.store.Resolve(run.Spec.Name, run.Spec.Dependencies); err != nil {
		return run, m.reject(run, ReasonDependency, err)
	}

	entry := tool.Entry{
		ID:           tool.EntryID(run.Spec, run.Artifact.Source),
		Name:         run.Spec.Name,
		Spec:         run.Spec,
		Result:       result,
		Dependencies: run.Spec.Dependencies,
		Policy:       secPolicy,
		Capabilities: run.Spec.Capabilities,
		Provenance:   provenance,
		PromotedAt:   time.Now().UTC(),
	}
	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, entry.SearchText())
		if err != nil {
			if ctx.Err() != nil {
				return run, fmt.Errorf("promotion cancelled: %w", ctx.Err())
			}
			logging.LifecycleWarn("embedding failed for %s, promoting without: %v", entry.Name, err)
		} else {
			entry.Embedding = vec
		}
	}

	if err := m.store.Put(entry, run.Artifact.Source, run.Tests.Source); err != nil {
		var dep *registry.DependencyError
		if errors.As(err, &dep) {
			return run, m.reject(run, ReasonDependency, err)
		}
		return run, fmt.Errorf("promotion failed for %s: %w", entry.Name, err)
	}

	run.Entry = &entry
	run.State = StatePromoted
	logging.Lifecycle("promoted %s as %s (coverage %.1f%%)", entry.Name, entry.ID, result.Coverage)
	return run, nil
}

// generate calls the collaborator for one phase and pushes the reply
// through the parse gate, retrying malformed output up to the
// configured bound. Only parse failures retry; transport failures and
// cancellation surface immediately as GenerationError.
func (m *Machine) generate(ctx context.Context, phase, system, prompt string, accept func(string) (string, error)) (string, error) {
	attempts := m.cfg.MaxGenerationRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", &llm.GenerationError{Phase: phase, Detail: "cancelled", Cause: err}
		}

		reply, err := m.client.CompleteWithSystem(ctx, system, prompt)
		if err != nil {
			return "", &llm.GenerationError{Phase: phase, Detail: "collaborator call failed", Cause: err}
		}

		out, err := accept(reply)
		if err == nil {
			return out, nil
		}
		lastErr = err
		logging.LifecycleWarn("%s phase attempt %d/%d produced unusable output: %v", phase, attempt, attempts, err)
	}
	return "", &llm.GenerationError{
		Phase:  phase,
		Detail: fmt.Sprintf("no conforming output after %d attempt(s)", attempts),
		Cause:  lastErr,
	}
}

func (m *Machine) reject(run *Run, reason RejectReason, cause error) *RejectedError {
	run.State = StateRejected
	name := run.Spec.Name
	if name == "" {
		name = "(unnamed)"
	}
	rej := &RejectedError{Tool: name, Reason: reason, Cause: cause}
	if reason == ReasonValidation {
		result := run.Result
		rej.Result = &result
	}
	logging.Lifecycle("rejected %s: %s", name, reason)
	return rej
}

// policyFor extends the default envelope with the spec's declared
// imports. The sandbox still intersects them with its permissible set.
func (m *Machine) policyFor(spec tool.Spec) tool.SecurityPolicy {
	p := m.policy
	p.AllowedImports = append(append([]string{}, p.AllowedImports...), spec.Imports...)
	return p
}

func (m *Machine) stamp() tool.ModelStamp {
	return tool.ModelStamp{Model: m.client.Model(), At: time.Now().UTC()}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 60 {
		s = s[:60]
	}
	return s
}
