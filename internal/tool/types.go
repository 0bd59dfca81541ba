// Package tool defines the shared data model of the foundry: specs,
// artifacts, test suites, validation results, security policies and
// promoted registry entries.
package tool

import (
	"time"
)

// Spec describes a single tool as accepted into the lifecycle. It is
// produced once by the LLM collaborator and is immutable afterwards;
// the entry id is derived from its canonical JSON form.
type Spec struct {
	Name          string            `json:"name"`
	Goal          string            `json:"goal"`
	Signature     string            `json:"signature"`
	Docstring     string            `json:"docstring"`
	Inputs        map[string]string `json:"inputs"`
	Outputs       map[string]string `json:"outputs"`
	FailureModes  []string          `json:"failure_modes"`
	Deterministic bool              `json:"deterministic"`
	Imports       []string          `json:"imports,omitempty"`
	SemanticTags  []string          `json:"semantic_tags,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Dependencies  []string          `json:"dependencies,omitempty"`
}

// EntryPoint is the function name an artifact for this spec must
// declare: func <entry>(input string) (string, error).
func (s Spec) EntryPoint() string { return Slug(s.Name) }

// Artifact is generated source code plus the path where it is persisted.
// Owned by the lifecycle run that created it until promotion.
type Artifact struct {
	Source string `json:"-"`
	Path   string `json:"path"`
}

// TestSuite is generated test code associated with exactly one artifact.
type TestSuite struct {
	Source string `json:"-"`
	Path   string `json:"path"`
}

// Verdict is the overall outcome of a validation run.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Phase names one validation phase.
type Phase string

const (
	PhaseLint     Phase = "lint"
	PhaseTest     Phase = "test"
	PhaseCoverage Phase = "coverage"
)

// DiagnosticKind classifies a validation diagnostic.
type DiagnosticKind string

const (
	DiagLintFinding       DiagnosticKind = "lint_finding"
	DiagTestFailure       DiagnosticKind = "test_failure"
	DiagCoverageThreshold DiagnosticKind = "coverage_below_threshold"
	DiagSandboxViolation  DiagnosticKind = "sandbox_violation"
)

// Diagnostic is one finding attached to a ValidationResult.
type Diagnostic struct {
	Kind   DiagnosticKind `json:"kind"`
	Phase  Phase          `json:"phase"`
	Test   string         `json:"test,omitempty"`
	Detail string         `json:"detail"`
}

// PhaseReport records whether a phase ran and how it ended. Skipped
// phases are recorded with Ran=false, never omitted.
type PhaseReport struct {
	Phase  Phase  `json:"phase"`
	Ran    bool   `json:"ran"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ResourceUsage is what a sandboxed run actually consumed.
type ResourceUsage struct {
	Wall       time.Duration `json:"wall_ns"`
	CPU        time.Duration `json:"cpu_ns"`
	MaxRSS     int64         `json:"max_rss_bytes"`
	ScratchOut int           `json:"scratch_files"`
}

// ValidationResult is the immutable verdict of one validation run.
// Re-validating produces a new result; old ones are never mutated.
type ValidationResult struct {
	Verdict     Verdict       `json:"verdict"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
	Phases      []PhaseReport `json:"phases"`
	Coverage    float64       `json:"coverage_percent"`
	Usage       ResourceUsage `json:"usage"`
	PolicyHash  string        `json:"policy_hash"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Pass reports whether the verdict is a pass.
func (r ValidationResult) Pass() bool { return r.Verdict == VerdictPass }

// FailedTests returns the names of failing tests, in diagnostic order.
func (r ValidationResult) FailedTests() []string {
	var names []string
	for _, d := range r.Diagnostics {
		if d.Kind == DiagTestFailure && d.Test != "" {
			names = append(names, d.Test)
		}
	}
	return names
}

// HasViolation reports whether any diagnostic records a sandbox violation.
func (r ValidationResult) HasViolation() bool {
	for _, d := range r.Diagnostics {
		if d.Kind == DiagSandboxViolation {
			return true
		}
	}
	return false
}

// ModelStamp records which model produced a lifecycle phase and when.
type ModelStamp struct {
	Model string    `json:"model"`
	At    time.Time `json:"at"`
}

// Provenance maps lifecycle phase names ("spec", "code", "tests",
// "repair") to the model that produced them.
type Provenance map[string]ModelStamp

// Entry is the promoted, addressable unit stored in the registry.
// Entries are immutable; promoting a new version of a name creates a
// new entry under a new content-addressed id.
type Entry struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      int               `json:"version"`
	Spec         Spec              `json:"spec"`
	ArtifactPath string            `json:"artifact_path"`
	TestPath     string            `json:"test_path"`
	Result       ValidationResult  `json:"result"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Policy       SecurityPolicy    `json:"policy"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Provenance   Provenance        `json:"provenance,omitempty"`
	Embedding    []float32         `json:"embedding,omitempty"`
	PromotedAt   time.Time         `json:"promoted_at"`
}

// SearchText is the text indexed for semantic search over this entry.
func (e Entry) SearchText() string {
	text := e.Name + ": " + e.Spec.Docstring
	if e.Spec.Goal != "" {
		text += " (" + e.Spec.Goal + ")"
	}
	return text
}
