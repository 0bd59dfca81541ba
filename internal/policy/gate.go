// Package policy is the promotion gate: before a validated tool is
// promoted, its artifact and declared capabilities are checked against a
// Datalog policy evaluated over facts extracted from the code's AST.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"machinist/internal/logging"
	"machinist/internal/mangle"
	"machinist/internal/sandbox"
	"machinist/internal/tool"
)

//go:embed capability.mg
var capabilityPolicy string

// forbiddenCapabilities can never be allow-listed, whatever the config
// says. Network access in particular is structurally denied (spec-level
// invariant, not an operator preference).
var forbiddenCapabilities = []string{"network", "net", "exec", "process", "syscall"}

// Violation is one reason the gate said no.
type Violation struct {
	Kind    string `json:"kind"` // forbidden_import, forbidden_capability, panic, goroutine, parse_error
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

// Report is the outcome of one gate check.
type Report struct {
	Allowed    bool
	Violations []Violation
}

// ViolationError carries a failed report as a typed error.
type ViolationError struct {
	Tool   string
	Report *Report
}

func (e *ViolationError) Error() string {
	subjects := make([]string, 0, len(e.Report.Violations))
	for _, v := range e.Report.Violations {
		subjects = append(subjects, fmt.Sprintf("%s(%s)", v.Kind, v.Subject))
	}
	return fmt.Sprintf("capability policy rejected %s: %s", e.Tool, strings.Join(subjects, ", "))
}

// Gate evaluates the capability policy. One Gate serves many checks;
// each check runs in its own engine so fact stores never bleed between
// tools.
type Gate struct {
	allowedCaps []string
}

// NewGate builds a gate from the configured capability allow-list,
// silently discarding anything structurally forbidden.
func NewGate(allowedCapabilities []string) *Gate {
	caps := make([]string, 0, len(allowedCapabilities))
	for _, cap := range allowedCapabilities {
		if capabilityForbidden(cap) {
			logging.PolicyDebug("ignoring forbidden capability %q in allow-list", cap)
			continue
		}
		caps = append(caps, cap)
	}
	return &Gate{allowedCaps: caps}
}

func capabilityForbidden(cap string) bool {
	lower := strings.ToLower(cap)
	for _, bad := range forbiddenCapabilities {
		if lower == bad || strings.HasPrefix(lower, bad+"_") {
			return true
		}
	}
	return false
}

// Check evaluates the policy for one tool. A non-nil Report with
// Allowed=false means the policy said no; an error means the check
// itself could not run.
func (g *Gate) Check(ctx context.Context, spec tool.Spec, source string, secPolicy tool.SecurityPolicy) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryPolicy, "capability check "+spec.Name)
	defer timer.Stop()

	facts, err := ExtractFacts(source)
	if err != nil {
		return &Report{Violations: []Violation{{
			Kind:   "parse_error",
			Detail: fmt.Sprintf("artifact does not parse: %v", err),
		}}}, nil
	}

	engine := mangle.NewEngine(mangle.DefaultConfig())
	if err := engine.LoadSchemaString(capabilityPolicy); err != nil {
		return nil, fmt.Errorf("failed to load capability policy: %w", err)
	}

	for _, pkg := range sandbox.ImportAllowlist(secPolicy) {
		facts = append(facts, mangle.Fact{Predicate: "allowed_package", Args: []interface{}{pkg}})
	}
	for _, cap := range g.allowedCaps {
		facts = append(facts, mangle.Fact{Predicate: "allowed_capability", Args: []interface{}{cap}})
	}
	for _, cap := range spec.Capabilities {
		facts = append(facts, mangle.Fact{Predicate: "declared_capability", Args: []interface{}{cap}})
	}

	if err := engine.AddFacts(facts); err != nil {
		return nil, fmt.Errorf("failed to assert policy facts: %w", err)
	}

	result, err := engine.Query(ctx, "?violation(V)")
	if err != nil {
		return nil, fmt.Errorf("capability policy query failed: %w", err)
	}

	report := &Report{Allowed: len(result.Bindings) == 0}
	if report.Allowed {
		return report, nil
	}

	idx := indexFacts(facts, spec)
	seen := make(map[string]struct{})
	for _, binding := range result.Bindings {
		subject := fmt.Sprintf("%v", binding["V"])
		if _, dup := seen[subject]; dup {
			continue
		}
		seen[subject] = struct{}{}
		report.Violations = append(report.Violations, describeViolation(subject, idx))
	}
	logging.Policy("capability check rejected %s: %d violation(s)", spec.Name, len(report.Violations))
	return report, nil
}

type violationIndex struct {
	imports    map[string]struct{}
	caps       map[string]struct{}
	panicFuncs map[string]struct{}
}

func indexFacts(facts []mangle.Fact, spec tool.Spec) violationIndex {
	idx := violationIndex{
		imports:    make(map[string]struct{}),
		caps:       make(map[string]struct{}),
		panicFuncs: make(map[string]struct{}),
	}
	for _, cap := range spec.Capabilities {
		idx.caps[cap] = struct{}{}
	}
	for _, fact := range facts {
		switch fact.Predicate {
		case "ast_import":
			if len(fact.Args) == 2 {
				if pkg, ok := fact.Args[1].(string); ok {
					idx.imports[pkg] = struct{}{}
				}
			}
		case "ast_call":
			if len(fact.Args) == 2 {
				callee, _ := fact.Args[1].(string)
				if fn, ok := fact.Args[0].(string); ok && callee == "panic" {
					idx.panicFuncs[fn] = struct{}{}
				}
			}
		}
	}
	return idx
}

func describeViolation(subject string, idx violationIndex) Violation {
	if _, ok := idx.imports[subject]; ok {
		return Violation{
			Kind:    "forbidden_import",
			Subject: subject,
			Detail:  fmt.Sprintf("import %q is outside the sandbox allow-list", subject),
		}
	}
	if _, ok := idx.caps[subject]; ok {
		return Violation{
			Kind:    "forbidden_capability",
			Subject: subject,
			Detail:  fmt.Sprintf("declared capability %q is outside the promotion allow-list", subject),
		}
	}
	if _, ok := idx.panicFuncs[subject]; ok {
		return Violation{
			Kind:    "panic",
			Subject: subject,
			Detail:  fmt.Sprintf("function %s calls panic; tools must return errors", subject),
		}
	}
	if strings.HasPrefix(subject, "line:") {
		return Violation{
			Kind:    "goroutine",
			Subject: subject,
			Detail:  "goroutine spawns are not permitted in tool code",
		}
	}
	return Violation{Kind: "policy", Subject: subject, Detail: "policy violation: " + subject}
}
