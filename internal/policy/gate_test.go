package policy

import (
	"context"
	"testing"

	"machinist/internal/mangle"
	"machinist/internal/tool"
)

func factSet(t *testing.T, source string) map[string][]mangle.Fact {
	t.Helper()
	facts, err := ExtractFacts(source)
	if err != nil {
		t.Fatalf("ExtractFacts: %v", err)
	}
	byPred := make(map[string][]mangle.Fact)
	for _, f := range facts {
		byPred[f.Predicate] = append(byPred[f.Predicate], f)
	}
	return byPred
}

func TestExtractFacts(t *testing.T) {
	source := `package main

import (
	"fmt"
	"strings"
)

func work(input string) (string, error) {
	go helper()
	return fmt.Sprint(strings.ToUpper(input)), nil
}

func helper() {
	panic("no")
}
`
	byPred := factSet(t, source)

	if got := len(byPred["ast_import"]); got != 2 {
		t.Errorf("ast_import facts = %d, want 2", got)
	}
	if got := len(byPred["ast_goroutine"]); got != 1 {
		t.Errorf("ast_goroutine facts = %d, want 1", got)
	}

	foundPanic := false
	for _, f := range byPred["ast_call"] {
		if f.Args[0] == "helper" && f.Args[1] == "panic" {
			foundPanic = true
		}
	}
	if !foundPanic {
		t.Errorf("panic call in helper not recorded: %v", byPred["ast_call"])
	}
}

func TestExtractFactsRejectsBrokenSource(t *testing.T) {
	if _, err := ExtractFacts("package main\nfunc broken( {"); err != nil {
		return
	}
	t.Error("expected parse error")
}

func TestGateAllowsCleanTool(t *testing.T) {
	source := `package main

import "strings"

func upper(input string) (string, error) {
	return strings.ToUpper(input), nil
}
`
	gate := NewGate([]string{"pure"})
	report, err := gate.Check(context.Background(), tool.Spec{Name: "upper", Capabilities: []string{"pure"}}, source, tool.SecurityPolicy{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !report.Allowed {
		t.Errorf("clean tool rejected: %+v", report.Violations)
	}
}

func TestGateRejectsForbiddenImport(t *testing.T) {
	source := `package main

import "net/http"

func fetch(input string) (string, error) {
	resp, err := http.Get(input)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}
`
	gate := NewGate(nil)
	report, err := gate.Check(context.Background(), tool.Spec{Name: "fetch"}, source, tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Allowed {
		t.Fatal("network import passed the gate")
	}
	found := false
	for _, v := range report.Violations {
		if v.Kind == "forbidden_import" && v.Subject == "net/http" {
			found = true
		}
	}
	if !found {
		t.Errorf("violations = %+v", report.Violations)
	}
}

func TestGateRejectsUndeclaredCapability(t *testing.T) {
	source := `package main

func noop(input string) (string, error) { return input, nil }
`
	gate := NewGate([]string{"pure"})
	report, err := gate.Check(context.Background(), tool.Spec{
		Name:         "noop",
		Capabilities: []string{"fs_scratch"},
	}, source, tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Allowed {
		t.Fatal("undeclared capability passed the gate")
	}
	if report.Violations[0].Kind != "forbidden_capability" {
		t.Errorf("Kind = %s", report.Violations[0].Kind)
	}
}

func TestGateRejectsPanicAndGoroutine(t *testing.T) {
	source := `package main

func risky(input string) (string, error) {
	go func() {}()
	if input == "" {
		panic("empty")
	}
	return input, nil
}
`
	gate := NewGate(nil)
	report, err := gate.Check(context.Background(), tool.Spec{Name: "risky"}, source, tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Allowed {
		t.Fatal("panic and goroutine passed the gate")
	}

	kinds := make(map[string]bool)
	for _, v := range report.Violations {
		kinds[v.Kind] = true
	}
	if !kinds["panic"] {
		t.Errorf("panic violation missing: %+v", report.Violations)
	}
	if !kinds["goroutine"] {
		t.Errorf("goroutine violation missing: %+v", report.Violations)
	}
}

func TestGateNeverAllowsNetworkCapability(t *testing.T) {
	// Operator config cannot allow-list the network, whatever it says.
	gate := NewGate([]string{"pure", "network", "net_fetch", "exec"})

	source := `package main

func noop(input string) (string, error) { return input, nil }
`
	report, err := gate.Check(context.Background(), tool.Spec{
		Name:         "noop",
		Capabilities: []string{"network"},
	}, source, tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Allowed {
		t.Fatal("network capability must never pass the gate")
	}
}

func TestGateParseErrorIsViolation(t *testing.T) {
	gate := NewGate(nil)
	report, err := gate.Check(context.Background(), tool.Spec{Name: "broken"}, "func broken( {", tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Allowed {
		t.Fatal("unparseable source passed the gate")
	}
	if report.Violations[0].Kind != "parse_error" {
		t.Errorf("Kind = %s", report.Violations[0].Kind)
	}
}

func TestGatePolicyImportsExtendAllowlist(t *testing.T) {
	source := `package main

import "container/heap"

var _ = heap.Init

func noop(input string) (string, error) { return input, nil }
`
	gate := NewGate(nil)

	report, err := gate.Check(context.Background(), tool.Spec{Name: "noop"}, source, tool.SecurityPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Allowed {
		t.Fatal("import outside the default allow-list should be rejected")
	}

	report, err = gate.Check(context.Background(), tool.Spec{Name: "noop"}, source, tool.SecurityPolicy{
		AllowedImports: []string{"container/heap"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Allowed {
		t.Errorf("policy-extended import rejected: %+v", report.Violations)
	}
}
