package validate

import (
	"strings"
	"testing"
)

func TestInstrumentCountsBlocks(t *testing.T) {
	source := `package main

func classify(input string) (string, error) {
	if input == "" {
		return "empty", nil
	} else {
		return "full", nil
	}
}
`
	instrumented, blocks, err := Instrument(source)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	// Function body, if body, else body.
	if blocks != 3 {
		t.Errorf("blocks = %d, want 3", blocks)
	}
	// The preamble declares machCoverHit itself; only call sites count.
	calls := strings.Count(instrumented, "machCoverHit(") - strings.Count(instrumented, "func machCoverHit(")
	if calls != 3 {
		t.Errorf("injected %d counters, want 3", calls)
	}
	if !strings.Contains(instrumented, "func MachCoverCount() int") {
		t.Error("preamble missing")
	}
}

func TestInstrumentLoopsAndSwitches(t *testing.T) {
	source := `package main

func scan(input string) (string, error) {
	total := 0
	for i := 0; i < len(input); i++ {
		total++
	}
	for range input {
		total++
	}
	switch total {
	case 0:
		return "none", nil
	default:
		return "some", nil
	}
}
`
	_, blocks, err := Instrument(source)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	// Function body, two loop bodies, two case clauses.
	if blocks != 5 {
		t.Errorf("blocks = %d, want 5", blocks)
	}
}

func TestInstrumentRejectsBrokenSource(t *testing.T) {
	if _, _, err := Instrument("package main\nfunc broken( {"); err == nil {
		t.Error("expected parse error")
	}
}

func TestInstrumentOutputStillParses(t *testing.T) {
	source := `package main

import "strings"

func upper(input string) (string, error) {
	cleaner := func(s string) string { return strings.TrimSpace(s) }
	return strings.ToUpper(cleaner(input)), nil
}
`
	instrumented, _, err := Instrument(source)
	if err != nil {
		t.Fatal(err)
	}
	// Re-instrumenting parses the emitted source, proving it is valid Go.
	if _, _, err := Instrument(instrumented); err != nil {
		t.Errorf("instrumented output does not parse: %v", err)
	}
}
