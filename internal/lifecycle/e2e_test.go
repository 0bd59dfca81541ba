package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"machinist/internal/config"
	"machinist/internal/policy"
	"machinist/internal/registry"
	"machinist/internal/sandbox"
	"machinist/internal/tool"
	"machinist/internal/validate"
	"machinist/internal/workflow"
)

// TestMain lets the test binary double as the sandbox child for the
// end-to-end path, and checks for leaked goroutines on the way out.
func TestMain(m *testing.M) {
	sandbox.ChildHook()
	// go.opencensus.io (pulled in transitively by the genai client) starts
	// a permanent worker goroutine at package init; it is not a leak from
	// the code under test.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const squareSpecReply = `{
  "name": "square number",
  "goal": "square an integer",
  "signature": "square_number(input string) (string, error)",
  "docstring": "Squares the integer named n in the JSON input.",
  "inputs": {"n": "int"},
  "outputs": {"output": "int"},
  "failure_modes": ["input is not valid JSON"],
  "deterministic": true
}`

const squareCodeReply = "```go\n" + `package main

import (
	"encoding/json"
	"fmt"
	"strconv"
)

func square_number(input string) (string, error) {
	var args struct {
		N int ` + "`json:\"n\"`" + `
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("bad input: %w", err)
	}
	return strconv.Itoa(args.N * args.N), nil
}
` + "```\n"

const squareTestsReply = "```go\n" + `package main

import "fmt"

func TestSquare() error {
	out, err := square_number(` + "`" + `{"n": 3}` + "`" + `)
	if err != nil {
		return err
	}
	if out != "9" {
		return fmt.Errorf("got %q, want 9", out)
	}
	return nil
}

func TestSquareBadInput() error {
	if _, err := square_number("not json"); err == nil {
		return fmt.Errorf("bad input accepted")
	}
	return nil
}
` + "```\n"

// TestForgeAndRunEndToEnd drives the whole pipeline with a scripted
// collaborator: generation, sandboxed validation, the capability gate,
// promotion into a real registry, then a workflow run over the
// promoted tool.
func TestForgeAndRunEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns sandbox children")
	}

	reg, err := registry.Open(config.RegistryConfig{Root: t.TempDir() + "/registry"}, nil)
	require.NoError(t, err)
	defer reg.Close()

	runner := sandbox.NewRunner(config.SandboxConfig{
		ScratchRoot:     t.TempDir(),
		WallClockFactor: 2,
	}, 30*time.Second)
	validator := validate.New(runner, config.ValidationConfig{CoverageThreshold: 50})
	gate := policy.NewGate([]string{"pure", "fs_scratch"})

	client := newMockClient()
	client.queue(specSystem, squareSpecReply)
	client.queue(codeSystem, squareCodeReply)
	client.queue(testSystem, squareTestsReply)

	machine := NewMachine(client, validator, gate, reg, nil,
		config.LifecycleConfig{MaxGenerationRetries: 1},
		tool.SecurityPolicy{})
	foundry := NewFoundry(machine, client)

	run, err := foundry.Forge(context.Background(), "square an integer")
	require.NoError(t, err)
	require.Equal(t, StatePromoted, run.State)
	require.NotNil(t, run.Entry)
	assert.True(t, run.Result.Pass())
	assert.GreaterOrEqual(t, run.Result.Coverage, 50.0)

	// The promoted entry is resolvable by name and carries its source.
	entry, err := reg.Get("square number")
	require.NoError(t, err)
	assert.Equal(t, run.Entry.ID, entry.ID)

	engine := workflow.NewEngine(reg, runner, config.WorkflowConfig{})
	wf := &workflow.Workflow{
		Name: "square-it",
		Steps: []workflow.Step{
			{ID: "squared", Tool: "square number", Args: map[string]interface{}{"n": "$n"}},
		},
	}
	result, err := engine.Execute(context.Background(), wf, map[string]interface{}{"n": 7})
	require.NoError(t, err)

	out := result.Bindings()["squared"].(map[string]interface{})["output"]
	assert.Equal(t, float64(49), out)
}
