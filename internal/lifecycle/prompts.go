package lifecycle

import (
	"encoding/json"
	"fmt"
	"strings"

	"machinist/internal/parsing"
	"machinist/internal/sandbox"
	"machinist/internal/tool"
)

const specSystem = `You design small, single-purpose Go tools. Reply with exactly one JSON
object that conforms to the schema you are given. No prose, no code
fences around anything except the JSON itself. Name the tool with a
short lowercase phrase. Declare every capability the tool needs;
tools that need the network are not accepted. Mark the tool
deterministic only if identical input always yields identical output.`

const codeSystem = `You implement Go tools that run inside a locked-down interpreter.
Reply with exactly one fenced Go code block and nothing else.
Rules:
- package main, no main function
- implement exactly the entry function you are asked for, with
  signature func NAME(input string) (string, error)
- input is a JSON document; decode what you need from it
- return errors, never panic, never call os.Exit
- no goroutines
- import only from the allowed list you are given
- scratch file access goes through the scratch package:
  scratch.WriteFile(name string, data []byte) error,
  scratch.ReadFile(name string) ([]byte, error),
  scratch.List() ([]string, error)`

const testSystem = `You write tests for a Go tool that run inside a locked-down
interpreter, without the testing package. Reply with exactly one
fenced Go code block and nothing else.
Rules:
- package main
- each test is func TestXxx() error: return nil on success, a
  descriptive error on failure
- call the tool's entry function directly with JSON input strings
- cover the documented failure modes as well as the happy path
- same import restrictions as the tool itself`

const repairSystem = codeSystem + `

You are repairing an existing implementation that failed validation.
Keep the entry function signature. Fix only what the diagnostics
require.`

const decomposeSystem = `You break an objective into the smallest useful set of single-purpose
tool goals. Reply with exactly one JSON array of strings, each a
one-sentence goal for one tool. No prose.`

func specPrompt(goal string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Design a tool for this goal:\n\n%s\n\n", goal)
	b.WriteString("The JSON object must conform to this schema:\n\n")
	b.WriteString(parsing.SpecSchemaJSON())
	return b.String()
}

func codePrompt(spec tool.Spec, policy tool.SecurityPolicy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the tool described by this spec:\n\n%s\n\n", specJSON(spec))
	fmt.Fprintf(&b, "The entry function must be:\n\n    func %s(input string) (string, error)\n\n", spec.EntryPoint())
	fmt.Fprintf(&b, "Allowed imports: %s\n", strings.Join(sandbox.ImportAllowlist(policy), ", "))
	return b.String()
}

func testPrompt(spec tool.Spec, artifact string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write tests for this tool:\n\n%s\n\n", specJSON(spec))
	fmt.Fprintf(&b, "Implementation under test:\n\n```go\n%s\n```\n\n", artifact)
	fmt.Fprintf(&b, "Call %s directly. Do not redefine it.\n", spec.EntryPoint())
	return b.String()
}

func repairPrompt(spec tool.Spec, artifact string, diagnostics []tool.Diagnostic) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This implementation failed validation:\n\n```go\n%s\n```\n\n", artifact)
	b.WriteString("Diagnostics:\n")
	for _, d := range diagnostics {
		if d.Test != "" {
			fmt.Fprintf(&b, "- [%s/%s] %s: %s\n", d.Phase, d.Kind, d.Test, d.Detail)
		} else {
			fmt.Fprintf(&b, "- [%s/%s] %s\n", d.Phase, d.Kind, d.Detail)
		}
	}
	fmt.Fprintf(&b, "\nSpec for reference:\n\n%s\n", specJSON(spec))
	return b.String()
}

func decomposePrompt(objective string) string {
	return fmt.Sprintf("Decompose this objective into single-tool goals:\n\n%s\n", objective)
}

func specJSON(spec tool.Spec) string {
	raw, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return spec.Name
	}
	return string(raw)
}
