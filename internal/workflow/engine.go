package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"machinist/internal/config"
	"machinist/internal/logging"
	"machinist/internal/sandbox"
	"machinist/internal/tool"
)

// Catalog is the registry slice the engine reads: entry lookup and
// artifact retrieval. Execution never writes to the registry.
type Catalog interface {
	Get(idOrName string) (*tool.Entry, error)
	ArtifactSource(entry *tool.Entry) (string, error)
}

// Runner dispatches sandboxed tool invocations.
type Runner interface {
	Run(ctx context.Context, req sandbox.Request) (*sandbox.Outcome, error)
}

// Engine interprets workflows: single-threaded, step-ordered evaluation
// over one shared ExecutionContext. Step order is a correctness
// guarantee, not an optimization target.
type Engine struct {
	catalog Catalog
	runner  Runner

	memoCap int
	memo    map[string]interface{}
}

// NewEngine builds an engine. The memo cache holds outputs of
// deterministic tools for the engine's lifetime, keyed by entry id and
// canonical args.
func NewEngine(catalog Catalog, runner Runner, cfg config.WorkflowConfig) *Engine {
	memoCap := cfg.CacheSize
	if memoCap <= 0 {
		memoCap = 256
	}
	return &Engine{
		catalog: catalog,
		runner:  runner,
		memoCap: memoCap,
		memo:    make(map[string]interface{}),
	}
}

// Execute runs a workflow against initial inputs and returns the root
// ExecutionContext. Any step failure aborts the whole run; retry policy
// belongs to the caller.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, initial map[string]interface{}) (*ExecutionContext, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryWorkflow, "execute "+wf.Name)
	defer timer.Stop()

	root := NewContext(initial)
	if err := e.runSteps(ctx, wf, root); err != nil {
		return nil, err
	}
	logging.Workflow("workflow %s completed (%d steps)", wf.Name, len(wf.Steps))
	return root, nil
}

func (e *Engine) runSteps(ctx context.Context, wf *Workflow, scope *ExecutionContext) error {
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("workflow cancelled: %w", err)
		}

		if step.Condition != "" {
			pass, err := e.evalCondition(step.Condition, scope)
			if err != nil {
				return err
			}
			if !pass {
				scope.markSkipped(step.ID)
				logging.WorkflowDebug("step %s skipped: condition %q is falsy", step.ID, step.Condition)
				continue
			}
		}

		var output interface{}
		var err error
		if step.Foreach != "" {
			output, err = e.runForeach(ctx, step, scope)
		} else {
			output, err = e.runBody(ctx, step, scope)
		}
		if err != nil {
			return err
		}
		scope.set(step.ID, map[string]interface{}{"output": output})
	}
	return nil
}

// runForeach executes the step body once per source element, each in a
// fresh child scope with the loop variable bound. Outputs preserve
// source order; an empty source yields an empty output without running
// the body.
func (e *Engine) runForeach(ctx context.Context, step *Step, scope *ExecutionContext) (interface{}, error) {
	source, err := scope.Resolve(step.Foreach)
	if err != nil {
		return nil, err
	}
	elements, err := asSequence(source)
	if err != nil {
		return nil, &StepFailedError{StepID: step.ID, Cause: err}
	}

	outputs := make([]interface{}, 0, len(elements))
	for _, element := range elements {
		iter := scope.child()
		iter.set(step.LoopVar(), element)
		out, err := e.runBody(ctx, step, iter)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// runBody executes a step's body, either a tool invocation or a nested
// workflow, in the given scope.
func (e *Engine) runBody(ctx context.Context, step *Step, scope *ExecutionContext) (interface{}, error) {
	if step.Workflow != nil {
		child := scope.child()
		if err := e.runSteps(ctx, step.Workflow, child); err != nil {
			var failed *StepFailedError
			if errors.As(err, &failed) {
				return nil, &StepFailedError{StepID: step.ID, Cause: err}
			}
			return nil, err
		}
		return child.Bindings(), nil
	}
	return e.invokeTool(ctx, step, scope)
}

func (e *Engine) invokeTool(ctx context.Context, step *Step, scope *ExecutionContext) (interface{}, error) {
	resolved, err := scope.Resolve(step.Args)
	if err != nil {
		return nil, err
	}
	args := resolved
	if args == nil {
		args = map[string]interface{}{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, &StepFailedError{StepID: step.ID, Cause: fmt.Errorf("args are not serializable: %w", err)}
	}

	entry, err := e.catalog.Get(step.Tool)
	if err != nil {
		return nil, &StepFailedError{StepID: step.ID, Cause: err}
	}

	memoKey := ""
	if entry.Spec.Deterministic {
		memoKey = entry.ID + "\x00" + string(argsJSON)
		if cached, ok := e.memo[memoKey]; ok {
			logging.WorkflowDebug("step %s served from memo cache (%s)", step.ID, entry.ID)
			return cached, nil
		}
	}

	source, err := e.catalog.ArtifactSource(entry)
	if err != nil {
		return nil, &StepFailedError{StepID: step.ID, Cause: err}
	}

	outcome, err := e.runner.Run(ctx, sandbox.Request{
		Mode:       sandbox.ModeExec,
		Source:     source,
		EntryPoint: entry.Spec.EntryPoint(),
		ArgsJSON:   string(argsJSON),
		Policy:     entry.Policy,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("workflow cancelled: %w", ctx.Err())
		}
		return nil, &StepFailedError{StepID: step.ID, Cause: err}
	}
	if outcome.Result.Err != "" {
		return nil, &StepFailedError{StepID: step.ID, Cause: fmt.Errorf("tool %s: %s", entry.Name, outcome.Result.Err)}
	}

	output := decodeOutput(outcome.Result.Output)
	if memoKey != "" && len(e.memo) < e.memoCap {
		e.memo[memoKey] = output
	}
	return output, nil
}

// decodeOutput interprets the tool's returned string as JSON when it is
// JSON, leaving plain text untouched.
func decodeOutput(raw string) interface{} {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	var value interface{}
	if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
		return value
	}
	return raw
}

// evalCondition evaluates `A == B`, `A != B`, or single-term
// truthiness, with both sides resolved against the scope.
func (e *Engine) evalCondition(expr string, scope *ExecutionContext) (bool, error) {
	for _, op := range []string{"==", "!="} {
		if idx := strings.Index(expr, op); idx >= 0 {
			left, err := e.evalTerm(strings.TrimSpace(expr[:idx]), scope)
			if err != nil {
				return false, err
			}
			right, err := e.evalTerm(strings.TrimSpace(expr[idx+len(op):]), scope)
			if err != nil {
				return false, err
			}
			equal := looseEqual(left, right)
			if op == "==" {
				return equal, nil
			}
			return !equal, nil
		}
	}

	value, err := e.evalTerm(strings.TrimSpace(expr), scope)
	if err != nil {
		return false, err
	}
	return Truthy(value), nil
}

// evalTerm resolves one condition operand: a $-reference, a quoted
// string, a JSON literal, or a bare word.
func (e *Engine) evalTerm(term string, scope *ExecutionContext) (interface{}, error) {
	if strings.HasPrefix(term, "$") {
		return scope.Resolve(term)
	}
	if len(term) >= 2 {
		if (term[0] == '\'' && term[len(term)-1] == '\'') || (term[0] == '"' && term[len(term)-1] == '"') {
			return term[1 : len(term)-1], nil
		}
	}
	var literal interface{}
	if err := json.Unmarshal([]byte(term), &literal); err == nil {
		return literal, nil
	}
	return term, nil
}

// looseEqual compares operands after normalizing numbers, since one
// side usually arrives from JSON as float64 and the other from a YAML
// literal as int.
func looseEqual(a, b interface{}) bool {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// asSequence coerces a foreach source to an element slice.
func asSequence(value interface{}) ([]interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("foreach source is nil")
	case []interface{}:
		return v, nil
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("foreach source is %T, not a sequence", value)
	}
}
