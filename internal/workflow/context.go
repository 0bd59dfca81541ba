package workflow

import (
	"fmt"
	"strings"
)

// ExecutionContext maps step ids and bound variables to their produced
// values for one workflow run. Scopes nest: a child reads through to
// its parent but writes only its own bindings. Writes are once per
// name; an overwrite is an engine bug and panics.
type ExecutionContext struct {
	parent  *ExecutionContext
	values  map[string]interface{}
	skipped map[string]bool
}

// NewContext builds a root context seeded with the run's initial
// inputs.
func NewContext(initial map[string]interface{}) *ExecutionContext {
	values := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &ExecutionContext{values: values, skipped: make(map[string]bool)}
}

func (c *ExecutionContext) child() *ExecutionContext {
	return &ExecutionContext{
		parent:  c,
		values:  make(map[string]interface{}),
		skipped: make(map[string]bool),
	}
}

// Lookup finds a binding, searching enclosing scopes.
func (c *ExecutionContext) Lookup(name string) (interface{}, bool) {
	for scope := c; scope != nil; scope = scope.parent {
		if v, ok := scope.values[name]; ok {
			return v, true
		}
		if scope.skipped[name] {
			return nil, true
		}
	}
	return nil, false
}

// IsSkipped reports whether a step was recorded as condition-skipped,
// distinguishable from a step that ran and produced a falsy value.
func (c *ExecutionContext) IsSkipped(id string) bool {
	for scope := c; scope != nil; scope = scope.parent {
		if scope.skipped[id] {
			return true
		}
		if _, ok := scope.values[id]; ok {
			return false
		}
	}
	return false
}

func (c *ExecutionContext) set(name string, value interface{}) {
	if _, exists := c.values[name]; exists || c.skipped[name] {
		panic(fmt.Sprintf("workflow context: binding %q written twice", name))
	}
	c.values[name] = value
}

func (c *ExecutionContext) markSkipped(id string) {
	if _, exists := c.values[id]; exists || c.skipped[id] {
		panic(fmt.Sprintf("workflow context: binding %q written twice", id))
	}
	c.skipped[id] = true
}

// Bindings returns a copy of this scope's own bindings, skip markers
// included as nils.
func (c *ExecutionContext) Bindings() map[string]interface{} {
	out := make(map[string]interface{}, len(c.values)+len(c.skipped))
	for k, v := range c.values {
		out[k] = v
	}
	for k := range c.skipped {
		out[k] = nil
	}
	return out
}

// Resolve substitutes $-references in a value: strings are resolved,
// maps and slices recurse, everything else passes through untouched.
func (c *ExecutionContext) Resolve(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, "$") {
			return c.resolveRef(strings.TrimPrefix(v, "$"))
		}
		return v, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			resolved, err := c.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := c.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// resolveRef walks a dotted path: the head names a binding, the rest
// index into nested maps.
func (c *ExecutionContext) resolveRef(path string) (interface{}, error) {
	parts := strings.Split(path, ".")
	value, ok := c.Lookup(parts[0])
	if !ok {
		return nil, &UnresolvedReferenceError{Name: path}
	}
	for _, key := range parts[1:] {
		m, ok := value.(map[string]interface{})
		if !ok {
			return nil, &UnresolvedReferenceError{Name: path}
		}
		value, ok = m[key]
		if !ok {
			return nil, &UnresolvedReferenceError{Name: path}
		}
	}
	return value, nil
}

// Truthy implements condition semantics: nil, false, zero numbers,
// empty strings, slices and maps are falsy.
func Truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case []interface{}:
		return len(v) > 0
	case map[string]interface{}:
		return len(v) > 0
	default:
		return true
	}
}
