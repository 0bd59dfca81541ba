package workflow

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestContextLookupThroughParents(t *testing.T) {
	root := NewContext(map[string]interface{}{"goal": "reverse"})
	root.set("first", map[string]interface{}{"output": "abc"})
	child := root.child()
	child.set("loop", 1)

	if v, ok := child.Lookup("goal"); !ok || v != "reverse" {
		t.Errorf("Lookup(goal) = %v, %v", v, ok)
	}
	if v, ok := child.Lookup("loop"); !ok || v != 1 {
		t.Errorf("Lookup(loop) = %v, %v", v, ok)
	}
	if _, ok := root.Lookup("loop"); ok {
		t.Error("child binding visible in parent")
	}
	if _, ok := child.Lookup("absent"); ok {
		t.Error("Lookup found an absent binding")
	}
}

func TestContextWriteOncePanics(t *testing.T) {
	tests := []struct {
		name   string
		second func(*ExecutionContext)
	}{
		{"set twice", func(c *ExecutionContext) { c.set("a", 2) }},
		{"skip after set", func(c *ExecutionContext) { c.markSkipped("a") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewContext(nil)
			c.set("a", 1)
			defer func() {
				if recover() == nil {
					t.Error("overwrite did not panic")
				}
			}()
			tt.second(c)
		})
	}
}

func TestContextSkipMarkers(t *testing.T) {
	c := NewContext(nil)
	c.markSkipped("gate")
	c.set("ran", map[string]interface{}{"output": false})

	if !c.IsSkipped("gate") {
		t.Error("IsSkipped(gate) = false")
	}
	if c.IsSkipped("ran") {
		t.Error("a step that ran reads as skipped")
	}
	// A skipped step resolves to nil, not to an unresolved reference.
	v, ok := c.Lookup("gate")
	if !ok || v != nil {
		t.Errorf("Lookup(gate) = %v, %v, want nil, true", v, ok)
	}
}

func TestContextBindings(t *testing.T) {
	root := NewContext(map[string]interface{}{"in": "x"})
	root.set("a", 1)
	root.markSkipped("b")
	child := root.child()
	child.set("c", 2)

	want := map[string]interface{}{"c": 2}
	if diff := cmp.Diff(want, child.Bindings()); diff != "" {
		t.Errorf("child bindings (-want +got):\n%s", diff)
	}
	got := root.Bindings()
	if got["a"] != 1 || got["in"] != "x" {
		t.Errorf("root bindings = %v", got)
	}
	if v, present := got["b"]; !present || v != nil {
		t.Error("skip marker missing from Bindings")
	}
}

func TestResolveReferences(t *testing.T) {
	c := NewContext(map[string]interface{}{"name": "world"})
	c.set("greet", map[string]interface{}{
		"output": map[string]interface{}{"text": "hello", "count": float64(2)},
	})

	tests := []struct {
		in   interface{}
		want interface{}
	}{
		{"$name", "world"},
		{"$greet.output.text", "hello"},
		{"plain", "plain"},
		{42, 42},
		{
			map[string]interface{}{"msg": "$greet.output.text", "n": "$greet.output.count"},
			map[string]interface{}{"msg": "hello", "n": float64(2)},
		},
		{
			[]interface{}{"$name", "literal"},
			[]interface{}{"world", "literal"},
		},
	}
	for _, tt := range tests {
		got, err := c.Resolve(tt.in)
		if err != nil {
			t.Errorf("Resolve(%v): %v", tt.in, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Resolve(%v) (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestResolveUnresolved(t *testing.T) {
	c := NewContext(nil)
	c.set("step", map[string]interface{}{"output": "text"})

	for _, ref := range []string{"$missing", "$step.output.deeper", "$step.absent"} {
		_, err := c.Resolve(ref)
		var unresolved *UnresolvedReferenceError
		if !errors.As(err, &unresolved) {
			t.Errorf("Resolve(%s) = %v, want UnresolvedReferenceError", ref, err)
		}
	}
}

func TestTruthy(t *testing.T) {
	falsy := []interface{}{nil, false, "", 0, int64(0), float64(0), []interface{}{}, map[string]interface{}{}}
	for _, v := range falsy {
		if Truthy(v) {
			t.Errorf("Truthy(%#v) = true", v)
		}
	}
	truthy := []interface{}{true, "x", 1, float64(0.5), []interface{}{1}, map[string]interface{}{"k": 1}, struct{}{}}
	for _, v := range truthy {
		if !Truthy(v) {
			t.Errorf("Truthy(%#v) = false", v)
		}
	}
}
