package workflow

import (
	"strings"
	"testing"
)

func TestValidateAcceptsMinimalWorkflow(t *testing.T) {
	wf := &Workflow{
		Name:  "minimal",
		Steps: []Step{{ID: "one", Tool: "reverse string"}},
	}
	if err := wf.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		wf   Workflow
		want string
	}{
		{
			name: "no steps",
			wf:   Workflow{Name: "empty"},
			want: "has no steps",
		},
		{
			name: "missing id",
			wf:   Workflow{Name: "w", Steps: []Step{{Tool: "t"}}},
			want: "has no id",
		},
		{
			name: "reserved characters in id",
			wf:   Workflow{Name: "w", Steps: []Step{{ID: "a.b", Tool: "t"}}},
			want: "reserved characters",
		},
		{
			name: "duplicate ids",
			wf: Workflow{Name: "w", Steps: []Step{
				{ID: "a", Tool: "t"},
				{ID: "a", Tool: "t"},
			}},
			want: "duplicate step id",
		},
		{
			name: "no body",
			wf:   Workflow{Name: "w", Steps: []Step{{ID: "a"}}},
			want: "exactly one of",
		},
		{
			name: "two bodies",
			wf: Workflow{Name: "w", Steps: []Step{
				{ID: "a", Tool: "t", WorkflowRef: "sub.yaml"},
			}},
			want: "exactly one of",
		},
		{
			name: "foreach without reference",
			wf: Workflow{Name: "w", Steps: []Step{
				{ID: "a", Tool: "t", Foreach: "items"},
			}},
			want: "must be a $-reference",
		},
		{
			name: "as without foreach",
			wf: Workflow{Name: "w", Steps: []Step{
				{ID: "a", Tool: "t", As: "item"},
			}},
			want: "'as' without foreach",
		},
		{
			name: "invalid nested workflow",
			wf: Workflow{Name: "w", Steps: []Step{
				{ID: "a", Workflow: &Workflow{Name: "inner"}},
			}},
			want: "has no steps",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wf.Validate()
			if err == nil {
				t.Fatal("Validate accepted an invalid workflow")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoopVarDefaults(t *testing.T) {
	if got := (Step{}).LoopVar(); got != "item" {
		t.Errorf("LoopVar() = %q, want item", got)
	}
	if got := (Step{As: "line"}).LoopVar(); got != "line" {
		t.Errorf("LoopVar() = %q, want line", got)
	}
}
