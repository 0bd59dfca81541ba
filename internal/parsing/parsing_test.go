package parsing

import (
	"strings"
	"testing"
)

func TestExtractFencedCode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "go fence with language tag",
			in:   "Here you go:\n```go\nfunc x() {}\n```\nHope that helps!",
			want: "func x() {}",
		},
		{
			name: "fence without tag",
			in:   "```\nhello\n```",
			want: "hello",
		},
		{
			name: "bare code without fence",
			in:   "func x() {}",
			want: "func x() {}",
		},
		{
			name:    "unterminated fence",
			in:      "```go\nfunc x() {}",
			wantErr: true,
		},
		{
			name:    "empty block",
			in:      "```go\n\n```",
			wantErr: true,
		},
		{
			name:    "empty response",
			in:      "   \n ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractFencedCode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "object with prose",
			in:   `Sure! {"name": "square"} is the spec.`,
			want: `{"name": "square"}`,
		},
		{
			name: "nested braces",
			in:   `{"inputs": {"n": "int"}}`,
			want: `{"inputs": {"n": "int"}}`,
		},
		{
			name: "braces inside strings",
			in:   `{"doc": "use {curly} braces \" carefully"}`,
			want: `{"doc": "use {curly} braces \" carefully"}`,
		},
		{
			name: "array",
			in:   `["a", "b"]`,
			want: `["a", "b"]`,
		},
		{
			name: "fenced json",
			in:   "```json\n{\"name\": \"x\"}\n```",
			want: `{"name": "x"}`,
		},
		{
			name:    "no json at all",
			in:      "I could not produce a spec.",
			wantErr: true,
		},
		{
			name:    "unbalanced",
			in:      `{"name": "square"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseGoalList(t *testing.T) {
	goals, err := ParseGoalList(`Here: ["parse the csv", "sum a column"] done`)
	if err != nil {
		t.Fatalf("ParseGoalList: %v", err)
	}
	if len(goals) != 2 || goals[0] != "parse the csv" {
		t.Errorf("goals = %v", goals)
	}

	for name, in := range map[string]string{
		"empty list":  `[]`,
		"empty goal":  `["a", "  "]`,
		"duplicate":   `["a", "a"]`,
		"not strings": `[1, 2]`,
		"not a list":  `{"goal": "a"}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseGoalList(in); err == nil {
				t.Errorf("expected error for %s", name)
			}
		})
	}
}

func TestParseGoalListTrimsWhitespace(t *testing.T) {
	goals, err := ParseGoalList(`["  reverse a string  "]`)
	if err != nil {
		t.Fatal(err)
	}
	if goals[0] != "reverse a string" {
		t.Errorf("goal = %q, want trimmed", goals[0])
	}
}

func TestExtractJSONPrefersFirstValue(t *testing.T) {
	got, err := ExtractJSON(`{"a": 1} {"b": 2}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, `"a"`) || strings.Contains(got, `"b"`) {
		t.Errorf("got %q, want first object only", got)
	}
}
