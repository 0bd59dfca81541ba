package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"machinist/internal/policy"
	"machinist/internal/tool"
)

// mockClient scripts collaborator replies per system prompt: each call
// for a given system pops the next queued reply.
type mockClient struct {
	mu      sync.Mutex
	replies map[string][]string
	err     error
	calls   []string
}

func newMockClient() *mockClient {
	return &mockClient{replies: map[string][]string{}}
}

func (c *mockClient) queue(system string, replies ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[system] = append(c.replies[system], replies...)
}

func (c *mockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *mockClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, system)
	if c.err != nil {
		return "", c.err
	}
	queue := c.replies[system]
	if len(queue) == 0 {
		return "", fmt.Errorf("mock client: no reply queued for this system prompt")
	}
	reply := queue[0]
	c.replies[system] = queue[1:]
	return reply, nil
}

func (c *mockClient) Model() string { return "mock-model" }

func (c *mockClient) callCount(system string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.calls {
		if s == system {
			n++
		}
	}
	return n
}

type mockValidator struct {
	result tool.ValidationResult
	err    error

	gotPolicy tool.SecurityPolicy
	calls     int
}

func (v *mockValidator) Validate(ctx context.Context, spec tool.Spec, artifact tool.Artifact, tests tool.TestSuite, secPolicy tool.SecurityPolicy) (tool.ValidationResult, error) {
	v.calls++
	v.gotPolicy = secPolicy
	return v.result, v.err
}

type mockGate struct {
	report *policy.Report
	err    error
	calls  int
}

func (g *mockGate) Check(ctx context.Context, spec tool.Spec, source string, secPolicy tool.SecurityPolicy) (*policy.Report, error) {
	g.calls++
	if g.report == nil {
		return &policy.Report{Allowed: true}, g.err
	}
	return g.report, g.err
}

type putCall struct {
	entry    tool.Entry
	artifact string
	tests    string
}

type mockStore struct {
	putErr     error
	resolveErr error
	puts       []putCall
	resolves   []string
}

func (s *mockStore) Put(entry tool.Entry, artifactSource, testSource string) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.puts = append(s.puts, putCall{entry: entry, artifact: artifactSource, tests: testSource})
	return nil
}

func (s *mockStore) Resolve(toolName string, ids []string) error {
	s.resolves = append(s.resolves, toolName)
	return s.resolveErr
}

type mockEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (e *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	return e.vec, e.err
}
