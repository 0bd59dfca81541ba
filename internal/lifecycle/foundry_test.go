package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machinist/internal/config"
	"machinist/internal/llm"
	"machinist/internal/policy"
	"machinist/internal/tool"
)

// seqValidator returns scripted results in call order, repeating the
// last one when the script runs out.
type seqValidator struct {
	results []tool.ValidationResult
	calls   int
}

func (v *seqValidator) Validate(ctx context.Context, spec tool.Spec, artifact tool.Artifact, tests tool.TestSuite, secPolicy tool.SecurityPolicy) (tool.ValidationResult, error) {
	i := v.calls
	v.calls++
	if i >= len(v.results) {
		i = len(v.results) - 1
	}
	return v.results[i], nil
}

func newFoundryHarness(cfg config.LifecycleConfig, validator Validator) (*Foundry, *mockClient, *mockStore) {
	client := newMockClient()
	store := &mockStore{}
	machine := NewMachine(client, validator, &mockGate{}, store, nil, cfg, tool.DefaultSecurityPolicy())
	return NewFoundry(machine, client), client, store
}

func TestForgePromotesWithoutRepair(t *testing.T) {
	foundry, client, _ := newFoundryHarness(
		config.LifecycleConfig{MaxGenerationRetries: 1, MaxRepairAttempts: 2},
		&seqValidator{results: []tool.ValidationResult{passResult()}},
	)
	client.queue(specSystem, specReply)
	client.queue(codeSystem, codeReply)
	client.queue(testSystem, testsReply)

	run, err := foundry.Forge(context.Background(), "reverse a string")
	require.NoError(t, err)
	assert.Equal(t, StatePromoted, run.State)
	assert.Equal(t, 0, client.callCount(repairSystem))
}

func TestForgeRepairsValidationFailure(t *testing.T) {
	validator := &seqValidator{results: []tool.ValidationResult{failResult(), passResult()}}
	foundry, client, store := newFoundryHarness(
		config.LifecycleConfig{MaxGenerationRetries: 1, MaxRepairAttempts: 2},
		validator,
	)
	client.queue(specSystem, specReply)
	client.queue(codeSystem, codeReply)
	client.queue(testSystem, testsReply)
	client.queue(repairSystem, codeReply)

	run, err := foundry.Forge(context.Background(), "reverse a string")
	require.NoError(t, err)
	assert.Equal(t, StatePromoted, run.State)

	// One full generation pass, one repair, two validations.
	assert.Equal(t, 1, client.callCount(specSystem))
	assert.Equal(t, 1, client.callCount(codeSystem))
	assert.Equal(t, 1, client.callCount(repairSystem))
	assert.Equal(t, 2, validator.calls)
	assert.Len(t, store.puts, 1)
}

func TestForgeGivesUpAfterRepairBound(t *testing.T) {
	validator := &seqValidator{results: []tool.ValidationResult{failResult()}}
	foundry, client, _ := newFoundryHarness(
		config.LifecycleConfig{MaxGenerationRetries: 1, MaxRepairAttempts: 1},
		validator,
	)
	client.queue(specSystem, specReply)
	client.queue(codeSystem, codeReply)
	client.queue(testSystem, testsReply)
	client.queue(repairSystem, codeReply)

	run, err := foundry.Forge(context.Background(), "reverse a string")
	require.Error(t, err)
	assert.Equal(t, StateRejected, run.State)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ReasonValidation, rejected.Reason)
	assert.Equal(t, 1, client.callCount(repairSystem))
	assert.Equal(t, 2, validator.calls)
}

func TestForgeDoesNotRepairPolicyRejection(t *testing.T) {
	client := newMockClient()
	gate := &mockGate{report: &policy.Report{Allowed: false, Violations: []policy.Violation{
		{Kind: "goroutine", Subject: "reverse_string", Detail: "spawns a goroutine"},
	}}}
	machine := NewMachine(client, &seqValidator{results: []tool.ValidationResult{passResult()}},
		gate, &mockStore{}, nil,
		config.LifecycleConfig{MaxGenerationRetries: 1, MaxRepairAttempts: 3},
		tool.DefaultSecurityPolicy())
	foundry := NewFoundry(machine, client)

	client.queue(specSystem, specReply)
	client.queue(codeSystem, codeReply)
	client.queue(testSystem, testsReply)

	_, err := foundry.Forge(context.Background(), "reverse a string")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ReasonPolicy, rejected.Reason)
	assert.Equal(t, 0, client.callCount(repairSystem))
}

func TestForgeKeepsOriginalErrorWhenRepairFails(t *testing.T) {
	validator := &seqValidator{results: []tool.ValidationResult{failResult()}}
	foundry, client, _ := newFoundryHarness(
		config.LifecycleConfig{MaxGenerationRetries: 1, MaxRepairAttempts: 2},
		validator,
	)
	client.queue(specSystem, specReply)
	client.queue(codeSystem, codeReply)
	client.queue(testSystem, testsReply)
	client.queue(repairSystem, "no code here, sorry")

	_, err := foundry.Forge(context.Background(), "reverse a string")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ReasonValidation, rejected.Reason)
	assert.Equal(t, 1, validator.calls, "failed repair must not start another run")
}

func TestDecompose(t *testing.T) {
	foundry, client, _ := newFoundryHarness(
		config.LifecycleConfig{}, &seqValidator{results: []tool.ValidationResult{passResult()}},
	)
	client.queue(decomposeSystem, `["tokenize the text", "count the tokens"]`)

	goals, err := foundry.Decompose(context.Background(), "analyze word frequency")
	require.NoError(t, err)
	assert.Equal(t, []string{"tokenize the text", "count the tokens"}, goals)
}

func TestDecomposeRejectsMalformedReply(t *testing.T) {
	foundry, client, _ := newFoundryHarness(
		config.LifecycleConfig{}, &seqValidator{results: []tool.ValidationResult{passResult()}},
	)
	client.queue(decomposeSystem, "1. tokenize\n2. count\n")

	_, err := foundry.Decompose(context.Background(), "analyze word frequency")
	var generation *llm.GenerationError
	require.ErrorAs(t, err, &generation)
	assert.Equal(t, "decompose", generation.Phase)
}

func TestForgeBatchRecordsPerGoalOutcomes(t *testing.T) {
	validator := &seqValidator{results: []tool.ValidationResult{passResult()}}
	foundry, client, store := newFoundryHarness(
		config.LifecycleConfig{MaxGenerationRetries: 1, BatchConcurrency: 1},
		validator,
	)
	// First goal generates cleanly; the second goal's spec never parses.
	client.queue(specSystem, specReply, "not a spec")
	client.queue(codeSystem, codeReply)
	client.queue(testSystem, testsReply)

	results, err := foundry.ForgeBatch(context.Background(), []string{"reverse a string", "and something else"})
	require.NoError(t, err, "individual rejections must not abort the batch")
	require.Len(t, results, 2)

	assert.Equal(t, "reverse a string", results[0].Goal)
	require.NoError(t, results[0].Err)
	assert.Equal(t, StatePromoted, results[0].Run.State)

	require.Error(t, results[1].Err)
	var rejected *RejectedError
	assert.ErrorAs(t, results[1].Err, &rejected)
	assert.Len(t, store.puts, 1)
}

func TestForgeBatchAbortsOnCancellation(t *testing.T) {
	foundry, _, _ := newFoundryHarness(
		config.LifecycleConfig{MaxGenerationRetries: 1},
		&seqValidator{results: []tool.ValidationResult{passResult()}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := foundry.ForgeBatch(ctx, []string{"a", "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
