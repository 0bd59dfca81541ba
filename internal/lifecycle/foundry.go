package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"machinist/internal/llm"
	"machinist/internal/logging"
	"machinist/internal/parsing"
)

// Foundry is the caller-facing orchestration over the state machine:
// single-goal forging with an optional repair pass, objective
// decomposition, and bounded-concurrency batch forging.
type Foundry struct {
	machine *Machine
	client  llm.Client

	maxRepairs  int
	concurrency int
}

// NewFoundry builds a foundry over an existing machine. The client is
// the same collaborator the machine uses; the foundry calls it directly
// for decomposition and repair prompts.
func NewFoundry(machine *Machine, client llm.Client) *Foundry {
	repairs := machine.cfg.MaxRepairAttempts
	if repairs < 0 {
		repairs = 0
	}
	concurrency := machine.cfg.BatchConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Foundry{
		machine:     machine,
		client:      client,
		maxRepairs:  repairs,
		concurrency: concurrency,
	}
}

// Forge runs the lifecycle for one goal. When a run is rejected for
// validation, the foundry asks the collaborator to repair the artifact
// with the failing diagnostics in the prompt and starts a fresh run
// seeded with the repaired code, up to the configured bound. Every
// individual run stays strictly forward; repair is retry policy here,
// not a state.
func (f *Foundry) Forge(ctx context.Context, goal string) (*Run, error) {
	run, err := f.machine.Execute(ctx, goal, Seed{})
	if err == nil {
		return run, nil
	}

	for attempt := 1; attempt <= f.maxRepairs; attempt++ {
		var rejected *RejectedError
		if !errors.As(err, &rejected) || rejected.Reason != ReasonValidation {
			return run, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return run, fmt.Errorf("repair cancelled: %w", ctxErr)
		}

		logging.Lifecycle("repair attempt %d/%d for %s", attempt, f.maxRepairs, run.Spec.Name)
		repaired, repairErr := f.repair(ctx, run)
		if repairErr != nil {
			logging.LifecycleWarn("repair of %s failed: %v", run.Spec.Name, repairErr)
			return run, err
		}

		spec := run.Spec
		run, err = f.machine.Execute(ctx, goal, Seed{
			Spec:     &spec,
			Artifact: repaired,
			Tests:    run.Tests.Source,
		})
		if err == nil {
			return run, nil
		}
	}
	return run, err
}

// repair asks the collaborator for a fixed artifact, holding it to the
// same parse gate as freshly generated code.
func (f *Foundry) repair(ctx context.Context, failed *Run) (string, error) {
	reply, err := f.client.CompleteWithSystem(ctx, repairSystem, repairPrompt(failed.Spec, failed.Artifact.Source, failed.Result.Diagnostics))
	if err != nil {
		return "", &llm.GenerationError{Phase: "repair", Detail: "collaborator call failed", Cause: err}
	}
	code, err := parsing.ExtractFencedCode(reply)
	if err != nil {
		return "", &llm.GenerationError{Phase: "repair", Detail: "reply carries no code block", Cause: err}
	}
	source, err := parsing.ParseArtifact(code, failed.Spec.EntryPoint())
	if err != nil {
		return "", &llm.GenerationError{Phase: "repair", Detail: "repaired code does not conform", Cause: err}
	}
	return source, nil
}

// Decompose asks the collaborator to break an objective into
// single-tool goals.
func (f *Foundry) Decompose(ctx context.Context, objective string) ([]string, error) {
	reply, err := f.client.CompleteWithSystem(ctx, decomposeSystem, decomposePrompt(objective))
	if err != nil {
		return nil, &llm.GenerationError{Phase: "decompose", Detail: "collaborator call failed", Cause: err}
	}
	goals, err := parsing.ParseGoalList(reply)
	if err != nil {
		return nil, &llm.GenerationError{Phase: "decompose", Detail: "reply is not a goal list", Cause: err}
	}
	logging.Lifecycle("decomposed objective into %d goal(s)", len(goals))
	return goals, nil
}

// BatchResult pairs one goal of a batch with its run outcome.
type BatchResult struct {
	Goal string
	Run  *Run
	Err  error
}

// ForgeBatch forges goals concurrently under the configured bound.
// Individual rejections are recorded per goal, not fatal to the batch;
// only cancellation aborts early.
func (f *Foundry) ForgeBatch(ctx context.Context, goals []string) ([]BatchResult, error) {
	results := make([]BatchResult, len(goals))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, goal := range goals {
		i, goal := i, goal
		g.Go(func() error {
			run, err := f.Forge(ctx, goal)
			results[i] = BatchResult{Goal: goal, Run: run, Err: err}
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("batch aborted: %w", err)
	}
	return results, nil
}
