package main

import (
	"machinist/internal/config"
	"machinist/internal/embedding"
	"machinist/internal/lifecycle"
	"machinist/internal/llm"
	"machinist/internal/policy"
	"machinist/internal/registry"
	"machinist/internal/sandbox"
	"machinist/internal/validate"
	"machinist/internal/workflow"
)

// app is the wired object graph behind every command. Commands open
// only the slices they need: registry commands never touch the LLM.
type app struct {
	cfg      *config.Config
	embedder embedding.EmbeddingEngine
	runner   *sandbox.Runner
	registry *registry.Registry
	foundry  *lifecycle.Foundry
	engine   *workflow.Engine
	loader   *workflow.Loader
}

func (a *app) close() {
	if a.registry != nil {
		_ = a.registry.Close()
	}
}

// openRegistry wires config, embedder and registry.
func openRegistry(cfg *config.Config) (*app, error) {
	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(cfg.Registry, embedder)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, embedder: embedder, registry: reg}, nil
}

// openWorkflow adds the sandbox runner and workflow engine.
func openWorkflow(cfg *config.Config) (*app, error) {
	a, err := openRegistry(cfg)
	if err != nil {
		return nil, err
	}
	a.runner = sandbox.NewRunner(cfg.Sandbox, cfg.GetWallClockGrace())
	a.engine = workflow.NewEngine(a.registry, a.runner, cfg.Workflow)
	a.loader = workflow.NewLoader(cfg.Workflow.SearchPath)
	return a, nil
}

// openFoundry adds the LLM collaborator and the full lifecycle.
func openFoundry(cfg *config.Config) (*app, error) {
	a, err := openWorkflow(cfg)
	if err != nil {
		return nil, err
	}

	client, err := llm.New(cfg.LLM.Provider, cfg.LLM.Model, cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.GetLLMTimeout())
	if err != nil {
		a.close()
		return nil, err
	}

	validator := validate.New(a.runner, cfg.Validation)
	gate := policy.NewGate(cfg.Lifecycle.AllowedCapabilities)

	var embedder lifecycle.Embedder = a.embedder
	machine := lifecycle.NewMachine(client, validator, gate, a.registry, embedder, cfg.Lifecycle, cfg.DefaultPolicy())
	a.foundry = lifecycle.NewFoundry(machine, client)
	return a, nil
}
