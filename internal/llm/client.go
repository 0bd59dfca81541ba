// Package llm wraps the external text-generation collaborators behind a
// small client interface. Providers take a prompt and return raw text;
// everything the text claims is validated downstream before use.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Client is the interface every LLM provider implements.
type Client interface {
	// Complete sends a prompt and returns the completion.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a prompt with a system message.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// Model returns the model identifier used for provenance records.
	Model() string
}

// GenerationError reports that the collaborator failed to produce usable
// output for a lifecycle phase: a transport failure, or text that does
// not conform to the phase's expected shape.
type GenerationError struct {
	Phase  string // spec, code, tests, repair, decompose
	Detail string
	Cause  error
}

func (e *GenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("generation failed in %s phase: %s: %v", e.Phase, e.Detail, e.Cause)
	}
	return fmt.Sprintf("generation failed in %s phase: %s", e.Phase, e.Detail)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// New creates a provider client. Provider names mirror the config file:
// "ollama" for a local Ollama server, "openai" for any OpenAI-compatible
// chat-completions endpoint.
func New(provider, model, baseURL, apiKey string, timeout time.Duration) (Client, error) {
	switch provider {
	case "ollama":
		return NewOllamaClient(baseURL, model, timeout), nil
	case "openai":
		return NewOpenAIClient(baseURL, apiKey, model, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (use 'ollama' or 'openai')", provider)
	}
}
