// Package embedding wraps the external embedding collaborators. The
// registry uses one engine for both indexing (at promotion) and
// querying (at search time); vectors are compared by cosine similarity.
package embedding

import (
	"context"
	"fmt"
	"math"

	"machinist/internal/logging"
)

// EmbeddingEngine turns text into fixed-dimension vectors.
type EmbeddingEngine interface {
	// Embed generates the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimensionality.
	Dimensions() int

	// Name identifies the engine for logs and provenance.
	Name() string
}

// HealthChecker is implemented by engines that can verify availability
// before batch work.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config selects and configures a provider.
type Config struct {
	Provider string `json:"provider"` // ollama, genai, none

	OllamaEndpoint string `json:"ollama_endpoint"`
	OllamaModel    string `json:"ollama_model"`

	GenAIAPIKey string `json:"genai_api_key"`
	GenAIModel  string `json:"genai_model"`
}

// NewEngine creates an embedding engine from config. Provider "none"
// returns nil: callers treat a nil engine as keyword-search-only.
func NewEngine(cfg Config) (EmbeddingEngine, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "ollama":
		logging.Embedding("using ollama embeddings: endpoint=%s model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		logging.Embedding("using genai embeddings: model=%s", cfg.GenAIModel)
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai' or 'none')", cfg.Provider)
	}
}

// CosineSimilarity compares two vectors: 1 identical direction, 0
// orthogonal. Mismatched dimensions or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag))
}
