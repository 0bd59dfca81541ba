package registry

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"machinist/internal/config"
	"machinist/internal/tool"
)

// fakeEmbedder maps known texts to fixed vectors.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	return nil, fmt.Errorf("no vector for %q", text)
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) Name() string    { return "fake" }

func putNamed(t *testing.T, r *Registry, name, docstring string, vec []float32) tool.Entry {
	t.Helper()
	source := dummySource + "// " + name + "\n"
	spec := tool.Spec{Name: name, Goal: "goal", Docstring: docstring}
	entry := tool.Entry{
		ID:         tool.EntryID(spec, source),
		Name:       name,
		Spec:       spec,
		Result:     passingResult(),
		Policy:     tool.DefaultSecurityPolicy(),
		Embedding:  vec,
		PromotedAt: nextPromotionTime(),
	}
	if err := r.Put(entry, source, dummyTests); err != nil {
		t.Fatal(err)
	}
	return entry
}

var promotionSeq int64

// nextPromotionTime hands out strictly increasing timestamps so
// ordering-sensitive assertions never depend on clock resolution.
func nextPromotionTime() time.Time {
	promotionSeq++
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(promotionSeq) * time.Second)
}

func TestVecBlobEncoding(t *testing.T) {
	blob := vecBlob([]float32{1, -2})
	if len(blob) != 8 {
		t.Fatalf("blob length = %d, want 8", len(blob))
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(blob[:4])); got != 1 {
		t.Errorf("dimension 0 = %f, want 1", got)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(blob[4:])); got != -2 {
		t.Errorf("dimension 1 = %f, want -2", got)
	}
	if vecBlob(nil) != nil {
		t.Error("empty vector should encode to nil")
	}
}

func TestKeywordScore(t *testing.T) {
	tests := []struct {
		query string
		text  string
		zero  bool
	}{
		{"reverse", "reverse_string: reverses text", false},
		{"reverse text", "reverse_string: reverses text", false},
		{"unrelated", "reverse_string: reverses text", true},
		{"", "anything", true},
	}
	for _, tt := range tests {
		score := keywordScore(tt.query, tt.text)
		if tt.zero && score > 0 {
			t.Errorf("keywordScore(%q) = %f, want 0", tt.query, score)
		}
		if !tt.zero && score <= 0 {
			t.Errorf("keywordScore(%q) = %f, want > 0", tt.query, score)
		}
	}

	nameHit := keywordScore("reverse", "reverse_string: processes data")
	bodyHit := keywordScore("data", "reverse_string: processes data")
	if nameHit <= bodyHit {
		t.Errorf("name match (%f) should outrank body match (%f)", nameHit, bodyHit)
	}
}

func TestSearchKeywordFallback(t *testing.T) {
	r := openTestRegistry(t)
	putNamed(t, r, "reverse string", "reverses the characters of text", nil)
	putNamed(t, r, "sum numbers", "adds a list of integers", nil)

	results, err := r.Search(context.Background(), "reverse some text", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Entry.Name != "reverse string" {
		t.Errorf("top result = %s", results[0].Entry.Name)
	}
	for _, res := range results {
		if res.Entry.Name == "sum numbers" {
			t.Error("unrelated entry ranked")
		}
	}
}

func TestSearchEmbeddingRanking(t *testing.T) {
	root := filepath.Join(t.TempDir(), "registry")
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"turn text around": {1, 0, 0},
	}}
	r, err := Open(config.RegistryConfig{Root: root}, embedder)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	putNamed(t, r, "reverse string", "reverses text", []float32{0.9, 0.1, 0})
	putNamed(t, r, "sum numbers", "adds integers", []float32{0, 0.1, 0.9})

	results, err := r.Search(context.Background(), "turn text around", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) < 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Entry.Name != "reverse string" {
		t.Errorf("top result = %s, want the cosine-nearest entry", results[0].Entry.Name)
	}
	if results[0].Score <= results[1].Score {
		t.Error("scores not descending")
	}
}

func TestSearchEmbedderFailureFallsBack(t *testing.T) {
	root := filepath.Join(t.TempDir(), "registry")
	embedder := &fakeEmbedder{} // every Embed call fails
	r, err := Open(config.RegistryConfig{Root: root}, embedder)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	putNamed(t, r, "reverse string", "reverses text", nil)

	results, err := r.Search(context.Background(), "reverse", 5)
	if err != nil {
		t.Fatalf("Search should fall back to keywords: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want 1", len(results))
	}
}

func TestSearchEmptyRegistry(t *testing.T) {
	r := openTestRegistry(t)
	results, err := r.Search(context.Background(), "anything", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from empty registry", len(results))
	}
}

func TestSearchLimit(t *testing.T) {
	r := openTestRegistry(t)
	for i := 0; i < 4; i++ {
		putNamed(t, r, fmt.Sprintf("reverse tool %d", i), "reverses things", nil)
	}

	results, err := r.Search(context.Background(), "reverse", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want limit 2", len(results))
	}
}
