package registry

import (
	"context"
	"sort"
	"strings"

	"machinist/internal/embedding"
	"machinist/internal/logging"
	"machinist/internal/tool"
)

// SearchResult pairs an entry with its relevance score.
type SearchResult struct {
	Entry tool.Entry
	Score float64
}

// Search ranks entries against a free-text query: cosine similarity
// over cached description embeddings when an embedder is available,
// weighted keyword relevance otherwise. Ties break toward the most
// recent promotion.
func (r *Registry) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	candidates, err := r.index.candidates()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var queryVec []float32
	if r.embedder != nil {
		queryVec, err = r.embedder.Embed(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logging.RegistryWarn("query embedding failed, falling back to keyword search: %v", err)
			queryVec = nil
		}
	}

	if queryVec != nil && vecRankingEnabled {
		results, err := r.searchByVecIndex(queryVec, limit)
		if err == nil {
			return results, nil
		}
		logging.RegistryWarn("vec index ranking failed, ranking in process: %v", err)
	}

	type scored struct {
		it    indexedTool
		score float64
	}
	var ranked []scored
	for _, it := range candidates {
		var score float64
		if queryVec != nil && len(it.embedding) > 0 {
			// Cosine ranks, it does not filter: an orthogonal entry is a
			// poor candidate but still a candidate, and limit trims it.
			score = embedding.CosineSimilarity(queryVec, it.embedding)
		} else {
			score = keywordScore(query, it.searchText)
			if score <= 0 {
				continue
			}
		}
		ranked = append(ranked, scored{it: it, score: score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].it.promotedAt.After(ranked[j].it.promotedAt)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	results := make([]SearchResult, 0, len(ranked))
	for _, s := range ranked {
		entry, err := r.load(s.it.id)
		if err != nil {
			// The index may briefly lead the directories; skip rather
			// than surface a phantom entry.
			continue
		}
		results = append(results, SearchResult{Entry: *entry, Score: s.score})
	}
	return results, nil
}

// searchByVecIndex lets sqlite-vec do the cosine ranking. Entries
// without a cached embedding have no blob row and are not ranked.
func (r *Registry) searchByVecIndex(queryVec []float32, limit int) ([]SearchResult, error) {
	ranked, err := r.index.nearest(queryVec, limit)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(ranked))
	for _, rt := range ranked {
		entry, err := r.load(rt.id)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{Entry: *entry, Score: rt.similarity})
	}
	return results, nil
}

// keywordScore is the embedder-less fallback: token overlap with the
// indexed search text, weighted toward matches in the name prefix.
func keywordScore(query, searchText string) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}
	text := strings.ToLower(searchText)
	name := text
	if idx := strings.IndexByte(text, ':'); idx >= 0 {
		name = text[:idx]
	}

	var score float64
	for _, token := range queryTokens {
		switch {
		case strings.Contains(name, token):
			score += 3
		case strings.Contains(text, token):
			score += 1
		}
	}
	return score / float64(len(queryTokens))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var tokens []string
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
