package usecase

import (
	"sort"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

type fusedCandidate struct {
	result  domain.FusedResult
	normLex float64
	normSem float64
}

// Fuse merges lexical and semantic hits into one list. Each list is min-max
// normalized on its own before weighting; an item missing from one list gets
// 0 for that side. Output order is fused score desc, then id asc, then kind.
func Fuse(lexical, semantic []domain.RetrievalHit, weights domain.FusionWeights) []domain.FusedResult {
	acc := make(map[string]*fusedCandidate, len(lexical)+len(semantic))
	order := make([]string, 0, len(lexical)+len(semantic))

	add := func(hits []domain.RetrievalHit, source domain.RetrievalSource) {
		normalized := minMaxNormalize(hits)
		for i, hit := range hits {
			key := domain.DocumentKey(hit.Kind, hit.ID)
			candidate, ok := acc[key]
			if !ok {
				candidate = &fusedCandidate{result: domain.FusedResult{ID: hit.ID, Kind: hit.Kind}}
				acc[key] = candidate
				order = append(order, key)
			}
			candidate.result.Fields = mergeFields(candidate.result.Fields, hit.Fields)

			switch source {
			case domain.SourceLexical:
				if !candidate.result.FromLexical || normalized[i] > candidate.normLex {
					candidate.normLex = normalized[i]
					candidate.result.LexicalScore = hit.Score
				}
				candidate.result.FromLexical = true
			case domain.SourceSemantic:
				if !candidate.result.FromSemantic || normalized[i] > candidate.normSem {
					candidate.normSem = normalized[i]
					candidate.result.SemanticScore = hit.Score
				}
				candidate.result.FromSemantic = true
			}
		}
	}

	add(lexical, domain.SourceLexical)
	add(semantic, domain.SourceSemantic)

	out := make([]domain.FusedResult, 0, len(order))
	for _, key := range order {
		c := acc[key]
		c.result.FusedScore = weights.Lexical*c.normLex + weights.Semantic*c.normSem
		out = append(out, c.result)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return fusedLess(out[i], out[j])
	})
	return out
}

func fusedLess(a, b domain.FusedResult) bool {
	if a.FusedScore != b.FusedScore {
		return a.FusedScore > b.FusedScore
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Kind < b.Kind
}

// minMaxNormalize rescales scores into [0,1] using this list's own bounds.
// A list whose scores are all equal maps every hit to 1.
func minMaxNormalize(hits []domain.RetrievalHit) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}

	minScore, maxScore := hits[0].Score, hits[0].Score
	for _, hit := range hits[1:] {
		if hit.Score < minScore {
			minScore = hit.Score
		}
		if hit.Score > maxScore {
			maxScore = hit.Score
		}
	}

	rangeScore := maxScore - minScore
	for i, hit := range hits {
		if rangeScore <= 0 {
			out[i] = 1
			continue
		}
		out[i] = (hit.Score - minScore) / rangeScore
	}
	return out
}

func mergeFields(current, candidate map[string]string) map[string]string {
	if len(candidate) == 0 {
		return current
	}
	if current == nil {
		current = make(map[string]string, len(candidate))
	}
	for k, v := range candidate {
		if current[k] == "" && v != "" {
			current[k] = v
		}
	}
	return current
}

func paginate(results []domain.FusedResult, offset, limit int) []domain.FusedResult {
	if offset >= len(results) {
		return []domain.FusedResult{}
	}
	end := len(results)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return results[offset:end]
}
