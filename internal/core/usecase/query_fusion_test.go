package usecase

import (
	"math"
	"testing"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
)

func TestFuseNormalizesEachListIndependently(t *testing.T) {
	lexical := []domain.RetrievalHit{
		hit(domain.KindEntry, "a", 12, domain.SourceLexical, nil),
		hit(domain.KindEntry, "b", 2, domain.SourceLexical, nil),
	}
	semantic := []domain.RetrievalHit{
		hit(domain.KindEntry, "b", 0.9, domain.SourceSemantic, nil),
		hit(domain.KindEntry, "c", 0.3, domain.SourceSemantic, nil),
	}

	out := Fuse(lexical, semantic, domain.EqualWeights())
	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	scores := map[string]float64{}
	for _, r := range out {
		scores[r.ID] = r.FusedScore
	}
	if math.Abs(scores["a"]-0.5) > 1e-9 || math.Abs(scores["b"]-0.5) > 1e-9 || scores["c"] != 0 {
		t.Fatalf("unexpected fused scores %v", scores)
	}
	// a and b tie at 0.5; id ascending breaks it.
	if out[0].ID != "a" || out[1].ID != "b" || out[2].ID != "c" {
		t.Fatalf("unexpected order %s,%s,%s", out[0].ID, out[1].ID, out[2].ID)
	}
	if !out[1].FromLexical || !out[1].FromSemantic || out[1].LexicalScore != 2 || out[1].SemanticScore != 0.9 {
		t.Fatalf("expected b to carry both raw scores, got %+v", out[1])
	}
}

func TestFuseDeduplicatesByIDAndKind(t *testing.T) {
	lexical := []domain.RetrievalHit{
		hit(domain.KindEntry, "x", 1, domain.SourceLexical, map[string]string{"title": "entry x"}),
		hit(domain.KindSolution, "x", 1, domain.SourceLexical, map[string]string{"title": "solution x"}),
	}
	semantic := []domain.RetrievalHit{
		hit(domain.KindEntry, "x", 0.5, domain.SourceSemantic, map[string]string{"title": "ignored", "severity": "high"}),
	}

	out := Fuse(lexical, semantic, domain.EqualWeights())
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0].Kind != domain.KindEntry || out[1].Kind != domain.KindSolution {
		t.Fatalf("expected entry first, got %s then %s", out[0].Kind, out[1].Kind)
	}
	if out[0].Fields["title"] != "entry x" || out[0].Fields["severity"] != "high" {
		t.Fatalf("unexpected merged fields %v", out[0].Fields)
	}
}

func TestFuseAllEqualScoresNormalizeToOne(t *testing.T) {
	lexical := []domain.RetrievalHit{
		hit(domain.KindEntry, "b", 3, domain.SourceLexical, nil),
		hit(domain.KindEntry, "a", 3, domain.SourceLexical, nil),
	}
	out := Fuse(lexical, nil, domain.FusionWeights{Lexical: 1})
	if out[0].ID != "a" || out[0].FusedScore != 1 || out[1].FusedScore != 1 {
		t.Fatalf("unexpected results %+v", out)
	}
}

func TestFuseIsDeterministic(t *testing.T) {
	lexical := []domain.RetrievalHit{
		hit(domain.KindEntry, "d", 1, domain.SourceLexical, nil),
		hit(domain.KindEntry, "c", 1, domain.SourceLexical, nil),
		hit(domain.KindSolution, "b", 2, domain.SourceLexical, nil),
	}
	semantic := []domain.RetrievalHit{
		hit(domain.KindEntry, "c", 0.2, domain.SourceSemantic, nil),
		hit(domain.KindEntry, "a", 0.2, domain.SourceSemantic, nil),
	}

	first := Fuse(lexical, semantic, domain.EqualWeights())
	for i := 0; i < 10; i++ {
		next := Fuse(lexical, semantic, domain.EqualWeights())
		for j := range first {
			if first[j].ID != next[j].ID || first[j].Kind != next[j].Kind || first[j].FusedScore != next[j].FusedScore {
				t.Fatalf("run %d differs at %d: %+v vs %+v", i, j, first[j], next[j])
			}
		}
	}
}

func TestPaginateBounds(t *testing.T) {
	results := []domain.FusedResult{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	if got := paginate(results, 1, 1); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected page %+v", got)
	}
	if got := paginate(results, 5, 10); len(got) != 0 {
		t.Fatalf("expected empty page, got %+v", got)
	}
}
