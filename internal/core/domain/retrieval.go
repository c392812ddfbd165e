package domain

import "time"

type RetrievalSource string

const (
	SourceLexical  RetrievalSource = "lexical"
	SourceSemantic RetrievalSource = "semantic"
)

// RetrievalHit is one retriever's view of a matching document.
type RetrievalHit struct {
	ID     string            `json:"id"`
	Kind   Kind              `json:"kind"`
	Score  float64           `json:"score"`
	Fields map[string]string `json:"fields,omitempty"`
	Source RetrievalSource   `json:"source"`
}

type LexicalQuery struct {
	Kind    Kind
	Text    string
	Filters Filters
	Limit   int
	Offset  int
}

type LexicalResult struct {
	Hits  []RetrievalHit
	Total int
	Took  time.Duration
}

type SemanticQuery struct {
	Vector  []float32
	Kinds   []Kind
	Filters Filters
	Limit   int
}

// FusedResult is the merged, de-duplicated view of one (id, kind) pair.
type FusedResult struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	FusedScore    float64           `json:"fused_score"`
	LexicalScore  float64           `json:"lexical_score"`
	SemanticScore float64           `json:"semantic_score"`
	FromLexical   bool              `json:"from_lexical"`
	FromSemantic  bool              `json:"from_semantic"`
	RerankScore   *float64          `json:"rerank_score,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// Score is the final ranking score exposed to callers.
func (r FusedResult) Score() float64 {
	if r.RerankScore != nil {
		return *r.RerankScore
	}
	return r.FusedScore
}

type FusionWeights struct {
	Lexical  float64 `json:"lexical"`
	Semantic float64 `json:"semantic"`
}

func EqualWeights() FusionWeights {
	return FusionWeights{Lexical: 0.5, Semantic: 0.5}
}

type HybridQuery struct {
	Text    string
	Kinds   []Kind
	Filters Filters
	Limit   int
	Offset  int
	Weights *FusionWeights
}

type HybridResult struct {
	Results         []FusedResult `json:"results"`
	Total           int           `json:"total"`
	Degraded        bool          `json:"degraded"`
	DegradedReasons []string      `json:"degraded_reasons,omitempty"`
	Took            time.Duration `json:"-"`
}
