package hashing

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const (
	tfSaturationK = 1.2
	bigramWeight  = 0.5
)

// Embedder maps text to a fixed-width vector by feature hashing tokens and
// token bigrams. It needs no model server, which makes it the offline and
// test stand-in for a real embedding model. Vectors are L2-normalized so
// cosine similarity is a dot product.
type Embedder struct {
	dims int
}

func New(dims int) *Embedder {
	if dims <= 0 {
		dims = 256
	}
	return &Embedder{dims: dims}
}

func (e *Embedder) Dimensions() int {
	return e.dims
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, e.encode(text))
	}
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.encode(text), nil
}

func (e *Embedder) encode(text string) []float32 {
	termFreq := make(map[string]float64, 32)
	tokens := tokenizeAlphaNum(text)
	for i, token := range tokens {
		termFreq[token]++
		if i > 0 {
			termFreq[tokens[i-1]+" "+token] += bigramWeight
		}
	}

	vec := make([]float64, e.dims)
	for term, tf := range termFreq {
		weight := (tf * (tfSaturationK + 1.0)) / (tf + tfSaturationK)
		idx, sign := e.bucket(term)
		vec[idx] += sign * weight
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, e.dims)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

// bucket picks the slot from the low hash bits and the sign from the top bit,
// which keeps collisions unbiased.
func (e *Embedder) bucket(term string) (int, float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(term))
	sum := h.Sum64()
	sign := 1.0
	if sum>>63 == 1 {
		sign = -1.0
	}
	return int(sum % uint64(e.dims)), sign
}

func tokenizeAlphaNum(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 24)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
