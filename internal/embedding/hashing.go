package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashingProvider is a deterministic bag-of-words embedder using the hashing
// trick with signed buckets. It needs no model or network and keeps lexical
// overlap meaningful under cosine similarity.
type HashingProvider struct {
	dims int
}

func NewHashingProvider(dims int) *HashingProvider {
	if dims <= 0 {
		dims = 384
	}
	return &HashingProvider{dims: dims}
}

func (h *HashingProvider) Dimensions() int   { return h.dims }
func (h *HashingProvider) ModelName() string { return "hashing" }

func (h *HashingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dims)
	tokens := tokenize(text)
	for i, tok := range tokens {
		h.add(vec, tok, 1)
		if i > 0 {
			h.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	return Normalize(vec), nil
}

func (h *HashingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *HashingProvider) add(vec []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
