package embedding

import (
	"context"

	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/metrics"
	"github.com/context-engine/backend/pkg/logger"
	"github.com/context-engine/backend/pkg/utils"
)

// Cache is the slice of the redis client the embedding layer needs.
type Cache interface {
	GetEmbedding(ctx context.Context, model, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, model, textHash string, embedding []float32) error
}

// CachedProvider serves repeated texts from Cache. Cache failures degrade to
// calling the wrapped provider.
type CachedProvider struct {
	Provider
	cache Cache
}

func NewCachedProvider(p Provider, cache Cache) *CachedProvider {
	return &CachedProvider{Provider: p, cache: cache}
}

func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.ModelName()
	out := make([][]float32, len(texts))
	hashes := make([]string, len(texts))

	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		hashes[i] = utils.HashString(t)
		v, ok, err := c.cache.GetEmbedding(ctx, model, hashes[i])
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		if ok && len(v) == c.Dimensions() {
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			out[i] = v
			continue
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.Provider.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = fresh[j]
		if err := c.cache.SetEmbedding(ctx, model, hashes[i], fresh[j]); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	return out, nil
}
