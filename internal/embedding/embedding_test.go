package embedding

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/context-engine/backend/pkg/config"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestHashingProviderIsDeterministicAndNormalized(t *testing.T) {
	p := NewHashingProvider(128)
	ctx := context.Background()

	a, err := p.Embed(ctx, "Quarterly revenue grew by 12 percent")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "Quarterly revenue grew by 12 percent")
	require.NoError(t, err)

	assert.Len(t, a, 128)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, norm(a), 1e-5)
}

func TestHashingProviderRanksLexicalOverlap(t *testing.T) {
	p := NewHashingProvider(256)
	ctx := context.Background()

	q, _ := p.Embed(ctx, "revenue growth in the third quarter")
	near, _ := p.Embed(ctx, "third quarter revenue growth was strong")
	far, _ := p.Embed(ctx, "the cat sat on a warm windowsill")

	assert.Greater(t, Cosine(q, near), Cosine(q, far))
}

func TestHashingProviderEmptyText(t *testing.T) {
	v, err := NewHashingProvider(16).Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Zero(t, norm(v))
}

func TestHashingProviderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashingProvider(16).EmbedBatch(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeAndCosine(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, Normalize([]float32{0, 0}))

	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
}

func TestBatches(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 2}, {2, 4}, {4, 5}}, batches(5, 2))
	assert.Equal(t, [][2]int{{0, 3}}, batches(3, 0))
	assert.Empty(t, batches(0, 10))
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(context.Background(), config.EmbeddingConfig{Provider: "hashing", Dimensions: 32})
	require.NoError(t, err)
	assert.Equal(t, "hashing", p.ModelName())
	assert.Equal(t, 32, p.Dimensions())

	_, err = New(context.Background(), config.EmbeddingConfig{Provider: "openai", Dimensions: 32})
	assert.Error(t, err)

	_, err = New(context.Background(), config.EmbeddingConfig{Provider: "bert"})
	assert.Error(t, err)
}

type memoryCache struct {
	mu      sync.Mutex
	data    map[string][]float32
	readErr error
	gets    int
}

func (m *memoryCache) GetEmbedding(_ context.Context, model, hash string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.readErr != nil {
		return nil, false, m.readErr
	}
	v, ok := m.data[model+":"+hash]
	return v, ok, nil
}

func (m *memoryCache) SetEmbedding(_ context.Context, model, hash string, v []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[model+":"+hash] = v
	return nil
}

type countingProvider struct {
	*HashingProvider
	calls int
	texts int
}

func (c *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	c.texts += len(texts)
	return c.HashingProvider.EmbedBatch(ctx, texts)
}

func TestCachedProviderServesRepeats(t *testing.T) {
	inner := &countingProvider{HashingProvider: NewHashingProvider(32)}
	cache := &memoryCache{data: map[string][]float32{}}
	p := NewCachedProvider(inner, cache)
	ctx := context.Background()

	first, err := p.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.texts)

	second, err := p.EmbedBatch(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.texts)
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])

	single, err := p.Embed(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, second[1], single)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedProviderToleratesCacheErrors(t *testing.T) {
	inner := &countingProvider{HashingProvider: NewHashingProvider(32)}
	cache := &memoryCache{data: map[string][]float32{}, readErr: errors.New("redis down")}
	p := NewCachedProvider(inner, cache)

	v, err := p.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Len(t, v, 32)
	assert.Equal(t, 1, inner.calls)
}
