package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/metrics"
	"github.com/context-engine/backend/pkg/circuitbreaker"
	"github.com/context-engine/backend/pkg/logger"
	"github.com/context-engine/backend/pkg/retry"
)

type OpenAIOptions struct {
	APIKey     string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
}

type OpenAIProvider struct {
	client    *openai.Client
	model     string
	dims      int
	batchSize int
	timeout   time.Duration
	cb        *circuitbreaker.Breaker
	policy    retry.Policy
}

func NewOpenAIProvider(opts OpenAIOptions) (*OpenAIProvider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai embedding provider requires an api key")
	}
	if opts.Model == "" {
		opts.Model = "text-embedding-3-small"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	policy := retry.DefaultPolicy("openai.embeddings")
	policy.InitialDelay = 500 * time.Millisecond
	policy.Logger = logger.GetLogger()

	logger.Info("OpenAI embedding provider initialized",
		zap.String("model", opts.Model),
		zap.Int("dimensions", opts.Dimensions),
	)

	return &OpenAIProvider{
		client:    openai.NewClient(opts.APIKey),
		model:     opts.Model,
		dims:      opts.Dimensions,
		batchSize: opts.BatchSize,
		timeout:   opts.Timeout,
		cb: circuitbreaker.New("openai.embeddings", circuitbreaker.Config{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			Logger:           logger.GetLogger(),
		}),
		policy: policy,
	}, nil
}

func (p *OpenAIProvider) Dimensions() int   { return p.dims }
func (p *OpenAIProvider) ModelName() string { return p.model }

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		metrics.EmbeddingDuration.WithLabelValues("openai").Observe(time.Since(start).Seconds())
	}()

	out := make([][]float32, 0, len(texts))
	for _, b := range batches(len(texts), p.batchSize) {
		batch := texts[b[0]:b[1]]

		var vectors [][]float32
		err := p.cb.Execute(ctx, func(ctx context.Context) error {
			var err error
			vectors, err = retry.Value(ctx, p.policy, func(ctx context.Context) ([][]float32, error) {
				return p.createEmbeddings(ctx, batch)
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		out = append(out, vectors...)
	}

	if err := checkDimensions(out, p.dims); err != nil {
		return nil, err
	}

	logger.Debug("Embeddings generated", zap.String("provider", "openai"), zap.Int("count", len(out)))
	return out, nil
}

func (p *OpenAIProvider) createEmbeddings(ctx context.Context, batch []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: batch,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 &&
			apiErr.HTTPStatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	if len(resp.Data) != len(batch) {
		return nil, retry.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(batch), len(resp.Data)))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, retry.Permanent(fmt.Errorf("embedding index %d out of range", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
