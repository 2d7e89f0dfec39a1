package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/context-engine/backend/internal/metrics"
	"github.com/context-engine/backend/pkg/circuitbreaker"
	"github.com/context-engine/backend/pkg/logger"
	"github.com/context-engine/backend/pkg/retry"
)

type GeminiOptions struct {
	APIKey     string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
}

type GeminiProvider struct {
	client    *genai.Client
	model     string
	dims      int
	batchSize int
	timeout   time.Duration
	cb        *circuitbreaker.Breaker
	policy    retry.Policy
}

func NewGeminiProvider(ctx context.Context, opts GeminiOptions) (*GeminiProvider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini embedding provider requires an api key")
	}
	if opts.Model == "" {
		opts.Model = "text-embedding-004"
	}
	if opts.BatchSize <= 0 || opts.BatchSize > 100 {
		opts.BatchSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	policy := retry.DefaultPolicy("gemini.embeddings")
	policy.InitialDelay = 500 * time.Millisecond
	policy.Logger = logger.GetLogger()

	logger.Info("Gemini embedding provider initialized",
		zap.String("model", opts.Model),
		zap.Int("dimensions", opts.Dimensions),
	)

	return &GeminiProvider{
		client:    client,
		model:     opts.Model,
		dims:      opts.Dimensions,
		batchSize: opts.BatchSize,
		timeout:   opts.Timeout,
		cb: circuitbreaker.New("gemini.embeddings", circuitbreaker.Config{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			Logger:           logger.GetLogger(),
		}),
		policy: policy,
	}, nil
}

func (g *GeminiProvider) Close() error {
	return g.client.Close()
}

func (g *GeminiProvider) Dimensions() int   { return g.dims }
func (g *GeminiProvider) ModelName() string { return g.model }

func (g *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (g *GeminiProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		metrics.EmbeddingDuration.WithLabelValues("gemini").Observe(time.Since(start).Seconds())
	}()

	em := g.client.EmbeddingModel(g.model)
	out := make([][]float32, 0, len(texts))

	for _, b := range batches(len(texts), g.batchSize) {
		batch := texts[b[0]:b[1]]

		var vectors [][]float32
		err := g.cb.Execute(ctx, func(ctx context.Context) error {
			var err error
			vectors, err = retry.Value(ctx, g.policy, func(ctx context.Context) ([][]float32, error) {
				ctx, cancel := context.WithTimeout(ctx, g.timeout)
				defer cancel()

				req := em.NewBatch()
				for _, t := range batch {
					req.AddContent(genai.Text(t))
				}
				resp, err := em.BatchEmbedContents(ctx, req)
				if err != nil {
					return nil, err
				}
				if len(resp.Embeddings) != len(batch) {
					return nil, retry.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(batch), len(resp.Embeddings)))
				}
				vs := make([][]float32, len(resp.Embeddings))
				for i, e := range resp.Embeddings {
					vs[i] = e.Values
				}
				return vs, nil
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		out = append(out, vectors...)
	}

	if err := checkDimensions(out, g.dims); err != nil {
		return nil, err
	}
	return out, nil
}
