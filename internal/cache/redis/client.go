package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/context-engine/backend/pkg/logger"
)

// Client caches embeddings and per-project query answers.
type Client struct {
	client       *redis.Client
	queryTTL     time.Duration
	embeddingTTL time.Duration
}

type Options struct {
	Addr         string
	Password     string
	DB           int
	QueryTTL     time.Duration
	EmbeddingTTL time.Duration
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", opts.Addr))

	return &Client{client: client, queryTTL: opts.QueryTTL, embeddingTTL: opts.EmbeddingTTL}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func QueryKey(projectID, queryHash string) string {
	return fmt.Sprintf("query:%s:%s", projectID, queryHash)
}

func EmbeddingKey(model, textHash string) string {
	return fmt.Sprintf("embedding:%s:%s", model, textHash)
}

func (c *Client) SetQuery(ctx context.Context, projectID, queryHash string, response any) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := c.client.Set(ctx, QueryKey(projectID, queryHash), data, c.queryTTL).Err(); err != nil {
		return fmt.Errorf("failed to set query cache: %w", err)
	}

	logger.Debug("Query cached",
		zap.String("project_id", projectID),
		zap.String("query_hash", queryHash),
		zap.Duration("ttl", c.queryTTL),
	)
	return nil
}

func (c *Client) GetQuery(ctx context.Context, projectID, queryHash string, response any) (bool, error) {
	data, err := c.client.Get(ctx, QueryKey(projectID, queryHash)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get query cache: %w", err)
	}

	if err := json.Unmarshal(data, response); err != nil {
		return false, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	logger.Debug("Query cache hit", zap.String("project_id", projectID), zap.String("query_hash", queryHash))
	return true, nil
}

func (c *Client) SetEmbedding(ctx context.Context, model, textHash string, embedding []float32) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	if err := c.client.Set(ctx, EmbeddingKey(model, textHash), data, c.embeddingTTL).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, model, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, EmbeddingKey(model, textHash)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return embedding, true, nil
}

// InvalidateProject drops every cached answer for one project.
func (c *Client) InvalidateProject(ctx context.Context, projectID string) error {
	iter := c.client.Scan(ctx, 0, QueryKey(projectID, "*"), 100).Iterator()

	batch := make([]string, 0, 100)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.client.Unlink(ctx, batch...).Err(); err != nil {
			logger.Warn("Failed to delete cache keys", zap.Error(err), zap.Int("count", len(batch)))
		}
		batch = batch[:0]
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			flush()
		}
	}
	flush()

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Debug("Project query cache invalidated", zap.String("project_id", projectID))
	return nil
}
