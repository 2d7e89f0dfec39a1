package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/metrics"
	"github.com/context-engine/backend/internal/storage/models"
	"github.com/context-engine/backend/internal/vector"
	"github.com/context-engine/backend/pkg/logger"
	"github.com/context-engine/backend/pkg/utils"
)

const (
	NoResultsAnswer = "I couldn't find any relevant information in your documents to answer that question."
	answerPrefix    = "Based on your documents, here's what I found:\n\n"
	contextSep      = "\n\n"
)

type Searcher interface {
	Search(ctx context.Context, projectID, query string, filter vector.Filter, topK int) ([]vector.SearchResult, error)
}

// Cache stores whole responses per project. Misses and failures are not
// fatal to a query.
type Cache interface {
	GetQuery(ctx context.Context, projectID, queryHash string, response any) (bool, error)
	SetQuery(ctx context.Context, projectID, queryHash string, response any) error
	InvalidateProject(ctx context.Context, projectID string) error
}

type Options struct {
	DefaultTopK  int
	MaxTopK      int
	PreviewChars int
	Cache        Cache
}

type Engine struct {
	searcher Searcher
	opts     Options
}

type Request struct {
	ProjectID string
	Query     string
	TopK      int
	Filter    vector.Filter
}

type Source struct {
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunkIndex"`
	PageNumber int     `json:"pageNumber"`
	Score      float64 `json:"score"`
	Preview    string  `json:"preview"`
}

type Response struct {
	Answer       string   `json:"answer"`
	Sources      []Source `json:"sources"`
	Query        string   `json:"query"`
	FoundResults int      `json:"foundResults"`
	Context      string   `json:"context,omitempty"`
}

func NewEngine(searcher Searcher, opts Options) *Engine {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = vector.DefaultTopK
	}
	if opts.MaxTopK < opts.DefaultTopK {
		opts.MaxTopK = opts.DefaultTopK
	}
	if opts.PreviewChars <= 0 {
		opts.PreviewChars = 200
	}
	return &Engine{searcher: searcher, opts: opts}
}

func (e *Engine) clampTopK(k int) int {
	switch {
	case k <= 0:
		return e.opts.DefaultTopK
	case k > e.opts.MaxTopK:
		return e.opts.MaxTopK
	}
	return k
}

// cacheKey hashes everything that shapes the response, not only the text.
func cacheKey(query string, topK int, filter vector.Filter) string {
	raw, _ := json.Marshal(filter)
	return utils.HashString(fmt.Sprintf("%s|%d|%s", utils.NormalizeQuery(query), topK, raw))
}

// Query retrieves the chunks most relevant to the request and assembles them
// into a ranked context. No language model is involved: the answer is the
// retrieved text itself.
func (e *Engine) Query(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	text := strings.TrimSpace(req.Query)
	if text == "" {
		metrics.QueryTotal.WithLabelValues("invalid").Inc()
		return nil, models.InvalidInputf("query is required")
	}
	if req.ProjectID == "" {
		metrics.QueryTotal.WithLabelValues("invalid").Inc()
		return nil, models.InvalidInputf("project id is required")
	}
	if err := req.Filter.Validate(); err != nil {
		metrics.QueryTotal.WithLabelValues("invalid").Inc()
		return nil, models.InvalidInputf("%v", err)
	}
	topK := e.clampTopK(req.TopK)

	var key string
	if e.opts.Cache != nil {
		key = cacheKey(text, topK, req.Filter)
		var cached Response
		hit, err := e.opts.Cache.GetQuery(ctx, req.ProjectID, key, &cached)
		if err != nil {
			logger.Warn("Query cache lookup failed", zap.Error(err))
		}
		if hit {
			metrics.CacheHits.WithLabelValues("query").Inc()
			metrics.QueryTotal.WithLabelValues("cached").Inc()
			return &cached, nil
		}
		metrics.CacheMisses.WithLabelValues("query").Inc()
	}

	results, err := e.searcher.Search(ctx, req.ProjectID, text, req.Filter, topK)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to search project %s: %w", req.ProjectID, err)
	}

	resp := e.assemble(text, results)

	if e.opts.Cache != nil {
		if err := e.opts.Cache.SetQuery(ctx, req.ProjectID, key, resp); err != nil {
			logger.Warn("Failed to cache query response", zap.Error(err))
		}
	}

	elapsed := time.Since(start)
	metrics.QueryDuration.Observe(elapsed.Seconds())
	metrics.QueryResults.Observe(float64(len(results)))
	metrics.QueryTotal.WithLabelValues("ok").Inc()

	logger.Info("Query processed",
		zap.String("project_id", req.ProjectID),
		zap.Int("top_k", topK),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", elapsed),
	)
	return resp, nil
}

func (e *Engine) assemble(query string, results []vector.SearchResult) *Response {
	if len(results) == 0 {
		return &Response{
			Answer:  NoResultsAnswer,
			Sources: []Source{},
			Query:   query,
		}
	}

	parts := make([]string, len(results))
	sources := make([]Source, len(results))
	for i, r := range results {
		parts[i] = r.Chunk.Content
		sources[i] = Source{
			Filename:   r.Chunk.SourceFile,
			ChunkIndex: r.Chunk.ChunkIndex,
			PageNumber: r.Chunk.PageNumber,
			Score:      r.Score,
			Preview:    Preview(r.Chunk.Content, e.opts.PreviewChars),
		}
	}
	assembled := strings.Join(parts, contextSep)

	return &Response{
		Answer:       answerPrefix + assembled,
		Sources:      sources,
		Query:        query,
		FoundResults: len(results),
		Context:      assembled,
	}
}

// Preview returns the first n runes of s, marked with "..." when cut.
func Preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// InvalidateProject drops cached answers for a project whose index changed.
func (e *Engine) InvalidateProject(ctx context.Context, projectID string) error {
	if e.opts.Cache == nil {
		return nil
	}
	return e.opts.Cache.InvalidateProject(ctx, projectID)
}
