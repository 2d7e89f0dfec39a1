package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/embedding"
	"github.com/context-engine/backend/internal/storage/models"
	"github.com/context-engine/backend/pkg/logger"
	"github.com/context-engine/backend/pkg/utils"
)

const (
	DefaultTopK         = 5
	maxCollectionName   = 63
	defaultCollectionPx = "proj_"
)

// Service owns the embedding provider and the backend connection and hands
// out one collection per project. Initialization is lazy and guarded; a
// failed attempt leaves the service ready to retry on the next call.
type Service struct {
	backend  Backend
	embedder embedding.Provider
	prefix   string

	initMu      sync.Mutex
	initialized bool

	mu          sync.Mutex
	collections map[string]Collection
}

type Options struct {
	CollectionPrefix string
}

func NewService(backend Backend, embedder embedding.Provider, opts Options) *Service {
	prefix := opts.CollectionPrefix
	if prefix == "" {
		prefix = defaultCollectionPx
	}
	return &Service{
		backend:     backend,
		embedder:    embedder,
		prefix:      prefix,
		collections: make(map[string]Collection),
	}
}

// Initialize connects the backend. Only the first successful call does work.
func (s *Service) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized {
		return nil
	}

	if err := s.backend.Connect(ctx, s.embedder.Dimensions()); err != nil {
		return fmt.Errorf("failed to initialize vector store: %w", err)
	}
	s.initialized = true

	logger.Info("Vector store initialized",
		zap.String("backend", s.backend.Name()),
		zap.String("embedding_model", s.embedder.ModelName()),
		zap.Int("dimensions", s.embedder.Dimensions()),
	)
	return nil
}

func (s *Service) Close() error {
	return s.backend.Close()
}

// CollectionName maps a project id onto a physical collection identifier.
// Ids made of lower-case letters, digits, dashes and underscores map directly
// with dashes turned into underscores; anything else is sanitized and
// suffixed with a hash of the original id so distinct ids stay distinct.
func CollectionName(prefix, projectID string) string {
	if prefix == "" {
		prefix = defaultCollectionPx
	}

	lossy := false
	var b strings.Builder
	b.WriteString(prefix)
	for _, r := range projectID {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-':
			b.WriteByte('_')
		default:
			lossy = true
			if r >= 'A' && r <= 'Z' {
				b.WriteRune(r + ('a' - 'A'))
			} else {
				b.WriteByte('_')
			}
		}
	}

	name := b.String()
	if !lossy && len(name) <= maxCollectionName {
		return name
	}

	suffix := "_" + utils.ShortHash(projectID, 8)
	if len(name)+len(suffix) > maxCollectionName {
		name = name[:maxCollectionName-len(suffix)]
	}
	return name + suffix
}

// EnsureCollection returns the project's collection, creating it if needed.
// Repeated calls return the same handle.
func (s *Service) EnsureCollection(ctx context.Context, projectID string) (Collection, error) {
	if projectID == "" {
		return nil, models.InvalidInputf("project id is required")
	}
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[projectID]; ok {
		return c, nil
	}

	name := CollectionName(s.prefix, projectID)
	c, err := s.backend.OpenCollection(ctx, name, s.embedder.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", name, err)
	}
	s.collections[projectID] = c

	logger.Debug("Collection ready", zap.String("project_id", projectID), zap.String("collection", name))
	return c, nil
}

func validateChunk(c Chunk) error {
	switch {
	case c.ID == "":
		return models.InvalidInputf("chunk id is required")
	case c.SourceFile == "":
		return models.InvalidInputf("chunk %s has no source file", c.ID)
	case len(c.SourceFile) > models.MaxFileNameBytes:
		return models.InvalidInputf("chunk %s source file is %d bytes, the limit is %d", c.ID, len(c.SourceFile), models.MaxFileNameBytes)
	case strings.TrimSpace(c.Content) == "":
		return models.InvalidInputf("chunk %s has no content", c.ID)
	}
	return nil
}

// AddChunks embeds every chunk and bulk-inserts them into the project's
// collection. Embedding is all-or-nothing: one failure aborts the call before
// anything is written. A short write is reported as *PartialInsertError.
func (s *Service) AddChunks(ctx context.Context, projectID string, chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	for _, c := range chunks {
		if err := validateChunk(c); err != nil {
			return 0, err
		}
	}

	coll, err := s.EnsureCollection(ctx, projectID)
	if err != nil {
		return 0, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	records := make([]Record, len(chunks))
	for i, c := range chunks {
		records[i] = Record{Chunk: c, Vector: embedding.Normalize(vectors[i])}
	}

	n, err := coll.Insert(ctx, records)
	if err != nil {
		var partial *PartialInsertError
		if errors.As(err, &partial) {
			return partial.Inserted, err
		}
		if n > 0 {
			return n, &PartialInsertError{Inserted: n, Total: len(records), Err: err}
		}
		return 0, fmt.Errorf("failed to insert chunks: %w", err)
	}
	if n != len(records) {
		return n, &PartialInsertError{Inserted: n, Total: len(records), Err: errors.New("backend stored fewer records than requested")}
	}

	logger.Debug("Chunks added",
		zap.String("project_id", projectID),
		zap.String("collection", coll.Name()),
		zap.Int("count", n),
	)
	return n, nil
}

// Search embeds query and returns the topK most similar chunks of the
// project, best first. topK of zero means DefaultTopK.
func (s *Service) Search(ctx context.Context, projectID, query string, filter Filter, topK int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.InvalidInputf("query text is required")
	}
	if topK == 0 {
		topK = DefaultTopK
	}
	if topK < 0 {
		return nil, models.InvalidInputf("topK must be positive, got %d", topK)
	}
	if err := filter.Validate(); err != nil {
		return nil, models.InvalidInputf("%v", err)
	}

	coll, err := s.EnsureCollection(ctx, projectID)
	if err != nil {
		return nil, err
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := coll.Search(ctx, embedding.Normalize(vec), filter, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search collection %s: %w", coll.Name(), err)
	}
	return results, nil
}

// DeleteBySource removes every chunk of sourceFile from the project.
func (s *Service) DeleteBySource(ctx context.Context, projectID, sourceFile string) error {
	if sourceFile == "" {
		return models.InvalidInputf("source file is required")
	}
	coll, err := s.EnsureCollection(ctx, projectID)
	if err != nil {
		return err
	}
	if err := coll.DeleteBySource(ctx, sourceFile); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", sourceFile, err)
	}

	logger.Debug("Chunks deleted by source",
		zap.String("project_id", projectID),
		zap.String("source_file", sourceFile),
	)
	return nil
}

// DropCollection removes a project's collection entirely.
func (s *Service) DropCollection(ctx context.Context, projectID string) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.DropCollection(ctx, CollectionName(s.prefix, projectID)); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	delete(s.collections, projectID)
	return nil
}
