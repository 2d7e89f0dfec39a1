package pgvector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/vector"
	"github.com/context-engine/backend/pkg/logger"
)

type Options struct {
	URL      string
	MaxConns int
}

// Store keeps each project's chunks in its own Postgres table with a
// pgvector column, ranked by cosine distance.
type Store struct {
	opts Options

	mu   sync.Mutex
	pool *pgxpool.Pool
}

func New(opts Options) *Store {
	return &Store{opts: opts}
}

func (s *Store) Name() string { return "pgvector" }

func (s *Store) Connect(ctx context.Context, dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return nil
	}

	cfg, err := pgxpool.ParseConfig(s.opts.URL)
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	if s.opts.MaxConns > 0 {
		cfg.MaxConns = int32(s.opts.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return fmt.Errorf("enable pgvector extension: %w", err)
	}
	s.pool = pool

	logger.Info("pgvector store initialized", zap.Int("dimensions", dims))
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *Store) conn() (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil, errors.New("pgvector store is not connected")
	}
	return s.pool, nil
}

func tableIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func createTableSQL(name string, dims int) []string {
	t := tableIdent(name)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			source_file TEXT NOT NULL,
			page_number BIGINT NOT NULL DEFAULT 0,
			chunk_index BIGINT NOT NULL DEFAULT 0,
			user_description TEXT NOT NULL DEFAULT '',
			keywords TEXT[] NOT NULL DEFAULT '{}',
			project_ids TEXT[] NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL
		)`, t, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (source_file)`, tableIdent(name+"_source_idx"), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
			tableIdent(name+"_embedding_idx"), t),
	}
}

func (s *Store) OpenCollection(ctx context.Context, name string, dims int) (vector.Collection, error) {
	pool, err := s.conn()
	if err != nil {
		return nil, err
	}

	for _, stmt := range createTableSQL(name, dims) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create collection table %s: %w", name, err)
		}
	}
	return &Collection{pool: pool, name: name, dims: dims}, nil
}

func (s *Store) DropCollection(ctx context.Context, name string) error {
	pool, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS `+tableIdent(name)); err != nil {
		return fmt.Errorf("drop collection table %s: %w", name, err)
	}
	return nil
}

type Collection struct {
	pool *pgxpool.Pool
	name string
	dims int
}

func (c *Collection) Name() string { return c.name }

func insertSQL(name string) string {
	return fmt.Sprintf(`INSERT INTO %s
		(id, document_id, content, source_file, page_number, chunk_index, user_description, keywords, project_ids, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector)`, tableIdent(name))
}

// Insert writes all records in one transaction, so either every record is
// stored or none is.
func (c *Collection) Insert(ctx context.Context, records []vector.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	q := insertSQL(c.name)
	batch := &pgx.Batch{}
	for _, r := range records {
		if len(r.Vector) != c.dims {
			return 0, fmt.Errorf("record %s has %d dimensions, expected %d", r.ID, len(r.Vector), c.dims)
		}
		batch.Queue(q,
			r.ID, r.DocumentID, r.Content, r.SourceFile,
			int64(r.PageNumber), int64(r.ChunkIndex), r.Description,
			lowerAll(r.Keywords), nonNil(r.ProjectIDs),
			pgv.NewVector(r.Vector),
		)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for i := range records {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, fmt.Errorf("insert chunk %s: %w", records[i].ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("insert chunks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}

	logger.Debug("Chunks inserted into pgvector", zap.String("table", c.name), zap.Int("count", len(records)))
	return len(records), nil
}

func searchSQL(name string, filter vector.Filter, topK int, query []float32) (string, []any, error) {
	where, args, err := filter.SQL(2)
	if err != nil {
		return "", nil, err
	}
	q := fmt.Sprintf(`SELECT id, document_id, content, source_file, page_number, chunk_index,
			user_description, keywords, project_ids, 1 - (embedding <=> $1::vector) AS score
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1::vector
		LIMIT %d`, tableIdent(name), where, topK)

	return q, append([]any{pgv.NewVector(query)}, args...), nil
}

func (c *Collection) Search(ctx context.Context, query []float32, filter vector.Filter, topK int) ([]vector.SearchResult, error) {
	q, args, err := searchSQL(c.name, filter, topK, query)
	if err != nil {
		return nil, err
	}

	rows, err := c.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.name, err)
	}
	defer rows.Close()

	results := make([]vector.SearchResult, 0, topK)
	for rows.Next() {
		var (
			ch          vector.Chunk
			page, index int64
			score       float64
		)
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.Content, &ch.SourceFile, &page, &index,
			&ch.Description, &ch.Keywords, &ch.ProjectIDs, &score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		ch.PageNumber = int(page)
		ch.ChunkIndex = int(index)
		results = append(results, vector.SearchResult{Chunk: ch, Score: score})
	}
	return results, rows.Err()
}

// DeleteBySource runs as a single statement, which Postgres applies
// atomically.
func (c *Collection) DeleteBySource(ctx context.Context, sourceFile string) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM `+tableIdent(c.name)+` WHERE source_file = $1`, sourceFile)
	if err != nil {
		return fmt.Errorf("delete chunks of %s: %w", sourceFile, err)
	}
	logger.Debug("Chunks deleted from pgvector",
		zap.String("table", c.name),
		zap.String("source_file", sourceFile),
		zap.Int64("rows", tag.RowsAffected()),
	)
	return nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
