package milvus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/storage/models"
	"github.com/context-engine/backend/internal/vector"
	"github.com/context-engine/backend/pkg/logger"
)

const (
	fieldChunkID     = "chunk_id"
	fieldEmbedding   = "embedding"
	fieldContent     = "content"
	fieldDocumentID  = "document_id"
	fieldSourceFile  = "source_file"
	fieldPageNumber  = "page_number"
	fieldChunkIndex  = "chunk_index"
	fieldDescription = "user_description"
	fieldMeta        = "meta"

	maxContentBytes     = 65535
	maxSourceBytes      = models.MaxFileNameBytes
	maxDescriptionBytes = 2048
)

var outputFields = []string{
	fieldChunkID, fieldContent, fieldDocumentID, fieldSourceFile,
	fieldPageNumber, fieldChunkIndex, fieldDescription, fieldMeta,
}

type Options struct {
	Endpoint string
	APIKey   string
	NList    int
	NProbe   int
}

// Client hosts one Milvus collection per project. Vectors arrive normalized,
// so the inner-product metric ranks by cosine similarity.
type Client struct {
	opts Options

	mu     sync.Mutex
	client client.Client
}

func NewClient(opts Options) *Client {
	if opts.NList <= 0 {
		opts.NList = 1024
	}
	if opts.NProbe <= 0 {
		opts.NProbe = 16
	}
	return &Client{opts: opts}
}

func (m *Client) Name() string { return "milvus" }

func (m *Client) Connect(ctx context.Context, dims int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return nil
	}

	c, err := client.NewClient(ctx, client.Config{
		Address: m.opts.Endpoint,
		APIKey:  m.opts.APIKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create milvus client: %w", err)
	}
	m.client = c

	logger.Info("Milvus client initialized",
		zap.String("endpoint", m.opts.Endpoint),
		zap.Int("dimensions", dims),
	)
	return nil
}

func (m *Client) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}

func (m *Client) conn() (client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, errors.New("milvus client is not connected")
	}
	return m.client, nil
}

func collectionSchema(name string, dims int) *entity.Schema {
	varchar := func(field string, maxLen int) *entity.Field {
		return &entity.Field{
			Name:       field,
			DataType:   entity.FieldTypeVarChar,
			TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
		}
	}

	pk := varchar(fieldChunkID, 64)
	pk.PrimaryKey = true

	return &entity.Schema{
		CollectionName: name,
		Description:    "document chunks",
		Fields: []*entity.Field{
			pk,
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(dims)},
			},
			varchar(fieldContent, maxContentBytes),
			varchar(fieldDocumentID, 64),
			varchar(fieldSourceFile, maxSourceBytes),
			{Name: fieldPageNumber, DataType: entity.FieldTypeInt64},
			{Name: fieldChunkIndex, DataType: entity.FieldTypeInt64},
			varchar(fieldDescription, maxDescriptionBytes),
			{Name: fieldMeta, DataType: entity.FieldTypeJSON},
		},
	}
}

func (m *Client) OpenCollection(ctx context.Context, name string, dims int) (vector.Collection, error) {
	c, err := m.conn()
	if err != nil {
		return nil, err
	}

	has, err := c.HasCollection(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		if err := c.CreateCollection(ctx, collectionSchema(name, dims), entity.DefaultShardNumber); err != nil {
			return nil, fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexIvfFlat(entity.IP, m.opts.NList)
		if err != nil {
			return nil, fmt.Errorf("failed to build index params: %w", err)
		}
		if err := c.CreateIndex(ctx, name, fieldEmbedding, idx, false); err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
		logger.Info("Collection created", zap.String("collection", name))
	}

	if err := c.LoadCollection(ctx, name, false); err != nil {
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}

	return &Collection{client: c, name: name, dims: dims, nprobe: m.opts.NProbe}, nil
}

func (m *Client) DropCollection(ctx context.Context, name string) error {
	c, err := m.conn()
	if err != nil {
		return err
	}
	has, err := c.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		return nil
	}
	return c.DropCollection(ctx, name)
}

type Collection struct {
	client client.Client
	name   string
	dims   int
	nprobe int
}

type chunkMeta struct {
	Keywords   []string `json:"keywords"`
	ProjectIDs []string `json:"project_ids"`
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) Insert(ctx context.Context, records []vector.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	n := len(records)
	ids := make([]string, n)
	vectors := make([][]float32, n)
	contents := make([]string, n)
	docIDs := make([]string, n)
	sources := make([]string, n)
	pages := make([]int64, n)
	indexes := make([]int64, n)
	descriptions := make([]string, n)
	metas := make([][]byte, n)

	for i, r := range records {
		if len(r.Vector) != c.dims {
			return 0, fmt.Errorf("record %s has %d dimensions, expected %d", r.ID, len(r.Vector), c.dims)
		}
		// Deletes match the source file exactly, so it is never truncated.
		if len(r.SourceFile) > maxSourceBytes {
			return 0, fmt.Errorf("record %s source file exceeds %d bytes", r.ID, maxSourceBytes)
		}
		meta, err := json.Marshal(chunkMeta{Keywords: lowerAll(r.Keywords), ProjectIDs: r.ProjectIDs})
		if err != nil {
			return 0, fmt.Errorf("failed to encode chunk metadata: %w", err)
		}

		ids[i] = r.ID
		vectors[i] = r.Vector
		contents[i] = truncateBytes(r.Content, maxContentBytes)
		docIDs[i] = r.DocumentID
		sources[i] = r.SourceFile
		pages[i] = int64(r.PageNumber)
		indexes[i] = int64(r.ChunkIndex)
		descriptions[i] = truncateBytes(r.Description, maxDescriptionBytes)
		metas[i] = meta
	}

	_, err := c.client.Insert(ctx, c.name, "",
		entity.NewColumnVarChar(fieldChunkID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, c.dims, vectors),
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnVarChar(fieldDocumentID, docIDs),
		entity.NewColumnVarChar(fieldSourceFile, sources),
		entity.NewColumnInt64(fieldPageNumber, pages),
		entity.NewColumnInt64(fieldChunkIndex, indexes),
		entity.NewColumnVarChar(fieldDescription, descriptions),
		entity.NewColumnJSONBytes(fieldMeta, metas),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert chunks: %w", err)
	}

	logger.Debug("Chunks inserted into Milvus", zap.String("collection", c.name), zap.Int("count", n))
	return n, nil
}

func (c *Collection) Search(ctx context.Context, query []float32, filter vector.Filter, topK int) ([]vector.SearchResult, error) {
	expr, err := filter.MilvusExpr()
	if err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(c.nprobe)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := c.client.Search(
		ctx,
		c.name,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(query)},
		fieldEmbedding,
		entity.IP,
		topK,
		sp,
		// Unflushed inserts and deletes are visible at strong consistency.
		client.WithSearchQueryConsistencyLevel(entity.ClStrong),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]vector.SearchResult, 0, topK)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			chunk, err := decodeRow(sr.Fields, i)
			if err != nil {
				return nil, err
			}
			results = append(results, vector.SearchResult{Chunk: chunk, Score: float64(sr.Scores[i])})
		}
	}

	logger.Debug("Milvus search completed",
		zap.String("collection", c.name),
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
		zap.String("filter", expr),
	)
	return results, nil
}

func (c *Collection) DeleteBySource(ctx context.Context, sourceFile string) error {
	expr, err := vector.And(vector.Eq(vector.FieldSourceFile, sourceFile)).MilvusExpr()
	if err != nil {
		return err
	}
	if err := c.client.Delete(ctx, c.name, "", expr); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

type columnGetter interface {
	GetColumn(name string) entity.Column
}

func decodeRow(fields columnGetter, i int) (vector.Chunk, error) {
	var chunk vector.Chunk

	str := func(name string) (string, error) {
		col := fields.GetColumn(name)
		if col == nil {
			return "", fmt.Errorf("missing column %s", name)
		}
		v, err := col.Get(i)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", name, err)
		}
		s, _ := v.(string)
		return s, nil
	}
	num := func(name string) (int, error) {
		col := fields.GetColumn(name)
		if col == nil {
			return 0, fmt.Errorf("missing column %s", name)
		}
		v, err := col.Get(i)
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", name, err)
		}
		n, _ := v.(int64)
		return int(n), nil
	}

	var err error
	if chunk.ID, err = str(fieldChunkID); err != nil {
		return chunk, err
	}
	if chunk.Content, err = str(fieldContent); err != nil {
		return chunk, err
	}
	if chunk.DocumentID, err = str(fieldDocumentID); err != nil {
		return chunk, err
	}
	if chunk.SourceFile, err = str(fieldSourceFile); err != nil {
		return chunk, err
	}
	if chunk.Description, err = str(fieldDescription); err != nil {
		return chunk, err
	}
	if chunk.PageNumber, err = num(fieldPageNumber); err != nil {
		return chunk, err
	}
	if chunk.ChunkIndex, err = num(fieldChunkIndex); err != nil {
		return chunk, err
	}

	if col := fields.GetColumn(fieldMeta); col != nil {
		if v, err := col.Get(i); err == nil {
			if raw, ok := v.([]byte); ok && len(raw) > 0 {
				var meta chunkMeta
				if err := json.Unmarshal(raw, &meta); err == nil {
					chunk.Keywords = meta.Keywords
					chunk.ProjectIDs = meta.ProjectIDs
				}
			}
		}
	}
	return chunk, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
