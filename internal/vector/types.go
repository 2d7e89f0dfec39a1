package vector

import (
	"context"
	"fmt"
)

// Chunk is one retrievable unit of a document. Chunks are immutable once
// written.
type Chunk struct {
	ID          string   `json:"id"`
	DocumentID  string   `json:"documentId"`
	ProjectIDs  []string `json:"projectIds"`
	Content     string   `json:"content"`
	SourceFile  string   `json:"sourceFile"`
	PageNumber  int      `json:"pageNumber"`
	ChunkIndex  int      `json:"chunkIndex"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// Record is a chunk paired with its embedding, as handed to a backend.
type Record struct {
	Chunk
	Vector []float32 `json:"vector"`
}

// SearchResult pairs a chunk with its similarity to the query. Higher is
// more relevant.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Backend is a vector engine able to host one collection per project.
type Backend interface {
	Name() string
	// Connect establishes the storage connection. dims is the embedding width
	// every collection will use.
	Connect(ctx context.Context, dims int) error
	// OpenCollection returns the named collection, creating it when absent.
	OpenCollection(ctx context.Context, name string, dims int) (Collection, error)
	DropCollection(ctx context.Context, name string) error
	Close() error
}

// Collection is one project's isolated index.
type Collection interface {
	Name() string
	// Insert writes records and reports how many were stored. A short count
	// always comes with an error.
	Insert(ctx context.Context, records []Record) (int, error)
	Search(ctx context.Context, query []float32, filter Filter, topK int) ([]SearchResult, error)
	// DeleteBySource removes every record whose source file matches, as a
	// single atomic operation.
	DeleteBySource(ctx context.Context, sourceFile string) error
}

// PartialInsertError reports a bulk insert that stored only some records.
type PartialInsertError struct {
	Inserted int
	Total    int
	Err      error
}

func (e *PartialInsertError) Error() string {
	return fmt.Sprintf("inserted %d of %d chunks: %v", e.Inserted, e.Total, e.Err)
}

func (e *PartialInsertError) Unwrap() error { return e.Err }
