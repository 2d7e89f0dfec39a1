package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/embedding"
	"github.com/context-engine/backend/internal/vector"
	"github.com/context-engine/backend/pkg/logger"
)

// Store is an embedded vector backend doing exact cosine search in memory.
// When dir is set each collection is persisted as a JSON lines log: a header
// line followed by one line per record. Inserts append to the log; deletes
// and recovery from a torn tail rewrite it atomically.
type Store struct {
	dir string

	mu          sync.Mutex
	connected   bool
	collections map[string]*Collection
}

const logExt = ".jsonl"

func New(dir string) *Store {
	return &Store{dir: dir, collections: make(map[string]*Collection)}
}

func (s *Store) Name() string { return "local" }

func (s *Store) Connect(ctx context.Context, dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return fmt.Errorf("failed to create vector directory: %w", err)
		}
	}
	s.connected = true
	logger.Info("Local vector store ready", zap.String("dir", s.dir), zap.Int("dimensions", dims))
	return nil
}

func (s *Store) OpenCollection(ctx context.Context, name string, dims int) (vector.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, errors.New("local vector store is not connected")
	}
	if c, ok := s.collections[name]; ok {
		if c.dims != dims {
			return nil, fmt.Errorf("collection %s has %d dimensions, expected %d", name, c.dims, dims)
		}
		return c, nil
	}

	c := &Collection{name: name, dims: dims}
	if s.dir != "" {
		c.path = filepath.Join(s.dir, name+logExt)
		if err := c.load(); err != nil {
			return nil, err
		}
	}
	s.collections[name] = c
	return c, nil
}

func (s *Store) DropCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections, name)
	if s.dir != "" {
		err := os.Remove(filepath.Join(s.dir, name+logExt))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove collection file: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

type Collection struct {
	name string
	dims int
	path string

	mu      sync.RWMutex
	records []vector.Record
	// size is the byte length of the log's valid prefix.
	size int64
	// compactions counts full rewrites of the log.
	compactions int
}

type header struct {
	Dimensions int `json:"dimensions"`
}

func (c *Collection) Name() string { return c.name }

// Len reports the number of stored records.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// load replays the log. A final line cut short by a crash is dropped and the
// log compacted; any other undecodable line is an error.
func (c *Collection) load() error {
	f, err := os.Open(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open collection %s: %w", c.name, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		records []vector.Record
		size    int64
		torn    bool
		first   = true
	)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && err == io.EOF {
			// No trailing newline, the append never finished.
			torn = true
			break
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read collection %s: %w", c.name, err)
		}

		if first {
			var h header
			if err := json.Unmarshal(line, &h); err != nil {
				return fmt.Errorf("failed to decode collection %s header: %w", c.name, err)
			}
			if h.Dimensions != c.dims {
				return fmt.Errorf("collection %s was written with %d dimensions, expected %d", c.name, h.Dimensions, c.dims)
			}
			first = false
		} else {
			var rec vector.Record
			if err := json.Unmarshal(line, &rec); err != nil {
				return fmt.Errorf("failed to decode collection %s record %d: %w", c.name, len(records), err)
			}
			records = append(records, rec)
		}
		size += int64(len(line))
	}

	c.records = records
	c.size = size
	if torn || first {
		logger.Warn("Compacting collection log with incomplete tail", zap.String("collection", c.name))
		return c.compact(records)
	}
	return nil
}

func encodeLines(buf *bytes.Buffer, records []vector.Record) error {
	enc := json.NewEncoder(buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode record %s: %w", r.ID, err)
		}
	}
	return nil
}

// compact rewrites the log to hold exactly records.
func (c *Collection) compact(records []vector.Record) error {
	if c.path == "" {
		return nil
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(header{Dimensions: c.dims}); err != nil {
		return fmt.Errorf("failed to encode collection %s: %w", c.name, err)
	}
	if err := encodeLines(&buf, records); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), c.name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write collection %s: %w", c.name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write collection %s: %w", c.name, err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("failed to replace collection %s: %w", c.name, err)
	}
	c.size = int64(buf.Len())
	c.compactions++
	return nil
}

// appendLog writes records to the end of the log. A failed write is cut back
// so the log never keeps records the caller was told were not stored.
func (c *Collection) appendLog(records []vector.Record) error {
	if c.path == "" {
		return nil
	}
	if c.size == 0 {
		return c.compact(records)
	}

	var buf bytes.Buffer
	if err := encodeLines(&buf, records); err != nil {
		return err
	}

	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open collection %s: %w", c.name, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Truncate(c.size)
		f.Close()
		return fmt.Errorf("failed to append to collection %s: %w", c.name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to append to collection %s: %w", c.name, err)
	}
	c.size += int64(buf.Len())
	return nil
}

func (c *Collection) Insert(ctx context.Context, records []vector.Record) (int, error) {
	for _, r := range records {
		if len(r.Vector) != c.dims {
			return 0, fmt.Errorf("record %s has %d dimensions, expected %d", r.ID, len(r.Vector), c.dims)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.appendLog(records); err != nil {
		return 0, err
	}
	c.records = append(c.records, records...)
	return len(records), nil
}
func (c *Collection) Search(ctx context.Context, query []float32, filter vector.Filter, topK int) ([]vector.SearchResult, error) {
	if len(query) != c.dims {
		return nil, fmt.Errorf("query has %d dimensions, expected %d", len(query), c.dims)
	}

	c.mu.RLock()
	results := make([]vector.SearchResult, 0, len(c.records))
	for _, r := range c.records {
		if !filter.Match(r.Chunk) {
			continue
		}
		results = append(results, vector.SearchResult{
			Chunk: r.Chunk,
			Score: embedding.Cosine(query, r.Vector),
		})
	}
	c.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (c *Collection) DeleteBySource(ctx context.Context, sourceFile string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := make([]vector.Record, 0, len(c.records))
	for _, r := range c.records {
		if r.SourceFile != sourceFile {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(c.records) {
		return nil
	}
	if err := c.compact(kept); err != nil {
		return err
	}
	c.records = kept
	return nil
}
