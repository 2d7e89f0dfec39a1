package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/context-engine/backend/internal/vector"
)

func rec(id, source string, page int, v ...float32) vector.Record {
	return vector.Record{
		Chunk:  vector.Chunk{ID: id, DocumentID: "doc-" + source, SourceFile: source, PageNumber: page, Content: id},
		Vector: v,
	}
}

func openCollection(t *testing.T, s *Store, name string) vector.Collection {
	t.Helper()
	require.NoError(t, s.Connect(context.Background(), 2))
	c, err := s.OpenCollection(context.Background(), name, 2)
	require.NoError(t, err)
	return c
}

func TestOpenCollectionReturnsSameHandle(t *testing.T) {
	s := New("")
	a := openCollection(t, s, "proj_a")
	b, err := s.OpenCollection(context.Background(), "proj_a", 2)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = s.OpenCollection(context.Background(), "proj_a", 3)
	assert.Error(t, err)
}

func TestOpenCollectionRequiresConnect(t *testing.T) {
	_, err := New("").OpenCollection(context.Background(), "x", 2)
	assert.Error(t, err)
}

func TestSearchOrdersByScoreAndAppliesFilter(t *testing.T) {
	ctx := context.Background()
	c := openCollection(t, New(""), "proj_a")

	n, err := c.Insert(ctx, []vector.Record{
		rec("c1", "a.pdf", 1, 1, 0),
		rec("c2", "a.pdf", 2, 0.6, 0.8),
		rec("c3", "b.pdf", 3, 0, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := c.Search(ctx, []float32{1, 0}, vector.Filter{}, 5)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{results[0].Chunk.ID, results[1].Chunk.ID, results[2].Chunk.ID})
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)

	results, err = c.Search(ctx, []float32{1, 0}, vector.And(vector.PageRange(2, 3)...), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c2", results[0].Chunk.ID)
}

func TestSearchEmptyCollection(t *testing.T) {
	c := openCollection(t, New(""), "proj_empty")
	results, err := c.Search(context.Background(), []float32{1, 0}, vector.Filter{}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestInsertRejectsWrongDimensions(t *testing.T) {
	c := openCollection(t, New(""), "proj_a")
	n, err := c.Insert(context.Background(), []vector.Record{rec("c1", "a.pdf", 1, 1, 0), rec("c2", "a.pdf", 1, 1)})
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Zero(t, c.(*Collection).Len())
}

func TestDeleteBySourceAndPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := New(dir)
	c := openCollection(t, s, "proj_a")
	_, err := c.Insert(ctx, []vector.Record{
		rec("c1", "a.pdf", 1, 1, 0),
		rec("c2", "b.pdf", 1, 0, 1),
		rec("c3", "a.pdf", 2, 1, 1),
	})
	require.NoError(t, err)
	require.NoError(t, c.DeleteBySource(ctx, "a.pdf"))
	require.NoError(t, c.DeleteBySource(ctx, "missing.pdf"))

	reopened := openCollection(t, New(dir), "proj_a")
	results, err := reopened.Search(ctx, []float32{1, 0}, vector.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c2", results[0].Chunk.ID)

	require.NoError(t, s.DropCollection(ctx, "proj_a"))
	fresh := openCollection(t, New(dir), "proj_a")
	assert.Zero(t, fresh.(*Collection).Len())
}

func TestInsertAppendsWithoutRewriting(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := openCollection(t, New(dir), "proj_a").(*Collection)
	path := filepath.Join(dir, "proj_a.jsonl")

	var growth []int64
	var last int64
	for i := 0; i < 40; i++ {
		_, err := c.Insert(ctx, []vector.Record{rec(fmt.Sprintf("c%02d", i), "a.pdf", 1, 1, 0)})
		require.NoError(t, err)

		info, err := os.Stat(path)
		require.NoError(t, err)
		if i > 0 {
			growth = append(growth, info.Size()-last)
		}
		last = info.Size()
	}

	// Only the first insert writes the whole log.
	assert.Equal(t, 1, c.compactions)
	for _, g := range growth {
		assert.Equal(t, growth[0], g)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 41)

	require.NoError(t, c.DeleteBySource(ctx, "a.pdf"))
	assert.Equal(t, 2, c.compactions)
	reopened := openCollection(t, New(dir), "proj_a")
	assert.Zero(t, reopened.(*Collection).Len())
}

func TestLoadDropsTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := openCollection(t, New(dir), "proj_a")
	_, err := c.Insert(ctx, []vector.Record{rec("c1", "a.pdf", 1, 1, 0), rec("c2", "a.pdf", 2, 0, 1)})
	require.NoError(t, err)

	path := filepath.Join(dir, "proj_a.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"c3","sourc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openCollection(t, New(dir), "proj_a").(*Collection)
	assert.Equal(t, 2, reopened.Len())
	assert.Equal(t, 1, reopened.compactions)

	_, err = reopened.Insert(ctx, []vector.Record{rec("c4", "b.pdf", 1, 1, 1)})
	require.NoError(t, err)
	again := openCollection(t, New(dir), "proj_a").(*Collection)
	assert.Equal(t, 3, again.Len())
	assert.Zero(t, again.compactions)
}

func TestLoadRejectsDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proj_a.jsonl"), []byte("{\"dimensions\":3}\n"), 0o644))
	s := New(dir)
	require.NoError(t, s.Connect(context.Background(), 2))
	_, err := s.OpenCollection(context.Background(), "proj_a", 2)
	assert.ErrorContains(t, err, "3 dimensions")
}
