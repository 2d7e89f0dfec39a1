package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterValidate(t *testing.T) {
	valid := And(
		Eq(FieldSourceFile, "a.pdf"),
		Eq(FieldDocumentID, "d1"),
		IntCompare(FieldPageNumber, OpGt, 1),
		IntCompare(FieldChunkIndex, OpLte, 9),
		HasKeyword("finance"),
	)
	require.NoError(t, valid.Validate())
	require.NoError(t, Filter{}.Validate())

	invalid := []Predicate{
		{Field: "owner", Op: OpEq, Str: "x"},
		{Field: FieldSourceFile, Op: OpGt, Str: "a"},
		{Field: FieldPageNumber, Op: OpContains, Num: 1},
		{Field: FieldKeywords, Op: OpEq, Str: "x"},
		{Field: FieldKeywords, Op: OpContains},
	}
	for _, p := range invalid {
		assert.Error(t, And(p).Validate(), "%+v", p)
	}
}

func TestPageRange(t *testing.T) {
	assert.Len(t, PageRange(0, 0), 0)
	assert.Equal(t, []Predicate{IntCompare(FieldPageNumber, OpGte, 2)}, PageRange(2, 0))
	assert.Equal(t, []Predicate{IntCompare(FieldPageNumber, OpLte, 5)}, PageRange(0, 5))
	assert.Len(t, PageRange(2, 5), 2)
}

func TestFilterMatch(t *testing.T) {
	c := Chunk{SourceFile: "a.pdf", DocumentID: "d1", PageNumber: 3, ChunkIndex: 7, Keywords: []string{"Finance", "q3"}}

	assert.True(t, Filter{}.Match(c))
	assert.True(t, And(Eq(FieldSourceFile, "a.pdf"), HasKeyword("finance")).Match(c))
	assert.True(t, And(PageRange(3, 3)...).Match(c))
	assert.False(t, And(Eq(FieldSourceFile, "a.pdf"), HasKeyword("legal")).Match(c))
	assert.False(t, And(IntCompare(FieldChunkIndex, OpLt, 7)).Match(c))
	assert.True(t, And(IntCompare(FieldChunkIndex, OpEq, 7)).Match(c))
	assert.False(t, And(Eq(FieldDocumentID, "d2")).Match(c))
}

func TestMilvusExpr(t *testing.T) {
	expr, err := Filter{}.MilvusExpr()
	require.NoError(t, err)
	assert.Empty(t, expr)

	f := And(append(PageRange(2, 4), Eq(FieldSourceFile, `we"ird.pdf`), HasKeyword("Finance"))...)
	expr, err = f.MilvusExpr()
	require.NoError(t, err)
	assert.Equal(t,
		`page_number >= 2 && page_number <= 4 && source_file == "we\"ird.pdf" && json_contains(meta["keywords"], "finance")`,
		expr)

	_, err = And(Predicate{Field: "x", Op: OpEq}).MilvusExpr()
	assert.Error(t, err)
}

func TestFilterSQL(t *testing.T) {
	where, args, err := Filter{}.SQL(1)
	require.NoError(t, err)
	assert.Equal(t, "TRUE", where)
	assert.Empty(t, args)

	where, args, err = And(IntCompare(FieldChunkIndex, OpEq, 3), Eq(FieldDocumentID, "d1")).SQL(3)
	require.NoError(t, err)
	assert.Equal(t, "chunk_index = $3 AND document_id = $4", where)
	assert.Equal(t, []any{int64(3), "d1"}, args)
}
