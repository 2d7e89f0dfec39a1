package vector

import (
	"fmt"
	"strconv"
	"strings"
)

type Field string

const (
	FieldSourceFile Field = "source_file"
	FieldDocumentID Field = "document_id"
	FieldPageNumber Field = "page_number"
	FieldChunkIndex Field = "chunk_index"
	FieldKeywords   Field = "keywords"
)

type Op string

const (
	OpEq       Op = "eq"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpContains Op = "contains"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindList
)

var fieldKinds = map[Field]fieldKind{
	FieldSourceFile: kindString,
	FieldDocumentID: kindString,
	FieldPageNumber: kindInt,
	FieldChunkIndex: kindInt,
	FieldKeywords:   kindList,
}

var comparators = map[Op]string{
	OpEq:  "==",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// Predicate is one typed condition over chunk metadata. Str carries the
// operand for string and keyword fields, Num for integer fields.
type Predicate struct {
	Field Field  `json:"field"`
	Op    Op     `json:"op"`
	Str   string `json:"str,omitempty"`
	Num   int64  `json:"num,omitempty"`
}

// Filter is the conjunction of its predicates. The zero Filter matches
// everything.
type Filter struct {
	Predicates []Predicate `json:"predicates,omitempty"`
}

func Eq(field Field, value string) Predicate {
	return Predicate{Field: field, Op: OpEq, Str: value}
}

func IntCompare(field Field, op Op, value int) Predicate {
	return Predicate{Field: field, Op: op, Num: int64(value)}
}

func HasKeyword(keyword string) Predicate {
	return Predicate{Field: FieldKeywords, Op: OpContains, Str: keyword}
}

// PageRange matches pages in [from, to]. A non-positive bound is open.
func PageRange(from, to int) []Predicate {
	var out []Predicate
	if from > 0 {
		out = append(out, IntCompare(FieldPageNumber, OpGte, from))
	}
	if to > 0 {
		out = append(out, IntCompare(FieldPageNumber, OpLte, to))
	}
	return out
}

func And(preds ...Predicate) Filter {
	return Filter{Predicates: append([]Predicate(nil), preds...)}
}

func (f Filter) IsEmpty() bool {
	return len(f.Predicates) == 0
}

func (p Predicate) Validate() error {
	kind, ok := fieldKinds[p.Field]
	if !ok {
		return fmt.Errorf("unknown filter field %q", p.Field)
	}
	switch kind {
	case kindString:
		if p.Op != OpEq {
			return fmt.Errorf("field %s supports only eq, got %s", p.Field, p.Op)
		}
	case kindInt:
		if _, ok := comparators[p.Op]; !ok {
			return fmt.Errorf("field %s does not support %s", p.Field, p.Op)
		}
	case kindList:
		if p.Op != OpContains {
			return fmt.Errorf("field %s supports only contains, got %s", p.Field, p.Op)
		}
		if p.Str == "" {
			return fmt.Errorf("field %s requires a non-empty value", p.Field)
		}
	}
	return nil
}

func (f Filter) Validate() error {
	for i, p := range f.Predicates {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("predicate %d: %w", i, err)
		}
	}
	return nil
}

// Match evaluates the filter against a chunk in process.
func (f Filter) Match(c Chunk) bool {
	for _, p := range f.Predicates {
		if !p.match(c) {
			return false
		}
	}
	return true
}

func (p Predicate) match(c Chunk) bool {
	switch p.Field {
	case FieldSourceFile:
		return c.SourceFile == p.Str
	case FieldDocumentID:
		return c.DocumentID == p.Str
	case FieldPageNumber:
		return compareInt(int64(c.PageNumber), p.Op, p.Num)
	case FieldChunkIndex:
		return compareInt(int64(c.ChunkIndex), p.Op, p.Num)
	case FieldKeywords:
		for _, k := range c.Keywords {
			if strings.EqualFold(k, p.Str) {
				return true
			}
		}
	}
	return false
}

func compareInt(v int64, op Op, operand int64) bool {
	switch op {
	case OpEq:
		return v == operand
	case OpGt:
		return v > operand
	case OpGte:
		return v >= operand
	case OpLt:
		return v < operand
	case OpLte:
		return v <= operand
	}
	return false
}

// MilvusExpr renders the filter as a Milvus boolean expression. String
// operands are quoted so values can never alter the expression structure.
// Keywords are stored lower-cased in the meta JSON field.
func (f Filter) MilvusExpr() (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	parts := make([]string, 0, len(f.Predicates))
	for _, p := range f.Predicates {
		switch fieldKinds[p.Field] {
		case kindString:
			parts = append(parts, fmt.Sprintf("%s == %s", p.Field, strconv.Quote(p.Str)))
		case kindInt:
			parts = append(parts, fmt.Sprintf("%s %s %d", p.Field, comparators[p.Op], p.Num))
		case kindList:
			parts = append(parts, fmt.Sprintf(`json_contains(meta["keywords"], %s)`,
				strconv.Quote(strings.ToLower(p.Str))))
		}
	}
	return strings.Join(parts, " && "), nil
}

// SQL renders the filter as a Postgres WHERE fragment using positional
// parameters starting at $startArg. An empty filter renders as "TRUE".
func (f Filter) SQL(startArg int) (string, []any, error) {
	if err := f.Validate(); err != nil {
		return "", nil, err
	}
	if f.IsEmpty() {
		return "TRUE", nil, nil
	}

	parts := make([]string, 0, len(f.Predicates))
	args := make([]any, 0, len(f.Predicates))
	n := startArg
	for _, p := range f.Predicates {
		switch fieldKinds[p.Field] {
		case kindString:
			parts = append(parts, fmt.Sprintf("%s = $%d", p.Field, n))
			args = append(args, p.Str)
		case kindInt:
			op := comparators[p.Op]
			if op == "==" {
				op = "="
			}
			parts = append(parts, fmt.Sprintf("%s %s $%d", p.Field, op, n))
			args = append(args, p.Num)
		case kindList:
			parts = append(parts, fmt.Sprintf("$%d = ANY(keywords)", n))
			args = append(args, strings.ToLower(p.Str))
		}
		n++
	}
	return strings.Join(parts, " AND "), args, nil
}
