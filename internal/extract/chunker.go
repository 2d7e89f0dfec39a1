package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
)

const (
	DefaultMaxChars = 2000
	defaultOverlap  = 1
)

var (
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	whitespace     = regexp.MustCompile(`\s+`)
)

// Chunker packs sentences into chunks of at most MaxChars runes. The last
// Overlap sentences of a chunk are repeated at the start of the next one
// when they fit.
type Chunker struct {
	MaxChars int
	Overlap  int
}

func NewChunker(maxChars int) *Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Chunker{MaxChars: maxChars, Overlap: defaultOverlap}
}

// Chunk splits a section into chunk texts. Rows are packed as given; free
// text is segmented into sentences first.
func (c *Chunker) Chunk(s Section) []string {
	if len(s.Rows) > 0 {
		return c.Pack(s.Rows)
	}
	return c.Pack(Sentences(s.Text))
}

// Sentences segments text paragraph by paragraph so that a blank line always
// ends a sentence.
func Sentences(text string) []string {
	var out []string
	for _, para := range paragraphBreak.Split(text, -1) {
		para = collapse(para)
		if para == "" {
			continue
		}
		doc, err := prose.NewDocument(para,
			prose.WithTokenization(false),
			prose.WithTagging(false),
			prose.WithExtraction(false),
		)
		if err != nil || len(doc.Sentences()) == 0 {
			out = append(out, para)
			continue
		}
		for _, s := range doc.Sentences() {
			if t := strings.TrimSpace(s.Text); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

func (c *Chunker) Pack(units []string) []string {
	var (
		chunks []string
		cur    []string
		fresh  int
	)
	flush := func() {
		if fresh > 0 {
			chunks = append(chunks, strings.Join(cur, " "))
		}
	}

	for _, u := range c.fit(units) {
		if len(cur) > 0 && joinedLen(cur)+1+runeLen(u) > c.MaxChars {
			flush()
			cur = c.carry(cur, runeLen(u))
			fresh = 0
		}
		cur = append(cur, u)
		fresh++
	}
	flush()
	return chunks
}

// carry returns the tail of prev to repeat in the next chunk, leaving room
// for a unit of length next.
func (c *Chunker) carry(prev []string, next int) []string {
	var out []string
	size := next
	for i := len(prev) - 1; i >= 0 && len(out) < c.Overlap; i-- {
		size += runeLen(prev[i]) + 1
		if size > c.MaxChars {
			break
		}
		out = append([]string{prev[i]}, out...)
	}
	return out
}

// fit trims blank units and breaks any unit longer than MaxChars on word
// boundaries.
func (c *Chunker) fit(units []string) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if runeLen(u) <= c.MaxChars {
			out = append(out, u)
			continue
		}
		out = append(out, c.splitWords(u)...)
	}
	return out
}

func (c *Chunker) splitWords(text string) []string {
	var (
		parts []string
		cur   strings.Builder
		size  int
	)
	for _, word := range strings.Fields(text) {
		for runeLen(word) > c.MaxChars {
			r := []rune(word)
			if size > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
				size = 0
			}
			parts = append(parts, string(r[:c.MaxChars]))
			word = string(r[c.MaxChars:])
		}
		wordLen := runeLen(word)
		if size > 0 && size+1+wordLen > c.MaxChars {
			parts = append(parts, cur.String())
			cur.Reset()
			size = 0
		}
		if size > 0 {
			cur.WriteByte(' ')
			size++
		}
		cur.WriteString(word)
		size += wordLen
	}
	if size > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

func joinedLen(units []string) int {
	n := 0
	for _, u := range units {
		n += runeLen(u)
	}
	return n + len(units) - 1
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
