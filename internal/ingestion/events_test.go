package ingestion

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Event
	}{
		{
			name: "chunk with top-level page",
			line: `{"type":"chunk","content":"hello","page_number":3}`,
			want: Event{Type: EventChunk, Content: "hello", PageNumber: 3},
		},
		{
			name: "chunk with page in metadata",
			line: `{"type":"chunk","content":"hello","metadata":{"page_number":7}}`,
			want: Event{Type: EventChunk, Content: "hello", PageNumber: 7},
		},
		{
			name: "top-level page wins",
			line: `{"type":"chunk","content":"x","page_number":2,"metadata":{"page_number":9}}`,
			want: Event{Type: EventChunk, Content: "x", PageNumber: 2},
		},
		{
			name: "image",
			line: `{"type":"image","saved_path":"/tmp/p1.png","index":4}`,
			want: Event{Type: EventImage, SavedPath: "/tmp/p1.png", Index: 4},
		},
		{
			name: "table",
			line: `{"type":"table","content":"<table></table>","page_number":1.0}`,
			want: Event{Type: EventTable, Content: "<table></table>", PageNumber: 1},
		},
		{
			name: "unknown fields ignored",
			line: `{"type":"error","message":"bad pdf","extra":true}`,
			want: Event{Type: EventError, Message: "bad pdf"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEventRejects(t *testing.T) {
	for _, line := range []string{
		`not json`,
		`{"content":"no type"}`,
		`{"type":"video"}`,
		`{"type":"chunk","page_number":"three"}`,
		`[1,2,3]`,
	} {
		_, err := ParseEvent([]byte(line))
		assert.Error(t, err, line)
	}
}

func TestEventText(t *testing.T) {
	assert.True(t, Event{Type: EventChunk, Content: "a"}.Text())
	assert.True(t, Event{Type: EventTable, Content: "<td>"}.Text())
	assert.False(t, Event{Type: EventChunk, Content: "  "}.Text())
	assert.False(t, Event{Type: EventImage, Content: "a"}.Text())
}

func TestEventStreamSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"chunk","content":"one","page_number":1}`,
		`garbage`,
		``,
		`{"type":"mystery"}`,
		`{"type":"chunk","content":"two","page_number":2}`,
	}, "\n")

	var bad []string
	stream := NewEventStream(strings.NewReader(input), func(line string, err error) {
		bad = append(bad, line)
	})

	var got []string
	for stream.Next() {
		got = append(got, stream.Event().Content)
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, []string{"one", "two"}, got)
	assert.Equal(t, []string{"garbage", `{"type":"mystery"}`}, bad)
	assert.Equal(t, 2, stream.Malformed())
	assert.False(t, stream.Next())
}

func TestEventStreamSurvivesOverlongLine(t *testing.T) {
	input := strings.Repeat("x", maxLineBytes+1<<20) + "\n" +
		`{"type":"chunk","content":"after","page_number":3}` + "\n"

	var bad []string
	var reasons []error
	stream := NewEventStream(strings.NewReader(input), func(line string, err error) {
		bad = append(bad, line)
		reasons = append(reasons, err)
	})

	require.True(t, stream.Next())
	assert.Equal(t, "after", stream.Event().Content)
	assert.Equal(t, 3, stream.Event().PageNumber)
	assert.False(t, stream.Next())
	require.NoError(t, stream.Err())

	assert.Equal(t, 1, stream.Malformed())
	require.Len(t, bad, 1)
	assert.Len(t, bad[0], reportBytes)
	assert.ErrorContains(t, reasons[0], "line 1: line exceeds")
}

func TestEventStreamLineLimitBoundary(t *testing.T) {
	ok := `{"type":"chunk","content":"fits"}`
	input := ok + "\n" + `{"type":"chunk","content":"too long for the limit"}` + "\n" + ok

	stream := NewEventStream(strings.NewReader(input), nil)
	stream.limit = len(ok) + 1

	var got []string
	for stream.Next() {
		got = append(got, stream.Event().Content)
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, []string{"fits", "fits"}, got)
	assert.Equal(t, 1, stream.Malformed())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestEventStreamReportsReadError(t *testing.T) {
	stream := NewEventStream(failingReader{}, nil)
	assert.False(t, stream.Next())
	assert.EqualError(t, stream.Err(), "pipe closed")
}
