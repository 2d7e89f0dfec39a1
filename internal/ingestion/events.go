package ingestion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type EventType string

const (
	EventChunk EventType = "chunk"
	EventTable EventType = "table"
	EventImage EventType = "image"
	EventError EventType = "error"
)

// Event is one decoded line of worker output.
type Event struct {
	Type       EventType `json:"type"`
	Content    string    `json:"content,omitempty"`
	PageNumber int       `json:"page_number,omitempty"`
	Index      int       `json:"index,omitempty"`
	SavedPath  string    `json:"saved_path,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Text reports whether the event carries indexable content.
func (e Event) Text() bool {
	return (e.Type == EventChunk || e.Type == EventTable) && strings.TrimSpace(e.Content) != ""
}

type wireEvent struct {
	Type       EventType       `json:"type"`
	Content    string          `json:"content"`
	PageNumber json.Number     `json:"page_number"`
	Index      json.Number     `json:"index"`
	SavedPath  string          `json:"saved_path"`
	Message    string          `json:"message"`
	Metadata   json.RawMessage `json:"metadata"`
}

type wireMetadata struct {
	PageNumber json.Number `json:"page_number"`
}

func number(n json.Number) (int, error) {
	if n == "" {
		return 0, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// ParseEvent decodes one NDJSON line. The page number may be given at the
// top level or under metadata.page_number.
func ParseEvent(line []byte) (Event, error) {
	var w wireEvent
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	switch w.Type {
	case EventChunk, EventTable, EventImage, EventError:
	case "":
		return Event{}, fmt.Errorf("event has no type")
	default:
		return Event{}, fmt.Errorf("unknown event type %q", w.Type)
	}

	ev := Event{Type: w.Type, Content: w.Content, SavedPath: w.SavedPath, Message: w.Message}

	var err error
	if ev.Index, err = number(w.Index); err != nil {
		return Event{}, fmt.Errorf("bad index: %w", err)
	}
	pageNum := w.PageNumber
	if pageNum == "" && len(w.Metadata) > 0 {
		var meta wireMetadata
		md := json.NewDecoder(bytes.NewReader(w.Metadata))
		md.UseNumber()
		if md.Decode(&meta) == nil {
			pageNum = meta.PageNumber
		}
	}
	if ev.PageNumber, err = number(pageNum); err != nil {
		return Event{}, fmt.Errorf("bad page_number: %w", err)
	}
	return ev, nil
}

const (
	maxLineBytes = 16 << 20
	// reportBytes is how much of an over-long line reaches the callback.
	reportBytes = 512
)

// EventStream is a lazy, single-pass sequence of events read from worker
// output. Lines that fail to decode or exceed the line limit are handed to
// the malformed callback and skipped.
type EventStream struct {
	reader    *bufio.Reader
	malformed func(line string, err error)
	limit     int
	buf       []byte
	current   Event
	line      int
	skipped   int
	eof       bool
	err       error
}

func NewEventStream(r io.Reader, malformed func(line string, err error)) *EventStream {
	return &EventStream{
		reader:    bufio.NewReaderSize(r, 64*1024),
		malformed: malformed,
		limit:     maxLineBytes,
	}
}

// readLine returns the next line. A line over the limit is consumed to its
// end and returned with tooLong set, holding only its first reportBytes.
func (s *EventStream) readLine() (line []byte, tooLong bool, err error) {
	s.buf = s.buf[:0]
	for {
		frag, err := s.reader.ReadSlice('\n')
		switch {
		case tooLong:
		case len(s.buf)+len(frag) > s.limit:
			tooLong = true
			if n := reportBytes - len(s.buf); n > 0 {
				s.buf = append(s.buf, frag[:min(n, len(frag))]...)
			}
			s.buf = s.buf[:min(len(s.buf), reportBytes)]
		default:
			s.buf = append(s.buf, frag...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return s.buf, tooLong, err
	}
}

func (s *EventStream) skip(raw []byte, err error) {
	s.skipped++
	if s.malformed != nil {
		s.malformed(string(raw), fmt.Errorf("line %d: %w", s.line, err))
	}
}

// Next advances to the next well-formed event. It returns false at end of
// input or on a read error, which Err reports.
func (s *EventStream) Next() bool {
	for !s.eof && s.err == nil {
		line, tooLong, err := s.readLine()
		if err == io.EOF {
			s.eof = true
		} else if err != nil {
			s.err = err
		}
		if len(line) == 0 && !tooLong {
			continue
		}
		s.line++

		raw := bytes.TrimSpace(line)
		if tooLong {
			s.skip(raw, fmt.Errorf("line exceeds %d bytes", s.limit))
			continue
		}
		if len(raw) == 0 {
			continue
		}
		ev, perr := ParseEvent(raw)
		if perr != nil {
			s.skip(raw, perr)
			continue
		}
		s.current = ev
		return true
	}
	return false
}

func (s *EventStream) Event() Event { return s.current }

func (s *EventStream) Err() error { return s.err }

// Malformed returns how many lines were skipped so far.
func (s *EventStream) Malformed() int { return s.skipped }
