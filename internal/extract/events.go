package extract

import (
	"github.com/context-engine/backend/internal/ingestion"
)

// Events converts an extracted document into the worker's output stream.
// Chunk indexes count from 0 across the whole document.
func Events(doc *Document, path string, c *Chunker) []ingestion.Event {
	if doc.Type.IsImage() {
		return []ingestion.Event{{Type: ingestion.EventImage, SavedPath: path}}
	}

	var out []ingestion.Event
	for _, s := range doc.Sections {
		for _, text := range c.Chunk(s) {
			out = append(out, ingestion.Event{
				Type:       ingestion.EventChunk,
				Index:      len(out),
				Content:    text,
				PageNumber: s.Page,
			})
		}
	}
	return out
}
