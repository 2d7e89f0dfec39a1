package models

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyLinked = errors.New("document already linked to project")
	ErrInvalidInput  = errors.New("invalid input")
)

// InvalidInputf builds an error that matches ErrInvalidInput.
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

const (
	MinKeywords = 2
	MaxKeywords = 10
)

type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"createdAt"`
	LastAccessed  time.Time `json:"lastAccessed"`
	DocumentCount int       `json:"documentCount"`
}

// MaxFileNameBytes bounds a document's file name. Chunks carry the name as
// their source file, which the vector backends store and match in full.
const MaxFileNameBytes = 512

type FileType string

const (
	FileTypePDF  FileType = "pdf"
	FileTypeDOCX FileType = "docx"
	FileTypeCSV  FileType = "csv"
	FileTypeTXT  FileType = "txt"
	FileTypeMD   FileType = "md"
	FileTypeHTML FileType = "html"
	FileTypePNG  FileType = "png"
	FileTypeJPEG FileType = "jpeg"
)

var extensionTypes = map[string]FileType{
	".pdf":      FileTypePDF,
	".docx":     FileTypeDOCX,
	".csv":      FileTypeCSV,
	".txt":      FileTypeTXT,
	".md":       FileTypeMD,
	".markdown": FileTypeMD,
	".html":     FileTypeHTML,
	".htm":      FileTypeHTML,
	".png":      FileTypePNG,
	".jpg":      FileTypeJPEG,
	".jpeg":     FileTypeJPEG,
}

// FileTypeFromName maps a file name's extension onto the supported types.
func FileTypeFromName(name string) (FileType, error) {
	ext := strings.ToLower(filepath.Ext(name))
	ft, ok := extensionTypes[ext]
	if !ok {
		return "", InvalidInputf("unsupported file type %q", ext)
	}
	return ft, nil
}

func (f FileType) IsImage() bool {
	return f == FileTypePNG || f == FileTypeJPEG
}

type DocumentStatus string

const (
	StatusQueued    DocumentStatus = "queued"
	StatusParsing   DocumentStatus = "parsing"
	StatusChunking  DocumentStatus = "chunking"
	StatusEmbedding DocumentStatus = "embedding"
	StatusIndexed   DocumentStatus = "indexed"
	StatusError     DocumentStatus = "error"
)

var statusRank = map[DocumentStatus]int{
	StatusQueued:    0,
	StatusParsing:   1,
	StatusChunking:  2,
	StatusEmbedding: 3,
	StatusIndexed:   4,
}

func (s DocumentStatus) Terminal() bool {
	return s == StatusIndexed || s == StatusError
}

// CanTransition reports whether a document may move from s to next. Status
// only moves forward; error is reachable from any non-terminal state, and a
// terminal document only restarts through a fresh job (back to queued).
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	if s == next {
		return true
	}
	if next == StatusQueued {
		return s.Terminal()
	}
	if s.Terminal() {
		return false
	}
	if next == StatusError {
		return true
	}
	from, ok1 := statusRank[s]
	to, ok2 := statusRank[next]
	return ok1 && ok2 && to > from
}

type Document struct {
	ID          string         `json:"id"`
	FileName    string         `json:"fileName"`
	FilePath    string         `json:"filePath"`
	FileType    FileType       `json:"fileType"`
	Description string         `json:"description"`
	Keywords    []string       `json:"keywords"`
	Status      DocumentStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

type JobType string

const (
	JobIngest  JobType = "ingest"
	JobReEmbed JobType = "re-embed"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

type Job struct {
	ID        string    `json:"id"`
	Type      JobType   `json:"jobType"`
	RelatedID string    `json:"relatedId"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NormalizeKeywords trims, de-duplicates (case-insensitively) and bounds the
// user supplied keyword set.
func NormalizeKeywords(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		key := strings.ToLower(k)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, k)
	}
	if len(out) < MinKeywords || len(out) > MaxKeywords {
		return nil, InvalidInputf("between %d and %d distinct keywords are required, got %d",
			MinKeywords, MaxKeywords, len(out))
	}
	return out, nil
}
