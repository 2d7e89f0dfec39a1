package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/storage/models"
	"github.com/context-engine/backend/pkg/logger"
)

// Store is the metadata the catalog reads and mutates.
type Store interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	TouchProject(ctx context.Context, id string) error
	DeleteProject(ctx context.Context, id string) ([]models.Document, error)

	CreateDocument(ctx context.Context, projectID string, doc *models.Document, job *models.Job) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListProjectDocuments(ctx context.Context, projectID string) ([]models.Document, error)
	IsLinked(ctx context.Context, projectID, documentID string) (bool, error)
	LinkDocument(ctx context.Context, projectID, documentID string) error
	UnlinkDocument(ctx context.Context, projectID, documentID string) (int, error)
	PurgeDocument(ctx context.Context, documentID string) error

	HasQueuedJob(ctx context.Context, documentID string) (bool, error)
	EnqueueJob(ctx context.Context, job *models.Job) error
}

type ChunkRemover interface {
	DeleteBySource(ctx context.Context, projectID, sourceFile string) error
	DropCollection(ctx context.Context, projectID string) error
}

type Invalidator interface {
	InvalidateProject(ctx context.Context, projectID string) error
}

type Options struct {
	RemoveSourceFiles bool
	Cache             Invalidator
}

// Service holds the project and document operations behind the HTTP routes.
type Service struct {
	store  Store
	chunks ChunkRemover
	opts   Options
}

func NewService(store Store, chunks ChunkRemover, opts Options) *Service {
	return &Service{store: store, chunks: chunks, opts: opts}
}

func (s *Service) CreateProject(ctx context.Context, name, description string) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.InvalidInputf("project name is required")
	}
	p := &models.Project{ID: uuid.NewString(), Name: name, Description: strings.TrimSpace(description)}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	logger.Info("Project created", zap.String("project_id", p.ID), zap.String("name", p.Name))
	return p, nil
}

func (s *Service) ListProjects(ctx context.Context) ([]models.Project, error) {
	return s.store.ListProjects(ctx)
}

// GetProject returns the project and records the access.
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	if err := s.store.TouchProject(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetProject(ctx, id)
}

// DeleteProject removes a project together with its collection. Documents
// that belonged to no other project are purged.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	orphans, err := s.store.DeleteProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.chunks.DropCollection(ctx, projectID); err != nil {
		return fmt.Errorf("failed to drop project collection: %w", err)
	}
	s.invalidate(ctx, projectID)

	log := logger.With(zap.String("project_id", projectID))
	for _, doc := range orphans {
		s.removeSource(log, doc)
	}
	log.Info("Project deleted", zap.Int("purged_documents", len(orphans)))
	return nil
}

type UploadRequest struct {
	FilePath    string   `json:"filePath"`
	FileName    string   `json:"fileName"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

func (r UploadRequest) validate() (models.FileType, []string, error) {
	if strings.TrimSpace(r.FilePath) == "" {
		return "", nil, models.InvalidInputf("filePath is required")
	}
	if strings.TrimSpace(r.FileName) == "" {
		return "", nil, models.InvalidInputf("fileName is required")
	}
	if n := len(strings.TrimSpace(r.FileName)); n > models.MaxFileNameBytes {
		return "", nil, models.InvalidInputf("fileName is %d bytes, the limit is %d", n, models.MaxFileNameBytes)
	}
	ft, err := models.FileTypeFromName(r.FileName)
	if err != nil {
		return "", nil, err
	}
	keywords, err := models.NormalizeKeywords(r.Keywords)
	if err != nil {
		return "", nil, err
	}
	return ft, keywords, nil
}

// Upload registers a document under a project and queues its ingestion.
// The document, its link and its job are created together or not at all.
func (s *Service) Upload(ctx context.Context, projectID string, req UploadRequest) (*models.Document, error) {
	ft, keywords, err := req.validate()
	if err != nil {
		return nil, err
	}

	doc := &models.Document{
		ID:          uuid.NewString(),
		FileName:    strings.TrimSpace(req.FileName),
		FilePath:    strings.TrimSpace(req.FilePath),
		FileType:    ft,
		Description: strings.TrimSpace(req.Description),
		Keywords:    keywords,
	}
	job := &models.Job{ID: uuid.NewString(), Type: models.JobIngest, RelatedID: doc.ID}

	if err := s.store.CreateDocument(ctx, projectID, doc, job); err != nil {
		return nil, err
	}

	logger.Info("Document queued for ingestion",
		zap.String("project_id", projectID),
		zap.String("document_id", doc.ID),
		zap.String("file_name", doc.FileName),
		zap.String("job_id", job.ID),
	)
	return doc, nil
}

func (s *Service) ListDocuments(ctx context.Context, projectID string) ([]models.Document, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListProjectDocuments(ctx, projectID)
}

// Unlink detaches a document from a project and drops its chunks from that
// project's collection. A document left without projects is purged along
// with its jobs and, when configured, its source file.
func (s *Service) Unlink(ctx context.Context, projectID, documentID string) error {
	linked, err := s.store.IsLinked(ctx, projectID, documentID)
	if err != nil {
		return err
	}
	if !linked {
		return fmt.Errorf("document %s in project %s: %w", documentID, projectID, models.ErrNotFound)
	}

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	// The link goes first so a running ingestion job stops writing to this
	// project before its chunks are cleared.
	remaining, err := s.store.UnlinkDocument(ctx, projectID, documentID)
	if err != nil {
		return err
	}
	if err := s.chunks.DeleteBySource(ctx, projectID, doc.FileName); err != nil {
		// Restore the link so the unlink can be retried.
		if lerr := s.store.LinkDocument(ctx, projectID, documentID); lerr != nil {
			logger.Error("Failed to restore document link",
				zap.String("project_id", projectID), zap.String("document_id", documentID), zap.Error(lerr))
		}
		return fmt.Errorf("failed to remove chunks: %w", err)
	}
	s.invalidate(ctx, projectID)

	log := logger.With(zap.String("project_id", projectID), zap.String("document_id", documentID))
	if remaining > 0 {
		log.Info("Document unlinked", zap.Int("remaining_links", remaining))
		return nil
	}

	if err := s.store.PurgeDocument(ctx, documentID); err != nil {
		return fmt.Errorf("failed to purge orphaned document: %w", err)
	}
	log.Info("Orphaned document purged")

	s.removeSource(log, *doc)
	return nil
}

func (s *Service) removeSource(log *zap.Logger, doc models.Document) {
	if !s.opts.RemoveSourceFiles || doc.FilePath == "" {
		return
	}
	if err := os.Remove(doc.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to remove source file", zap.String("path", doc.FilePath), zap.Error(err))
	}
}

// Link attaches an existing document to another project and schedules a
// re-embed so the project's collection receives the chunks. A re-embed is
// not queued when a job for the document is already waiting, since that job
// will see the new link when it runs.
func (s *Service) Link(ctx context.Context, projectID, documentID string) error {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	if err := s.store.LinkDocument(ctx, projectID, documentID); err != nil {
		return err
	}
	s.invalidate(ctx, projectID)

	pending, err := s.store.HasQueuedJob(ctx, documentID)
	if err != nil {
		return err
	}
	if pending {
		logger.Info("Document linked, ingestion already pending",
			zap.String("project_id", projectID), zap.String("document_id", documentID))
		return nil
	}

	job := &models.Job{ID: uuid.NewString(), Type: models.JobReEmbed, RelatedID: documentID}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		return fmt.Errorf("failed to queue re-embed: %w", err)
	}
	logger.Info("Document linked",
		zap.String("project_id", projectID),
		zap.String("document_id", documentID),
		zap.String("job_id", job.ID),
	)
	return nil
}

func (s *Service) invalidate(ctx context.Context, projectID string) {
	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.InvalidateProject(ctx, projectID); err != nil {
		logger.Warn("Failed to invalidate cached answers", zap.String("project_id", projectID), zap.Error(err))
	}
}
