package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/storage/models"
	"github.com/context-engine/backend/pkg/logger"
)

// Client is the metadata store: projects, documents, the links between them
// and ingestion jobs. Timestamps are stored as unix milliseconds.
type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		document_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		file_path TEXT NOT NULL,
		file_type TEXT NOT NULL,
		user_description TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

	CREATE TABLE IF NOT EXISTS project_documents (
		project_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, document_id),
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_project_documents_doc ON project_documents(document_id);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		related_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_related ON jobs(related_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) stamp() int64 {
	return c.now().UnixMilli()
}

func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Projects

func (c *Client) CreateProject(ctx context.Context, p *models.Project) error {
	now := c.stamp()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at, last_accessed, document_count)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		p.ID, p.Name, p.Description, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	p.CreatedAt = time.UnixMilli(now)
	p.LastAccessed = p.CreatedAt
	p.DocumentCount = 0

	logger.Debug("Project created", zap.String("project_id", p.ID))
	return nil
}

const projectColumns = `id, name, description, created_at, last_accessed, document_count`

func scanProject(s rowScanner) (*models.Project, error) {
	var p models.Project
	var createdAt, lastAccessed int64
	if err := s.Scan(&p.ID, &p.Name, &p.Description, &createdAt, &lastAccessed, &p.DocumentCount); err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	p.LastAccessed = time.UnixMilli(lastAccessed)
	return &p, nil
}

func (c *Client) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

func (c *Client) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY last_accessed DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []models.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func (c *Client) TouchProject(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE projects SET last_accessed = ? WHERE id = ?`, c.stamp(), id)
	if err != nil {
		return fmt.Errorf("failed to touch project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// DeleteProject removes the project and its links. Documents that were linked
// to no other project are deleted along with their jobs and returned.
func (c *Client) DeleteProject(ctx context.Context, id string) ([]models.Document, error) {
	var orphans []models.Document
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if err := projectExists(ctx, tx, id); err != nil {
			return err
		}

		var err error
		orphans, err = projectOrphans(ctx, tx, id)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		for _, d := range orphans {
			if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE related_id = ?`, d.ID); err != nil {
				return fmt.Errorf("failed to delete jobs: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, d.ID); err != nil {
				return fmt.Errorf("failed to delete document: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Project deleted", zap.String("project_id", id), zap.Int("orphans", len(orphans)))
	return orphans, nil
}

func projectOrphans(ctx context.Context, tx *sql.Tx, projectID string) ([]models.Document, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents d
		 JOIN project_documents pd ON pd.document_id = d.id
		 WHERE pd.project_id = ?
		   AND NOT EXISTS (SELECT 1 FROM project_documents o WHERE o.document_id = d.id AND o.project_id <> ?)`,
		projectID, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list project documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

func projectExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("project %s: %w", id, models.ErrNotFound)
	}
	return err
}

func documentExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	return err
}

// Documents

// CreateDocument inserts a queued document, links it to projectID and queues
// its ingest job in a single transaction.
func (c *Client) CreateDocument(ctx context.Context, projectID string, doc *models.Document, job *models.Job) error {
	keywords, err := json.Marshal(doc.Keywords)
	if err != nil {
		return fmt.Errorf("failed to encode keywords: %w", err)
	}

	now := c.stamp()
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		if err := projectExists(ctx, tx, projectID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, file_name, file_path, file_type, user_description, keywords, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.ID, doc.FileName, doc.FilePath, string(doc.FileType), doc.Description,
			string(keywords), string(models.StatusQueued), now, now,
		); err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}

		if err := insertLink(ctx, tx, projectID, doc.ID, now); err != nil {
			return err
		}

		return insertJob(ctx, tx, job, now)
	})
	if err != nil {
		return err
	}

	doc.Status = models.StatusQueued
	doc.CreatedAt = time.UnixMilli(now)
	doc.UpdatedAt = doc.CreatedAt

	logger.Debug("Document created",
		zap.String("document_id", doc.ID),
		zap.String("project_id", projectID),
		zap.String("job_id", job.ID),
	)
	return nil
}

const documentColumns = `d.id, d.file_name, d.file_path, d.file_type, d.user_description, d.keywords, d.status, d.created_at, d.updated_at`

func scanDocument(s rowScanner) (*models.Document, error) {
	var d models.Document
	var fileType, status, keywords string
	var createdAt, updatedAt int64
	if err := s.Scan(&d.ID, &d.FileName, &d.FilePath, &fileType, &d.Description,
		&keywords, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.FileType = models.FileType(fileType)
	d.Status = models.DocumentStatus(status)
	d.CreatedAt = time.UnixMilli(createdAt)
	d.UpdatedAt = time.UnixMilli(updatedAt)
	if err := json.Unmarshal([]byte(keywords), &d.Keywords); err != nil {
		return nil, fmt.Errorf("failed to decode keywords for %s: %w", d.ID, err)
	}
	return &d, nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents d WHERE d.id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return d, nil
}

func (c *Client) ListProjectDocuments(ctx context.Context, projectID string) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+documentColumns+`
		 FROM documents d
		 JOIN project_documents pd ON pd.document_id = d.id
		 WHERE pd.project_id = ?
		 ORDER BY d.created_at DESC, d.rowid DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []models.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// DocumentProjectIDs returns every project the document is linked to, oldest
// link first.
func (c *Client) DocumentProjectIDs(ctx context.Context, documentID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT project_id FROM project_documents WHERE document_id = ? ORDER BY created_at, rowid`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list document projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *Client) IsLinked(ctx context.Context, projectID, documentID string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM project_documents WHERE project_id = ? AND document_id = ?`,
		projectID, documentID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check link: %w", err)
	}
	return true, nil
}

func insertLink(ctx context.Context, tx *sql.Tx, projectID, documentID string, now int64) error {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO project_documents (project_id, document_id, created_at) VALUES (?, ?, ?)`,
		projectID, documentID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to link document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAlreadyLinked
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE projects SET document_count = document_count + 1 WHERE id = ?`, projectID,
	); err != nil {
		return fmt.Errorf("failed to update document count: %w", err)
	}
	return nil
}

// LinkDocument associates an existing document with another project.
func (c *Client) LinkDocument(ctx context.Context, projectID, documentID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if err := projectExists(ctx, tx, projectID); err != nil {
			return err
		}
		if err := documentExists(ctx, tx, documentID); err != nil {
			return err
		}
		return insertLink(ctx, tx, projectID, documentID, c.stamp())
	})
}

// UnlinkDocument removes one project link and reports how many links remain.
func (c *Client) UnlinkDocument(ctx context.Context, projectID, documentID string) (int, error) {
	var remaining int
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM project_documents WHERE project_id = ? AND document_id = ?`,
			projectID, documentID,
		)
		if err != nil {
			return fmt.Errorf("failed to unlink document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("document %s in project %s: %w", documentID, projectID, models.ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE projects SET document_count = MAX(document_count - 1, 0) WHERE id = ?`, projectID,
		); err != nil {
			return fmt.Errorf("failed to update document count: %w", err)
		}

		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM project_documents WHERE document_id = ?`, documentID,
		).Scan(&remaining)
	})
	return remaining, err
}

// PurgeDocument deletes the document row, its remaining links and its jobs.
func (c *Client) PurgeDocument(ctx context.Context, documentID string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE projects SET document_count = MAX(document_count - 1, 0)
			 WHERE id IN (SELECT project_id FROM project_documents WHERE document_id = ?)`,
			documentID,
		); err != nil {
			return fmt.Errorf("failed to update document counts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE related_id = ?`, documentID); err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID)
		if err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
		}
		return nil
	})
}

// UpdateDocumentStatus moves a document along its state machine, refusing
// transitions that would regress it.
func (c *Client) UpdateDocumentStatus(ctx context.Context, documentID string, status models.DocumentStatus) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = ?`, documentID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read document status: %w", err)
		}

		from := models.DocumentStatus(current)
		if from == status {
			return nil
		}
		if !from.CanTransition(status) {
			return fmt.Errorf("document %s: illegal status transition %s -> %s", documentID, from, status)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), c.stamp(), documentID,
		)
		if err != nil {
			return fmt.Errorf("failed to update document status: %w", err)
		}
		return nil
	})
}

// Jobs

func insertJob(ctx context.Context, tx *sql.Tx, job *models.Job, now int64) error {
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, job_type, related_id, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), job.RelatedID, string(job.Status), job.Error, now, now,
	); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	job.CreatedAt = time.UnixMilli(now)
	job.UpdatedAt = job.CreatedAt
	return nil
}

// EnqueueJob queues a job for an existing document. A document sitting in a
// terminal state is moved back to queued so its listing reflects the pending
// work.
func (c *Client) EnqueueJob(ctx context.Context, job *models.Job) error {
	now := c.stamp()
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if err := documentExists(ctx, tx, job.RelatedID); err != nil {
			return err
		}
		if err := insertJob(ctx, tx, job, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE documents SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
			string(models.StatusQueued), now, job.RelatedID,
			string(models.StatusIndexed), string(models.StatusError),
		)
		if err != nil {
			return fmt.Errorf("failed to requeue document: %w", err)
		}
		return nil
	})
}

const jobColumns = `id, job_type, related_id, status, error, created_at, updated_at`

func scanJob(s rowScanner) (*models.Job, error) {
	var j models.Job
	var jobType, status string
	var createdAt, updatedAt int64
	if err := s.Scan(&j.ID, &jobType, &j.RelatedID, &status, &j.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Type = models.JobType(jobType)
	j.Status = models.JobStatus(status)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	return &j, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(c.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// NextQueuedJob returns the oldest queued job, or ErrNotFound when the queue
// is empty.
func (c *Client) NextQueuedJob(ctx context.Context) (*models.Job, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT 1`,
		string(models.JobQueued),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select queued job: %w", err)
	}
	return j, nil
}

// ClaimJob flips a queued job to processing. It reports false when another
// caller already moved the job out of queued.
func (c *Client) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(models.JobProcessing), c.stamp(), id, string(models.JobQueued),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	return n == 1, nil
}

func (c *Client) CompleteJob(ctx context.Context, id string) error {
	return c.finishJob(ctx, id, models.JobDone, "")
}

func (c *Client) FailJob(ctx context.Context, id, reason string) error {
	return c.finishJob(ctx, id, models.JobFailed, reason)
}

func (c *Client) finishJob(ctx context.Context, id string, status models.JobStatus, reason string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(status), reason, c.stamp(), id,
		string(models.JobQueued), string(models.JobProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not active: %w", id, models.ErrNotFound)
	}
	return nil
}

func (c *Client) HasQueuedJob(ctx context.Context, documentID string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE related_id = ? AND status = ?`,
		documentID, string(models.JobQueued),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count queued jobs: %w", err)
	}
	return n > 0, nil
}

func (c *Client) ListDocumentJobs(ctx context.Context, documentID string) ([]models.Job, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE related_id = ? ORDER BY created_at, rowid`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (c *Client) CountJobs(ctx context.Context, status models.JobStatus) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// RecoverInterruptedJobs fails every job left in processing by a previous run
// and marks its document as errored. It must run before the job runner starts.
func (c *Client) RecoverInterruptedJobs(ctx context.Context) (int, error) {
	var recovered int
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, related_id FROM jobs WHERE status = ?`, string(models.JobProcessing))
		if err != nil {
			return fmt.Errorf("failed to select interrupted jobs: %w", err)
		}
		var jobIDs, docIDs []string
		for rows.Next() {
			var jobID, docID string
			if err := rows.Scan(&jobID, &docID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan interrupted job: %w", err)
			}
			jobIDs = append(jobIDs, jobID)
			docIDs = append(docIDs, docID)
		}
		rows.Close()
		if len(jobIDs) == 0 {
			return nil
		}

		now := c.stamp()
		jobArgs := []any{string(models.JobFailed), "interrupted by restart", now}
		for _, id := range jobIDs {
			jobArgs = append(jobArgs, id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id IN (`+placeholders(len(jobIDs))+`)`,
			jobArgs...,
		); err != nil {
			return fmt.Errorf("failed to fail interrupted jobs: %w", err)
		}

		docArgs := []any{string(models.StatusError), now}
		for _, id := range docIDs {
			docArgs = append(docArgs, id)
		}
		docArgs = append(docArgs, string(models.StatusIndexed), string(models.StatusError))
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET status = ?, updated_at = ?
			 WHERE id IN (`+placeholders(len(docIDs))+`) AND status NOT IN (?, ?)`,
			docArgs...,
		); err != nil {
			return fmt.Errorf("failed to mark interrupted documents: %w", err)
		}

		recovered = len(jobIDs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		logger.Warn("Recovered interrupted jobs", zap.Int("count", recovered))
	}
	return recovered, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
