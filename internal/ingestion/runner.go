package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/metrics"
	"github.com/context-engine/backend/internal/notify"
	"github.com/context-engine/backend/internal/storage/models"
	"github.com/context-engine/backend/internal/vector"
	"github.com/context-engine/backend/pkg/logger"
)

// JobStore is the slice of the metadata store the runner drives.
type JobStore interface {
	NextQueuedJob(ctx context.Context) (*models.Job, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, reason string) error
	CountJobs(ctx context.Context, status models.JobStatus) (int, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	DocumentProjectIDs(ctx context.Context, documentID string) ([]string, error)
	UpdateDocumentStatus(ctx context.Context, documentID string, status models.DocumentStatus) error
}

type ChunkIndex interface {
	AddChunks(ctx context.Context, projectID string, chunks []vector.Chunk) (int, error)
	DeleteBySource(ctx context.Context, projectID, sourceFile string) error
}

type Notifier interface {
	BroadcastAll(projectIDs []string, event notify.Event) int
}

// AnswerCache drops cached retrieval answers once a project's index changes.
type AnswerCache interface {
	InvalidateProject(ctx context.Context, projectID string) error
}

type RunnerOptions struct {
	PollInterval  time.Duration
	WorkerTimeout time.Duration
	Cache         AnswerCache
}

const (
	defaultPollInterval = 5 * time.Second
	finalizeTimeout     = 10 * time.Second
)

// Runner drains the job queue one job at a time. Every job runs to
// completion before the next poll, so no two jobs ever write to the same
// collection concurrently. Running more than one Runner against the same
// store is not supported.
type Runner struct {
	store    JobStore
	index    ChunkIndex
	worker   Worker
	notifier Notifier
	opts     RunnerOptions

	flight   sync.Mutex
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewRunner(store JobStore, index ChunkIndex, worker Worker, notifier Notifier, opts RunnerOptions) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Runner{
		store:    store,
		index:    index,
		worker:   worker,
		notifier: notifier,
		opts:     opts,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start polls until ctx is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	defer close(r.done)

	logger.Info("Job runner started",
		zap.Duration("poll_interval", r.opts.PollInterval),
		zap.Duration("worker_timeout", r.opts.WorkerTimeout),
	)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Tick(ctx); err != nil {
			logger.Error("Job poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			logger.Info("Job runner stopped")
			return
		case <-r.stop:
			logger.Info("Job runner stopped")
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the poll loop and waits for the job in flight, if any.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Tick processes at most one queued job and reports whether it did.
func (r *Runner) Tick(ctx context.Context) (bool, error) {
	if !r.flight.TryLock() {
		return false, nil
	}
	defer r.flight.Unlock()

	if n, err := r.store.CountJobs(ctx, models.JobQueued); err == nil {
		metrics.JobsQueued.Set(float64(n))
	}

	job, err := r.store.NextQueuedJob(ctx)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	claimed, err := r.store.ClaimJob(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if !claimed {
		logger.Debug("Job already claimed", zap.String("job_id", job.ID))
		return false, nil
	}

	r.run(ctx, job)
	return true, nil
}

type jobState struct {
	job      *models.Job
	doc      *models.Document
	projects []string
	// written is the link set the job started with, the projects that may
	// hold its chunks.
	written []string
	chunks  int
}

// errDocumentRemoved stops a job whose document lost its last project link
// while the worker was running.
var errDocumentRemoved = errors.New("document was removed during ingestion")

func (r *Runner) run(ctx context.Context, job *models.Job) {
	start := time.Now()
	st := &jobState{job: job}
	log := logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.String("document_id", job.RelatedID),
	)
	log.Info("Processing job")

	result := "done"
	if err := r.process(ctx, st); err != nil {
		result = "failed"
		log.Error("Job failed", zap.Error(err), zap.Int("chunks", st.chunks))
		r.fail(st, err)
	} else {
		log.Info("Job completed",
			zap.Int("chunks", st.chunks),
			zap.Duration("elapsed", time.Since(start)),
		)
	}

	metrics.JobsProcessed.WithLabelValues(string(job.Type), result).Inc()
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
}

func (r *Runner) setStatus(ctx context.Context, st *jobState, status models.DocumentStatus) error {
	if err := r.store.UpdateDocumentStatus(ctx, st.doc.ID, status); err != nil {
		return err
	}
	st.doc.Status = status
	return nil
}

func (r *Runner) broadcast(projects []string, event notify.Event) {
	if n := r.notifier.BroadcastAll(projects, event); n > 0 {
		logger.Debug("Job event delivered",
			zap.String("document_id", event.DocumentID),
			zap.String("type", string(event.Type)),
			zap.Int("subscribers", n),
		)
	}
}

func (r *Runner) process(ctx context.Context, st *jobState) error {
	doc, err := r.store.GetDocument(ctx, st.job.RelatedID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	st.doc = doc

	projects, err := r.store.DocumentProjectIDs(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("load document projects: %w", err)
	}
	if len(projects) == 0 {
		return errors.New("document is not linked to any project")
	}
	st.projects = projects
	st.written = append([]string(nil), projects...)

	if doc.Status.Terminal() {
		if err := r.setStatus(ctx, st, models.StatusQueued); err != nil {
			return err
		}
	}
	if err := r.setStatus(ctx, st, models.StatusParsing); err != nil {
		return err
	}
	r.broadcast(projects, notify.StatusUpdate(doc.ID, models.StatusParsing))

	if st.job.Type == models.JobReEmbed {
		for _, p := range projects {
			if err := r.index.DeleteBySource(ctx, p, doc.FileName); err != nil {
				return fmt.Errorf("clear previous chunks in project %s: %w", p, err)
			}
		}
	}

	workerCtx := ctx
	if r.opts.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		workerCtx, cancel = context.WithTimeout(ctx, r.opts.WorkerTimeout)
		defer cancel()
	}

	var workerMessage string
	err = r.worker.Run(workerCtx, Invocation{DocumentID: doc.ID, DocumentPath: doc.FilePath}, func(ev Event) error {
		switch {
		case ev.Text():
			return r.ingest(ctx, st, ev)
		case ev.Type == EventImage:
			logger.Debug("Ignoring image event", zap.String("document_id", doc.ID), zap.String("saved_path", ev.SavedPath))
		case ev.Type == EventError:
			workerMessage = ev.Message
			logger.Warn("Worker reported error", zap.String("document_id", doc.ID), zap.String("message", ev.Message))
		default:
			metrics.WorkerLinesSkipped.WithLabelValues("empty").Inc()
		}
		return nil
	})
	if err != nil {
		if errors.Is(workerCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("worker timed out after %s", r.opts.WorkerTimeout)
		}
		var exitErr *WorkerExitError
		if errors.As(err, &exitErr) && exitErr.Stderr == "" && workerMessage != "" {
			exitErr.Stderr = workerMessage
		}
		return err
	}

	if err := r.syncLinks(ctx, st); err != nil {
		return err
	}
	if err := r.store.CompleteJob(ctx, st.job.ID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if err := r.setStatus(ctx, st, models.StatusIndexed); err != nil {
		return err
	}
	r.broadcast(st.projects, notify.Complete(doc.ID))
	r.invalidate(ctx, st.projects)
	return nil
}

// ingest turns one worker event into a chunk and writes it to every linked
// project's collection.
func (r *Runner) ingest(ctx context.Context, st *jobState, ev Event) error {
	if st.doc.Status != models.StatusEmbedding {
		if err := r.setStatus(ctx, st, models.StatusEmbedding); err != nil {
			return err
		}
		r.broadcast(st.projects, notify.StatusUpdate(st.doc.ID, models.StatusEmbedding))
	}

	chunk := vector.Chunk{
		ID:          uuid.NewString(),
		DocumentID:  st.doc.ID,
		ProjectIDs:  st.projects,
		Content:     ev.Content,
		SourceFile:  st.doc.FileName,
		PageNumber:  ev.PageNumber,
		ChunkIndex:  st.chunks,
		Description: st.doc.Description,
		Keywords:    st.doc.Keywords,
	}
	for _, p := range st.projects {
		if _, err := r.index.AddChunks(ctx, p, []vector.Chunk{chunk}); err != nil {
			return fmt.Errorf("index chunk %d in project %s: %w", chunk.ChunkIndex, p, err)
		}
	}
	st.chunks++
	metrics.ChunksIndexed.Inc()
	return r.syncLinks(ctx, st)
}

// syncLinks re-reads the document's links after a write and removes the
// document's chunks from every project that dropped it mid-job. Unlink
// removes the link before it deletes chunks, so reading after the write
// means either Unlink's delete or this one covers every inserted chunk.
// Projects linked mid-job are left to the re-embed that Link queues.
func (r *Runner) syncLinks(ctx context.Context, st *jobState) error {
	current, err := r.store.DocumentProjectIDs(ctx, st.doc.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("reload document projects: %w", err)
	}
	linked := make(map[string]bool, len(current))
	for _, p := range current {
		linked[p] = true
	}

	var kept []string
	for _, p := range st.projects {
		if linked[p] {
			kept = append(kept, p)
			continue
		}
		if err := r.index.DeleteBySource(ctx, p, st.doc.FileName); err != nil {
			return fmt.Errorf("remove chunks from unlinked project %s: %w", p, err)
		}
		logger.Info("Document unlinked during ingestion",
			zap.String("document_id", st.doc.ID),
			zap.String("project_id", p),
		)
	}
	st.projects = kept
	if len(kept) == 0 {
		return errDocumentRemoved
	}
	return nil
}

// fail records a job failure. It uses its own context so a cancelled job
// still reaches a terminal state.
func (r *Runner) fail(st *jobState, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if st.doc != nil {
		if _, err := r.store.GetDocument(ctx, st.doc.ID); errors.Is(err, models.ErrNotFound) {
			r.discard(ctx, st)
			return
		}
	}

	reason := cause.Error()
	if err := r.store.FailJob(ctx, st.job.ID, reason); err != nil {
		logger.Error("Failed to mark job failed", zap.String("job_id", st.job.ID), zap.Error(err))
	}
	if st.doc == nil {
		return
	}
	if !st.doc.Status.Terminal() {
		if err := r.setStatus(ctx, st, models.StatusError); err != nil {
			logger.Error("Failed to mark document errored", zap.String("document_id", st.doc.ID), zap.Error(err))
		}
	}
	r.broadcast(st.projects, notify.Failure(st.doc.ID, reason))
	r.invalidate(ctx, st.projects)
}

// discard clears whatever a job wrote for a document that was purged while
// it ran. The job row went with the document, so there is nothing to fail.
func (r *Runner) discard(ctx context.Context, st *jobState) {
	for _, p := range st.written {
		if err := r.index.DeleteBySource(ctx, p, st.doc.FileName); err != nil {
			logger.Error("Failed to remove chunks of purged document",
				zap.String("document_id", st.doc.ID),
				zap.String("project_id", p),
				zap.Error(err),
			)
		}
	}
	logger.Info("Discarded job for purged document",
		zap.String("job_id", st.job.ID),
		zap.String("document_id", st.doc.ID),
	)
	r.invalidate(ctx, st.written)
}

func (r *Runner) invalidate(ctx context.Context, projects []string) {
	if r.opts.Cache == nil {
		return
	}
	for _, p := range projects {
		if err := r.opts.Cache.InvalidateProject(ctx, p); err != nil {
			logger.Warn("Failed to invalidate cached answers", zap.String("project_id", p), zap.Error(err))
		}
	}
}
