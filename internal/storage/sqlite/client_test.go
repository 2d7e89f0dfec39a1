package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/context-engine/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "meta", "test.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func seedProject(t *testing.T, c *Client, id string) {
	t.Helper()
	require.NoError(t, c.CreateProject(context.Background(), &models.Project{ID: id, Name: "Project " + id}))
}

func seedDocument(t *testing.T, c *Client, projectID, docID, jobID string) {
	t.Helper()
	doc := &models.Document{
		ID:          docID,
		FileName:    docID + ".pdf",
		FilePath:    "/tmp/" + docID + ".pdf",
		FileType:    models.FileTypePDF,
		Description: "quarterly report",
		Keywords:    []string{"finance", "q3"},
	}
	job := &models.Job{ID: jobID, Type: models.JobIngest, RelatedID: docID}
	require.NoError(t, c.CreateDocument(context.Background(), projectID, doc, job))
}

func TestProjects(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	seedProject(t, c, "p1")
	seedProject(t, c, "p2")

	p, err := c.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Project p1", p.Name)
	assert.Zero(t, p.DocumentCount)

	_, err = c.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	projects, err := c.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 2)

	assert.NoError(t, c.TouchProject(ctx, "p1"))
	assert.ErrorIs(t, c.TouchProject(ctx, "missing"), models.ErrNotFound)
}

func TestCreateDocumentQueuesExactlyOneJob(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedProject(t, c, "p1")
	seedDocument(t, c, "p1", "d1", "j1")

	doc, err := c.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, doc.Status)
	assert.Equal(t, []string{"finance", "q3"}, doc.Keywords)

	jobs, err := c.ListDocumentJobs(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobQueued, jobs[0].Status)
	assert.Equal(t, models.JobIngest, jobs[0].Type)

	p, err := c.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.DocumentCount)

	docs, err := c.ListProjectDocuments(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "d1.pdf", docs[0].FileName)
}

func TestCreateDocumentUnknownProjectIsAtomic(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	doc := &models.Document{ID: "d1", FileName: "a.txt", FilePath: "/a.txt", FileType: models.FileTypeTXT, Keywords: []string{"a", "b"}}
	err := c.CreateDocument(ctx, "nope", doc, &models.Job{ID: "j1", Type: models.JobIngest, RelatedID: "d1"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = c.GetDocument(ctx, "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	n, err := c.CountJobs(ctx, models.JobQueued)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLinkAndUnlink(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedProject(t, c, "p1")
	seedProject(t, c, "p2")
	seedDocument(t, c, "p1", "d1", "j1")

	require.NoError(t, c.LinkDocument(ctx, "p2", "d1"))
	assert.ErrorIs(t, c.LinkDocument(ctx, "p2", "d1"), models.ErrAlreadyLinked)
	assert.ErrorIs(t, c.LinkDocument(ctx, "p3", "d1"), models.ErrNotFound)
	assert.ErrorIs(t, c.LinkDocument(ctx, "p2", "d9"), models.ErrNotFound)

	ids, err := c.DocumentProjectIDs(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids)

	linked, err := c.IsLinked(ctx, "p2", "d1")
	require.NoError(t, err)
	assert.True(t, linked)

	remaining, err := c.UnlinkDocument(ctx, "p1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	_, err = c.UnlinkDocument(ctx, "p1", "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	remaining, err = c.UnlinkDocument(ctx, "p2", "d1")
	require.NoError(t, err)
	assert.Zero(t, remaining)

	require.NoError(t, c.PurgeDocument(ctx, "d1"))
	_, err = c.GetDocument(ctx, "d1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	jobs, err := c.ListDocumentJobs(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	p, err := c.GetProject(ctx, "p2")
	require.NoError(t, err)
	assert.Zero(t, p.DocumentCount)
}

func TestDeleteProjectPurgesOnlyOrphans(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedProject(t, c, "p1")
	seedProject(t, c, "p2")
	seedDocument(t, c, "p1", "only", "j1")
	seedDocument(t, c, "p1", "shared", "j2")
	require.NoError(t, c.LinkDocument(ctx, "p2", "shared"))

	orphans, err := c.DeleteProject(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "only", orphans[0].ID)
	assert.Equal(t, "/tmp/only.pdf", orphans[0].FilePath)

	_, err = c.GetProject(ctx, "p1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = c.GetDocument(ctx, "only")
	assert.ErrorIs(t, err, models.ErrNotFound)
	jobs, err := c.ListDocumentJobs(ctx, "only")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	ids, err := c.DocumentProjectIDs(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, ids)
	p, err := c.GetProject(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, p.DocumentCount)

	_, err = c.DeleteProject(ctx, "p1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateDocumentStatusRejectsRegression(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedProject(t, c, "p1")
	seedDocument(t, c, "p1", "d1", "j1")

	require.NoError(t, c.UpdateDocumentStatus(ctx, "d1", models.StatusParsing))
	require.NoError(t, c.UpdateDocumentStatus(ctx, "d1", models.StatusEmbedding))
	require.NoError(t, c.UpdateDocumentStatus(ctx, "d1", models.StatusEmbedding))
	assert.Error(t, c.UpdateDocumentStatus(ctx, "d1", models.StatusParsing))
	require.NoError(t, c.UpdateDocumentStatus(ctx, "d1", models.StatusIndexed))
	assert.Error(t, c.UpdateDocumentStatus(ctx, "d1", models.StatusError))

	assert.ErrorIs(t, c.UpdateDocumentStatus(ctx, "nope", models.StatusParsing), models.ErrNotFound)
}

func TestJobQueueIsFIFOAndClaimIsExclusive(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	seedProject(t, c, "p1")
	seedDocument(t, c, "p1", "d1", "j1")
	seedDocument(t, c, "p1", "d2", "j2")
	seedDocument(t, c, "p1", "d3", "j3")

	var order []string
	for i := 0; i < 3; i++ {
		job, err := c.NextQueuedJob(ctx)
		require.NoError(t, err)

		won, err := c.ClaimJob(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, won)

		again, err := c.ClaimJob(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, again)

		require.NoError(t, c.CompleteJob(ctx, job.ID))
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"j1", "j2", "j3"}, order)

	_, err := c.NextQueuedJob(ctx)
	assert.ErrorIs(t, err, models.ErrNotFound)

	done, err := c.CountJobs(ctx, models.JobDone)
	require.NoError(t, err)
	assert.Equal(t, 3, done)
}

func TestFailJobStoresReason(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedProject(t, c, "p1")
	seedDocument(t, c, "p1", "d1", "j1")

	_, err := c.ClaimJob(ctx, "j1")
	require.NoError(t, err)
	require.NoError(t, c.FailJob(ctx, "j1", "worker exited with code 1"))

	job, err := c.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, "worker exited with code 1", job.Error)

	assert.ErrorIs(t, c.FailJob(ctx, "j1", "again"), models.ErrNotFound)
}

func TestEnqueueJobRequeuesTerminalDocument(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedProject(t, c, "p1")
	seedDocument(t, c, "p1", "d1", "j1")

	require.NoError(t, c.UpdateDocumentStatus(ctx, "d1", models.StatusError))

	require.NoError(t, c.EnqueueJob(ctx, &models.Job{ID: "j2", Type: models.JobReEmbed, RelatedID: "d1"}))
	doc, err := c.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, doc.Status)

	queued, err := c.HasQueuedJob(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, queued)

	err = c.EnqueueJob(ctx, &models.Job{ID: "j3", Type: models.JobReEmbed, RelatedID: "missing"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRecoverInterruptedJobs(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedProject(t, c, "p1")
	seedDocument(t, c, "p1", "d1", "j1")
	seedDocument(t, c, "p1", "d2", "j2")

	_, err := c.ClaimJob(ctx, "j1")
	require.NoError(t, err)
	require.NoError(t, c.UpdateDocumentStatus(ctx, "d1", models.StatusParsing))

	n, err := c.RecoverInterruptedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := c.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.NotEmpty(t, job.Error)

	doc, err := c.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, doc.Status)

	untouched, err := c.GetJob(ctx, "j2")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, untouched.Status)

	n, err = c.RecoverInterruptedJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
