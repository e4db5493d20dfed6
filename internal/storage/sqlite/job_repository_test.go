package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func mustQuality(t *testing.T, name string) job.Quality {
	t.Helper()

	q, err := job.ParseQuality(name)
	require.NoError(t, err)

	return q
}

func TestJobRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	j := job.New("job-1", "https://example.com/a.mp4", mustQuality(t, "720p"))
	require.NoError(t, repo.CreateJob(ctx, j))

	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, "https://example.com/a.mp4", got.SourceRef)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, job.MediaKindVideo, got.MediaKind)
	assert.Equal(t, "720p", got.Quality)
	assert.Empty(t, got.ProducedAssetID)
	assert.WithinDuration(t, j.CreatedAt, got.CreatedAt, time.Millisecond)
}

// A row whose status column holds a value outside the lifecycle is surfaced
// as an error, never as a job with a made-up state.
func TestJobRepository_GetJob_RejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewJobRepository(db)

	j := job.New("job-bad", "https://example.com/a.mp4", mustQuality(t, "720p"))
	require.NoError(t, repo.CreateJob(ctx, j))

	_, err := db.ExecContext(ctx, `UPDATE jobs SET status = 'exploded' WHERE id = 'job-bad'`)
	require.NoError(t, err)

	_, err = repo.GetJob(ctx, "job-bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestJobRepository_GetJob_NotFound(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))

	_, err := repo.GetJob(context.Background(), "missing")

	var notFound *job.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "job", notFound.Kind)
	assert.Equal(t, "missing", notFound.ID)
}

func TestJobRepository_ListJobs_Pagination(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	for i := 0; i < 5; i++ {
		j := job.New(fmt.Sprintf("job-%d", i), "https://example.com", mustQuality(t, "m4a"))
		j.CreatedAt = time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC)
		j.UpdatedAt = j.CreatedAt
		require.NoError(t, repo.CreateJob(ctx, j))
	}

	page, err := repo.ListJobs(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 1, page.Page)
	require.Len(t, page.Jobs, 2)
	// newest first
	assert.Equal(t, "job-4", page.Jobs[0].ID)
	assert.Equal(t, "job-3", page.Jobs[1].ID)

	page, err = repo.ListJobs(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "job-0", page.Jobs[0].ID)

	page, err = repo.ListJobs(ctx, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Jobs)
	assert.Equal(t, 5, page.Total)
}

func TestJobRepository_ListByStatuses_OldestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	for i := 0; i < 3; i++ {
		j := job.New(fmt.Sprintf("job-%d", i), "https://example.com", mustQuality(t, "m4a"))
		j.CreatedAt = time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC)
		j.UpdatedAt = j.CreatedAt
		require.NoError(t, repo.CreateJob(ctx, j))
	}

	require.NoError(t, repo.UpdateStatus(ctx, "job-1", job.StatusCompleted))

	pending, err := repo.ListByStatuses(ctx, job.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "job-0", pending[0].ID)
	assert.Equal(t, "job-2", pending[1].ID)
}

// TestJobRepository_ClaimJob verifies only one claimer wins and claims only
// apply to pending rows
func TestJobRepository_ClaimJob(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	require.NoError(t, repo.CreateJob(ctx, job.New("job-1", "https://example.com", mustQuality(t, "mp3_192"))))

	claimed, err := repo.ClaimJob(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFetchingInfo, got.Status)

	claimed, err = repo.ClaimJob(ctx, "job-1", "worker-b")
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must lose")
}

// TestJobRepository_CancelIfPending verifies the claim/cancel race admits one
// winner
func TestJobRepository_CancelIfPending(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	require.NoError(t, repo.CreateJob(ctx, job.New("job-1", "https://example.com", mustQuality(t, "mp3_192"))))

	cancelled, err := repo.CancelIfPending(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	claimed, err := repo.ClaimJob(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	assert.False(t, claimed, "cancelled job must not be claimable")

	cancelled, err = repo.CancelIfPending(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, cancelled, "second cancel is a no-op")
}

func TestJobRepository_ProgressAndInfo(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	require.NoError(t, repo.CreateJob(ctx, job.New("job-1", "https://example.com", mustQuality(t, "1080p"))))

	require.NoError(t, repo.SetJobInfo(ctx, "job-1", "Some Title", "Some Uploader", "https://example.com/t.jpg", 212))
	require.NoError(t, repo.UpdateProgress(ctx, "job-1", 42.5, 425, 1000, 128.0, 4))

	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Some Title", got.Title)
	assert.Equal(t, "Some Uploader", got.Uploader)
	assert.Equal(t, int64(212), got.DurationSec)
	assert.Equal(t, 42.5, got.ProgressPercent)
	assert.Equal(t, int64(425), got.BytesTransferred)
	assert.Equal(t, int64(1000), got.BytesTotal)
	assert.Equal(t, 128.0, got.Rate)
	assert.Equal(t, int64(4), got.ETA)
}

func TestJobRepository_CompleteJob(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	require.NoError(t, repo.CreateJob(ctx, job.New("job-1", "https://example.com", mustQuality(t, "m4a"))))
	require.NoError(t, repo.CompleteJob(ctx, "job-1", "asset-9"))

	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, "asset-9", got.ProducedAssetID)
	assert.Equal(t, 100.0, got.ProgressPercent)
}

func TestJobRepository_UpdateStatusError(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	require.NoError(t, repo.CreateJob(ctx, job.New("job-1", "https://example.com", mustQuality(t, "m4a"))))
	require.NoError(t, repo.UpdateStatusError(ctx, "job-1", "downloading stage failed during download: timeout"))

	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "timeout")
}

func TestJobRepository_DeleteAllJobs(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateJob(ctx, job.New(fmt.Sprintf("job-%d", i), "https://example.com", mustQuality(t, "m4a"))))
	}

	require.NoError(t, repo.DeleteJob(ctx, "job-0"))
	page, err := repo.ListJobs(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	require.NoError(t, repo.DeleteAllJobs(ctx))
	page, err = repo.ListJobs(ctx, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Jobs)
}

func TestAssetRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewAssetRepository(db)

	a := &storage.Asset{
		ID:        "asset-1",
		JobID:     "job-1",
		ObjectKey: "audio/job-1.mp3",
		MediaKind: job.MediaKindAudio,
		Title:     "Track",
		SizeBytes: 12345,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateAsset(ctx, a))

	got, err := repo.GetAsset(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, a.ObjectKey, got.ObjectKey)
	assert.Equal(t, a.MediaKind, got.MediaKind)
	assert.Equal(t, a.SizeBytes, got.SizeBytes)

	_, err = repo.GetAsset(ctx, "missing")

	var notFound *job.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "asset", notFound.Kind)
}
