package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/ingestd/internal/job"
)

type fakeLookup struct {
	jobs map[string]*job.Job
}

func (f *fakeLookup) GetJob(_ context.Context, id string) (*job.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}

	return nil, &job.NotFoundError{Kind: "job", ID: id}
}

func mkWorkDir(t *testing.T, root, jobID string, age time.Duration) string {
	t.Helper()

	path := filepath.Join(root, jobID)
	require.NoError(t, os.MkdirAll(path, 0o755))

	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))

	return path
}

func jobWithStatus(id string, status job.Status) *job.Job {
	j := job.New(id, "https://example.com/a", job.Quality{Name: "720p", Kind: job.MediaKindVideo})
	j.Status = status

	return j
}

func TestSweepWorkDirs(t *testing.T) {
	root := t.TempDir()

	doneDir := mkWorkDir(t, root, "done", 2*time.Hour)
	orphanDir := mkWorkDir(t, root, "orphan", 2*time.Hour)
	activeDir := mkWorkDir(t, root, "active", 2*time.Hour)
	freshDir := mkWorkDir(t, root, "fresh-done", time.Minute)

	lookup := &fakeLookup{jobs: map[string]*job.Job{
		"done":       jobWithStatus("done", job.StatusCompleted),
		"active":     jobWithStatus("active", job.StatusDownloading),
		"fresh-done": jobWithStatus("fresh-done", job.StatusFailed),
	}}

	require.NoError(t, SweepWorkDirs(context.Background(), lookup, root, time.Hour))

	assert.NoDirExists(t, doneDir, "terminal job past keep duration is removed")
	assert.NoDirExists(t, orphanDir, "unknown job past keep duration is removed")
	assert.DirExists(t, activeDir, "live job's work dir is never touched")
	assert.DirExists(t, freshDir, "terminal but within keep duration stays")
}

func TestSweepWorkDirs_MissingRootIsNoop(t *testing.T) {
	lookup := &fakeLookup{jobs: map[string]*job.Job{}}

	require.NoError(t, SweepWorkDirs(context.Background(), lookup, filepath.Join(t.TempDir(), "never-created"), time.Hour))
}
