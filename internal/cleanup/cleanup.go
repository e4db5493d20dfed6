package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/logctx"
)

// JobLookup is the slice of the job repository the sweeper needs.
type JobLookup interface {
	GetJob(ctx context.Context, id string) (*job.Job, error)
}

// SweepWorkDirs removes per-job work directories left behind by terminal or
// unknown jobs once they are older than keepDuration. Directories whose job
// is still live are never touched; a worker owns its own work dir.
func SweepWorkDirs(ctx context.Context, repo JobLookup, dir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		jobID := entry.Name()
		path := filepath.Join(dir, jobID)

		rec, err := repo.GetJob(ctx, jobID)

		var notFound *job.NotFoundError

		switch {
		case errors.As(err, &notFound):
			// Orphaned dir, its record was deleted.
		case err != nil:
			logger.Error("failed to look up job for work dir", "job_id", jobID, "err", err)

			continue
		case !rec.Status.IsTerminal():
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Error("failed to stat work dir", "dir", path, "err", err)

			continue
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.Error("failed to remove expired work dir", "dir", path, "err", err)

			continue
		}

		logger.Info("removed expired work dir", "dir", path)
	}

	return nil
}
