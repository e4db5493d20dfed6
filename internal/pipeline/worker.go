package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/ingestd/internal/fetch"
	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/logctx"
	"github.com/italolelis/ingestd/internal/progress"
)

const workDirPerm = 0o755

// runJob executes the whole pipeline for one claimed job and finalizes its
// terminal state. It is the only goroutine that mutates this job's record
// while the job is active.
func (p *Pool) runJob(ctx context.Context, state *activeJob, jobID string) {
	ctx = logctx.WithJob(ctx, jobID)
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()
	workDir := filepath.Join(p.cfg.WorkDir, jobID)

	var uploadedKey string

	// Finalization must outlive the job context: a cancelled worker still has
	// to persist the cancelled state and publish it.
	opCtx := context.WithoutCancel(ctx)
	terminal := true

	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic", "panic", r, "stack", string(debug.Stack()))
			p.finalizeFailed(opCtx, jobID, start, fmt.Errorf("worker panic: %v", r))
		}

		if terminal {
			if err := os.RemoveAll(workDir); err != nil {
				logger.Warn("failed to remove work dir", "work_dir", workDir, "err", err)
			}
		}

		p.mu.Lock()
		delete(p.active, jobID)
		p.mu.Unlock()

		state.cancel()
		p.telemetry.DecrementActiveJobs()
		<-p.sem
		p.wg.Done()
	}()

	err := p.executeStages(ctx, jobID, workDir, &uploadedKey)

	switch {
	case err == nil:
		p.telemetry.RecordJob("completed", time.Since(start))
		logger.Info("job completed", "duration", time.Since(start).String())
	case state.userCancelled.Load() || errors.Is(err, job.ErrCancelled):
		p.finalizeCancelled(opCtx, jobID, start, uploadedKey)
	case ctx.Err() != nil:
		// Daemon shutdown: leave the record in its current state and keep the
		// work dir; the row is visibly orphaned rather than silently failed.
		terminal = false

		logger.Info("job interrupted by shutdown")
	default:
		p.finalizeFailed(opCtx, jobID, start, err)
	}
}

// executeStages walks the job through fetch-info, download, convert and
// upload. Every stage boundary checks the job context, persists the new
// status and forces one task_update publish.
func (p *Pool) executeStages(ctx context.Context, jobID, workDir string, uploadedKey *string) error {
	logger := logctx.LoggerFromContext(ctx)

	rec, err := p.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading claimed job: %w", err)
	}

	quality, err := job.ParseQuality(rec.Quality)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(workDir, workDirPerm); err != nil {
		return &job.StageError{Stage: job.StatusFetchingInfo, Op: "prepare_work_dir", Err: err}
	}

	reporter := progress.NewReporter(p.cfg.ProgressInterval, p.reporterFlush(jobID))

	// Stage: fetching_info. The claim already set the status; flush the fresh
	// baseline so clients see it immediately.
	stage := job.StatusFetchingInfo
	reporter.Track(stage)
	reporter.Transition(ctx)

	var info *fetch.MediaInfo

	err = p.telemetry.InstrumentStage(ctx, string(job.StatusFetchingInfo), func(ctx context.Context) error {
		var err error
		info, err = p.fetcher.FetchInfo(ctx, rec.SourceRef)

		return err
	})
	if err != nil {
		return err
	}

	if err := p.repo.SetJobInfo(ctx, jobID, info.Title, info.Uploader, info.ThumbnailURL, info.DurationSec); err != nil {
		return fmt.Errorf("recording media info: %w", err)
	}

	logger.Info("media info fetched", "title", info.Title, "duration_sec", info.DurationSec)

	// Stage: downloading.
	if err := p.transition(ctx, jobID, stage, job.StatusDownloading, reporter); err != nil {
		return err
	}

	stage = job.StatusDownloading

	var localPath string

	err = p.telemetry.InstrumentStage(ctx, string(job.StatusDownloading), func(ctx context.Context) error {
		var err error
		localPath, err = p.fetcher.Fetch(ctx, &fetch.Request{
			SourceRef: rec.SourceRef,
			Quality:   quality,
			DestDir:   workDir,
			OnProgress: func(transferred, total int64, rate float64) {
				reporter.Sample(ctx, transferred, total, rate)
			},
		})

		return err
	})
	if err != nil {
		return err
	}

	// Stage: converting, skipped when the download already satisfies the
	// preset's container.
	if p.converter.NeedsConversion(localPath, quality) {
		if err := p.transition(ctx, jobID, stage, job.StatusConverting, reporter); err != nil {
			return err
		}

		stage = job.StatusConverting

		durationSec := float64(info.DurationSec)
		if durationSec <= 0 {
			if probed, err := p.converter.Probe(ctx, localPath); err == nil {
				durationSec = probed
			} else {
				logger.Warn("duration probe failed, conversion progress will hold", "err", err)
			}
		}

		err = p.telemetry.InstrumentStage(ctx, string(job.StatusConverting), func(ctx context.Context) error {
			var err error
			localPath, err = p.converter.Convert(ctx, localPath, quality, durationSec, func(percent float64) {
				reporter.SetPercent(ctx, percent)
			})

			return err
		})
		if err != nil {
			return err
		}
	}

	// Stage: uploading. The key is recorded before the first byte moves so a
	// cancel mid-upload knows what to clean up.
	if err := p.transition(ctx, jobID, stage, job.StatusUploading, reporter); err != nil {
		return err
	}

	key := objectKey(jobID, quality)
	*uploadedKey = key

	var sizeBytes int64

	err = p.telemetry.InstrumentStage(ctx, string(job.StatusUploading), func(ctx context.Context) error {
		var err error
		sizeBytes, err = p.store.Upload(ctx, key, localPath, contentTypeFor(quality), func(read, total int64) {
			reporter.Sample(ctx, read, total, 0)
		})
		if err != nil {
			return &job.StageError{Stage: job.StatusUploading, Op: "put_object", Err: err}
		}

		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("asset uploaded", "object_key", key, "size", humanize.Bytes(uint64(sizeBytes)))

	// Stage: completed.
	if err := ctx.Err(); err != nil {
		return err
	}

	fresh, err := p.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job for completion: %w", err)
	}

	asset, err := p.library.RegisterAsset(ctx, fresh, key, sizeBytes)
	if err != nil {
		return err
	}

	if err := p.repo.CompleteJob(ctx, jobID, asset.ID); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}

	p.publishSnapshot(ctx, jobID)

	if done, err := p.repo.GetJob(ctx, jobID); err == nil {
		emit(p.OnJobCompleted, done)
	}

	return nil
}

// transition moves the job to the next stage: context check, edge check,
// persisted status, reporter baseline reset, forced flush and publish.
func (p *Pool) transition(ctx context.Context, jobID string, from, to job.Status, reporter *progress.Reporter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !job.CanTransition(from, to) {
		return fmt.Errorf("illegal status transition %s -> %s", from, to)
	}

	if err := p.repo.UpdateStatus(ctx, jobID, to); err != nil {
		return fmt.Errorf("transitioning to %s: %w", to, err)
	}

	reporter.Track(to)
	reporter.Transition(ctx)

	return nil
}

// reporterFlush persists one telemetry snapshot and pushes it to clients.
func (p *Pool) reporterFlush(jobID string) progress.FlushFunc {
	return func(ctx context.Context, _ job.Status, percent float64, transferred, total int64, rate float64, eta int64) {
		// Progress writes race daemon shutdown; they must not be lost mid-write.
		ctx = context.WithoutCancel(ctx)

		if err := p.repo.UpdateProgress(ctx, jobID, percent, transferred, total, rate, eta); err != nil {
			logctx.LoggerFromContext(ctx).Debug("progress write failed", "job_id", jobID, "err", err)

			return
		}

		p.publishSnapshot(ctx, jobID)
	}
}

// finalizeCancelled cleans the pipeline's external side effects and records
// the cancelled state. Partial telemetry is kept for audit. A partially
// uploaded object is deleted: the bucket must only hold assets a job record
// points at.
func (p *Pool) finalizeCancelled(ctx context.Context, jobID string, start time.Time, uploadedKey string) {
	logger := logctx.LoggerFromContext(ctx)

	if uploadedKey != "" {
		if err := p.store.Remove(ctx, uploadedKey); err != nil {
			logger.Warn("failed to remove partial upload", "object_key", uploadedKey, "err", err)
		}
	}

	if err := p.repo.UpdateStatus(ctx, jobID, job.StatusCancelled); err != nil {
		logger.Error("failed to record cancelled state", "err", err)

		return
	}

	p.publishSnapshot(ctx, jobID)
	p.telemetry.RecordJob("cancelled", time.Since(start))
	logger.Info("job cancelled")
}

// finalizeFailed records the terminal failure with a human-readable message.
func (p *Pool) finalizeFailed(ctx context.Context, jobID string, start time.Time, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := p.repo.UpdateStatusError(ctx, jobID, cause.Error()); err != nil {
		logger.Error("failed to record failed state", "err", err)

		return
	}

	p.publishSnapshot(ctx, jobID)
	p.telemetry.RecordJob("failed", time.Since(start))
	logger.Error("job failed", "err", cause)

	if failed, err := p.repo.GetJob(ctx, jobID); err == nil {
		emit(p.OnJobFailed, failed)
	}
}

// objectKey is the durable location of a job's produced asset.
func objectKey(jobID string, q job.Quality) string {
	return fmt.Sprintf("%s/%s.%s", q.Kind, jobID, q.Ext)
}

func contentTypeFor(q job.Quality) string {
	switch q.Ext {
	case "mp3":
		return "audio/mpeg"
	case "m4a":
		return "audio/mp4"
	default:
		return "video/mp4"
	}
}
