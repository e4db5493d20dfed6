package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/storage"
	"github.com/italolelis/ingestd/internal/telemetry"
)

// InstrumentedJobRepository wraps JobRepository with telemetry.
type InstrumentedJobRepository struct {
	repo      *JobRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedJobRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedJobRepository {
	return &InstrumentedJobRepository{
		repo:      NewJobRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedJobRepository) CreateJob(ctx context.Context, j *job.Job) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_job", func(ctx context.Context) error {
		return r.repo.CreateJob(ctx, j)
	})
}

func (r *InstrumentedJobRepository) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var result *job.Job

	err := r.telemetry.InstrumentDBOperation(ctx, "get_job", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetJob(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedJobRepository) ListJobs(ctx context.Context, page, limit int) (*storage.JobPage, error) {
	var result *storage.JobPage

	err := r.telemetry.InstrumentDBOperation(ctx, "list_jobs", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListJobs(ctx, page, limit)

		return err
	})

	return result, err
}

func (r *InstrumentedJobRepository) ListByStatuses(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	var result []*job.Job

	err := r.telemetry.InstrumentDBOperation(ctx, "list_by_statuses", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListByStatuses(ctx, statuses...)

		return err
	})

	return result, err
}

func (r *InstrumentedJobRepository) ClaimJob(ctx context.Context, id, instanceID string) (bool, error) {
	var claimed bool

	err := r.telemetry.InstrumentDBOperation(ctx, "claim_job", func(ctx context.Context) error {
		var err error
		claimed, err = r.repo.ClaimJob(ctx, id, instanceID)

		return err
	})

	return claimed, err
}

func (r *InstrumentedJobRepository) CancelIfPending(ctx context.Context, id string) (bool, error) {
	var won bool

	err := r.telemetry.InstrumentDBOperation(ctx, "cancel_if_pending", func(ctx context.Context) error {
		var err error
		won, err = r.repo.CancelIfPending(ctx, id)

		return err
	})

	return won, err
}

func (r *InstrumentedJobRepository) UpdateStatus(ctx context.Context, id string, status job.Status) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_status", func(ctx context.Context) error {
		return r.repo.UpdateStatus(ctx, id, status)
	})
}

func (r *InstrumentedJobRepository) UpdateStatusError(ctx context.Context, id string, message string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_status_error", func(ctx context.Context) error {
		return r.repo.UpdateStatusError(ctx, id, message)
	})
}

func (r *InstrumentedJobRepository) SetJobInfo(ctx context.Context, id, title, uploader, thumbnailURL string, durationSec int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_job_info", func(ctx context.Context) error {
		return r.repo.SetJobInfo(ctx, id, title, uploader, thumbnailURL, durationSec)
	})
}

func (r *InstrumentedJobRepository) UpdateProgress(ctx context.Context, id string, percent float64, transferred, total int64, rate float64, eta int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, id, percent, transferred, total, rate, eta)
	})
}

func (r *InstrumentedJobRepository) CompleteJob(ctx context.Context, id, assetID string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "complete_job", func(ctx context.Context) error {
		return r.repo.CompleteJob(ctx, id, assetID)
	})
}

func (r *InstrumentedJobRepository) DeleteJob(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_job", func(ctx context.Context) error {
		return r.repo.DeleteJob(ctx, id)
	})
}

func (r *InstrumentedJobRepository) DeleteAllJobs(ctx context.Context) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_all_jobs", func(ctx context.Context) error {
		return r.repo.DeleteAllJobs(ctx)
	})
}

// InstrumentedAssetRepository wraps AssetRepository with telemetry.
type InstrumentedAssetRepository struct {
	repo      *AssetRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedAssetRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedAssetRepository {
	return &InstrumentedAssetRepository{
		repo:      NewAssetRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedAssetRepository) CreateAsset(ctx context.Context, a *storage.Asset) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_asset", func(ctx context.Context) error {
		return r.repo.CreateAsset(ctx, a)
	})
}

func (r *InstrumentedAssetRepository) GetAsset(ctx context.Context, id string) (*storage.Asset, error) {
	var result *storage.Asset

	err := r.telemetry.InstrumentDBOperation(ctx, "get_asset", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetAsset(ctx, id)

		return err
	})

	return result, err
}
