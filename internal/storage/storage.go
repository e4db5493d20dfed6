package storage

import (
	"context"
	"time"

	"github.com/italolelis/ingestd/internal/job"
)

// Asset is the durable record of a media object produced by a completed job.
// The bytes live in the object store under ObjectKey.
type Asset struct {
	ID        string
	JobID     string
	ObjectKey string
	MediaKind job.MediaKind
	Title     string
	SizeBytes int64
	CreatedAt time.Time
}

// JobPage is one page of the authoritative job listing.
type JobPage struct {
	Jobs  []*job.Job
	Page  int
	Total int
}

// JobReadRepository serves job lookups; list results are ordered newest first.
type JobReadRepository interface {
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context, page, limit int) (*JobPage, error)
	ListByStatuses(ctx context.Context, statuses ...job.Status) ([]*job.Job, error)
}

// JobWriteRepository mutates job records. The conditional operations
// (ClaimJob, CancelIfPending) report whether the row actually moved so racing
// callers can tell who won.
type JobWriteRepository interface {
	CreateJob(ctx context.Context, j *job.Job) error
	ClaimJob(ctx context.Context, id, instanceID string) (bool, error)
	CancelIfPending(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status job.Status) error
	UpdateStatusError(ctx context.Context, id string, message string) error
	SetJobInfo(ctx context.Context, id, title, uploader, thumbnailURL string, durationSec int64) error
	UpdateProgress(ctx context.Context, id string, percent float64, transferred, total int64, rate float64, eta int64) error
	CompleteJob(ctx context.Context, id, assetID string) error
	DeleteJob(ctx context.Context, id string) error
	DeleteAllJobs(ctx context.Context) error
}

// AssetRepository stores and serves asset records.
type AssetRepository interface {
	CreateAsset(ctx context.Context, a *Asset) error
	GetAsset(ctx context.Context, id string) (*Asset, error)
}
