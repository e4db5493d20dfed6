package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/storage"
)

const jobColumns = `id, source_ref, status, progress_percent, bytes_total, bytes_transferred,
	rate, eta, error, produced_asset_id, media_kind, quality, title, uploader,
	thumbnail_url, duration_sec, created_at, updated_at`

// JobRepository stores job records in SQLite. It implements both
// storage.JobReadRepository and storage.JobWriteRepository.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source_ref, status, media_kind, quality, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SourceRef, string(j.Status), string(j.MediaKind), j.Quality,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	return nil
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &job.NotFoundError{Kind: "job", ID: id}
	}

	if err != nil {
		return nil, err
	}

	return j, nil
}

// ListJobs returns one page ordered newest first plus the total row count.
// Pages are 1-based; a page past the end is empty, not an error.
func (r *JobRepository) ListJobs(ctx context.Context, page, limit int) (*storage.JobPage, error) {
	if page < 1 {
		page = 1
	}

	if limit < 1 {
		limit = 20
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, (page-1)*limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	return &storage.JobPage{Jobs: jobs, Page: page, Total: total}, nil
}

// ListByStatuses returns matching jobs oldest first, the admission order the
// dispatcher needs.
func (r *JobRepository) ListByStatuses(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (`+placeholders+`) ORDER BY created_at ASC, id ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing jobs by status: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ClaimJob atomically moves a pending job into fetching_info and records the
// claiming instance. Returns false when another worker or a cancel won the
// race.
func (r *JobRepository) ClaimJob(ctx context.Context, id, instanceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, locked_by = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(job.StatusFetchingInfo), instanceID, formatTime(time.Now()), id,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// CancelIfPending atomically cancels a job no worker owns yet. Returns false
// when the job already left pending.
func (r *JobRepository) CancelIfPending(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		string(job.StatusCancelled), formatTime(time.Now()), id,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *JobRepository) UpdateStatus(ctx context.Context, id string, status job.Status) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id,
	)

	return err
}

func (r *JobRepository) UpdateStatusError(ctx context.Context, id string, message string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(job.StatusFailed), message, formatTime(time.Now()), id,
	)

	return err
}

func (r *JobRepository) SetJobInfo(ctx context.Context, id, title, uploader, thumbnailURL string, durationSec int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET title = ?, uploader = ?, thumbnail_url = ?, duration_sec = ?, updated_at = ? WHERE id = ?`,
		nullableString(title), nullableString(uploader), nullableString(thumbnailURL),
		durationSec, formatTime(time.Now()), id,
	)

	return err
}

func (r *JobRepository) UpdateProgress(ctx context.Context, id string, percent float64, transferred, total int64, rate float64, eta int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET progress_percent = ?, bytes_transferred = ?, bytes_total = ?,
		 rate = ?, eta = ?, updated_at = ? WHERE id = ?`,
		percent, transferred, total, rate, eta, formatTime(time.Now()), id,
	)

	return err
}

// CompleteJob records the produced asset and the terminal transition in one
// statement so producedAssetId is never observable without completed.
func (r *JobRepository) CompleteJob(ctx context.Context, id, assetID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, produced_asset_id = ?, progress_percent = 100, updated_at = ? WHERE id = ?`,
		string(job.StatusCompleted), assetID, formatTime(time.Now()), id,
	)

	return err
}

func (r *JobRepository) DeleteJob(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)

	return err
}

func (r *JobRepository) DeleteAllJobs(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM jobs`)

	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*job.Job, error) {
	var j job.Job

	var status, mediaKind, createdAtRaw, updatedAtRaw string

	var errMsg, assetID, title, uploader, thumbnailURL sql.NullString

	err := sc.Scan(
		&j.ID, &j.SourceRef, &status, &j.ProgressPercent, &j.BytesTotal, &j.BytesTransferred,
		&j.Rate, &j.ETA, &errMsg, &assetID, &mediaKind, &j.Quality, &title, &uploader,
		&thumbnailURL, &j.DurationSec, &createdAtRaw, &updatedAtRaw,
	)
	if err != nil {
		return nil, err
	}

	parsed, ok := job.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("job %s has unknown status %q", j.ID, status)
	}

	j.Status = parsed
	j.MediaKind = job.MediaKind(mediaKind)
	j.Error = errMsg.String
	j.ProducedAssetID = assetID.String
	j.Title = title.String
	j.Uploader = uploader.String
	j.ThumbnailURL = thumbnailURL.String
	j.CreatedAt = parseTime(createdAtRaw)
	j.UpdatedAt = parseTime(updatedAtRaw)

	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	var jobs []*job.Job

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}

		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}

	return t
}
