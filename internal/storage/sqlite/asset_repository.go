package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/storage"
)

// AssetRepository stores asset records in SQLite.
type AssetRepository struct {
	db *sql.DB
}

func NewAssetRepository(db *sql.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

func (r *AssetRepository) CreateAsset(ctx context.Context, a *storage.Asset) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO assets (id, job_id, object_key, media_kind, title, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.ObjectKey, string(a.MediaKind), nullableString(a.Title),
		a.SizeBytes, formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting asset: %w", err)
	}

	return nil
}

func (r *AssetRepository) GetAsset(ctx context.Context, id string) (*storage.Asset, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, job_id, object_key, media_kind, title, size_bytes, created_at FROM assets WHERE id = ?`, id)

	var a storage.Asset

	var mediaKind, createdAtRaw string

	var title sql.NullString

	err := row.Scan(&a.ID, &a.JobID, &a.ObjectKey, &mediaKind, &title, &a.SizeBytes, &createdAtRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &job.NotFoundError{Kind: "asset", ID: id}
	}

	if err != nil {
		return nil, err
	}

	a.MediaKind = job.MediaKind(mediaKind)
	a.Title = title.String
	a.CreatedAt = parseTime(createdAtRaw)

	return &a, nil
}
