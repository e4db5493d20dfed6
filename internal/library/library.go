package library

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/ingestd/internal/hub"
	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/logctx"
	"github.com/italolelis/ingestd/internal/storage"
)

// Publisher is the slice of the notification hub the library needs.
type Publisher interface {
	Publish(ctx context.Context, env hub.Envelope)
}

// Service registers completed assets and announces library changes. It is
// the only producer of the library_updated event.
type Service struct {
	assets storage.AssetRepository
	hub    Publisher
}

func NewService(assets storage.AssetRepository, publisher Publisher) *Service {
	return &Service{assets: assets, hub: publisher}
}

// RegisterAsset writes the durable asset record for a finished job and
// signals every connected client that the library changed.
func (s *Service) RegisterAsset(ctx context.Context, j *job.Job, objectKey string, sizeBytes int64) (*storage.Asset, error) {
	asset := &storage.Asset{
		ID:        uuid.New().String(),
		JobID:     j.ID,
		ObjectKey: objectKey,
		MediaKind: j.MediaKind,
		Title:     j.Title,
		SizeBytes: sizeBytes,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.assets.CreateAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("registering asset: %w", err)
	}

	s.hub.Publish(ctx, hub.NewLibraryUpdated())

	logctx.LoggerFromContext(ctx).Info("asset registered",
		"asset_id", asset.ID,
		"object_key", objectKey,
		"size_bytes", sizeBytes,
	)

	return asset, nil
}
