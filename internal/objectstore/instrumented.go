package objectstore

import (
	"context"
	"time"

	"github.com/italolelis/ingestd/internal/telemetry"
)

// InstrumentedStore wraps a Store with client operation telemetry.
type InstrumentedStore struct {
	store      *Store
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedStore creates a new instrumented object store.
func NewInstrumentedStore(store *Store, tel *telemetry.Telemetry, clientType string) *InstrumentedStore {
	return &InstrumentedStore{
		store:      store,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Upload uploads an object with telemetry.
func (s *InstrumentedStore) Upload(ctx context.Context, key, path, contentType string, onProgress func(read, total int64)) (int64, error) {
	var result int64

	var err error

	instrumentedErr := s.telemetry.InstrumentClientOperation(ctx, s.clientType, "put_object", func(ctx context.Context) error {
		result, err = s.store.Upload(ctx, key, path, contentType, onProgress)

		return err
	})

	if instrumentedErr != nil {
		return 0, instrumentedErr
	}

	return result, nil
}

// Remove removes an object with telemetry.
func (s *InstrumentedStore) Remove(ctx context.Context, key string) error {
	return s.telemetry.InstrumentClientOperation(ctx, s.clientType, "remove_object", func(ctx context.Context) error {
		return s.store.Remove(ctx, key)
	})
}

// PresignedGet presigns an object URL with telemetry.
func (s *InstrumentedStore) PresignedGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	var result string

	var err error

	instrumentedErr := s.telemetry.InstrumentClientOperation(ctx, s.clientType, "presign_get", func(ctx context.Context) error {
		result, err = s.store.PresignedGet(ctx, key, expiry)

		return err
	})

	if instrumentedErr != nil {
		return "", instrumentedErr
	}

	return result, nil
}
