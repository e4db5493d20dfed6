package fetch

import (
	"context"

	"github.com/italolelis/ingestd/internal/telemetry"
)

// InstrumentedFetcher wraps a Fetcher with client operation telemetry.
type InstrumentedFetcher struct {
	fetcher    Fetcher
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry, clientType string) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:    fetcher,
		telemetry:  tel,
		clientType: clientType,
	}
}

// FetchInfo probes the source with telemetry.
func (f *InstrumentedFetcher) FetchInfo(ctx context.Context, sourceRef string) (*MediaInfo, error) {
	var result *MediaInfo

	var err error

	instrumentedErr := f.telemetry.InstrumentClientOperation(ctx, f.clientType, "fetch_info", func(ctx context.Context) error {
		result, err = f.fetcher.FetchInfo(ctx, sourceRef)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Fetch downloads the source with telemetry.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, req *Request) (string, error) {
	var result string

	var err error

	instrumentedErr := f.telemetry.InstrumentClientOperation(ctx, f.clientType, "fetch", func(ctx context.Context) error {
		result, err = f.fetcher.Fetch(ctx, req)

		return err
	})

	if instrumentedErr != nil {
		return "", instrumentedErr
	}

	return result, nil
}

// ResolvePlaylist resolves playlist entries with telemetry.
func (f *InstrumentedFetcher) ResolvePlaylist(ctx context.Context, url string) ([]EntryRef, error) {
	var result []EntryRef

	var err error

	instrumentedErr := f.telemetry.InstrumentClientOperation(ctx, f.clientType, "resolve_playlist", func(ctx context.Context) error {
		result, err = f.fetcher.ResolvePlaylist(ctx, url)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
