package fetch

import (
	"context"

	"github.com/italolelis/ingestd/internal/job"
)

// MediaInfo is the metadata the fetching_info stage attaches to a job.
type MediaInfo struct {
	Title        string
	Uploader     string
	ThumbnailURL string
	DurationSec  int64
}

// EntryRef is one resolved playlist entry. Each entry becomes its own job.
type EntryRef struct {
	URL   string
	Title string
}

// Request describes one media download.
type Request struct {
	SourceRef string
	Quality   job.Quality
	DestDir   string

	// OnProgress receives byte samples while the transfer runs. A rate of 0
	// means unknown; total of 0 means unknown.
	OnProgress func(transferred, total int64, rate float64)
}

// Fetcher resolves and downloads remote media. Implementations must honor
// ctx cancellation at every network checkpoint.
type Fetcher interface {
	FetchInfo(ctx context.Context, sourceRef string) (*MediaInfo, error)
	Fetch(ctx context.Context, req *Request) (string, error)
	ResolvePlaylist(ctx context.Context, url string) ([]EntryRef, error)
}
