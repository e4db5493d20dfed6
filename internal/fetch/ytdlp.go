package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/logctx"
)

const progressFuncInterval = 500 * time.Millisecond

// YTDLPFetcher fetches media through the yt-dlp binary. The zero value is
// not usable; construct it with NewYTDLPFetcher.
type YTDLPFetcher struct{}

func NewYTDLPFetcher() *YTDLPFetcher {
	return &YTDLPFetcher{}
}

// FetchInfo probes the source without downloading anything.
func (f *YTDLPFetcher) FetchInfo(ctx context.Context, sourceRef string) (*MediaInfo, error) {
	dl := ytdlp.New().
		SkipDownload().
		DumpJSON().
		NoPlaylist()

	result, err := dl.Run(ctx, sourceRef)
	if err != nil {
		return nil, &job.StageError{Stage: job.StatusFetchingInfo, Op: "probe", Err: err}
	}

	info, err := result.GetExtractedInfo()
	if err != nil || len(info) == 0 {
		return nil, &job.StageError{Stage: job.StatusFetchingInfo, Op: "parse_probe", Err: err}
	}

	return &MediaInfo{
		Title:        stringValue(info[0].Title),
		Uploader:     stringValue(info[0].Uploader),
		ThumbnailURL: stringValue(info[0].Thumbnail),
		DurationSec:  int64(floatValue(info[0].Duration)),
	}, nil
}

// Fetch downloads the source into req.DestDir and returns the local path of
// the produced file.
func (f *YTDLPFetcher) Fetch(ctx context.Context, req *Request) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	dl := ytdlp.New().
		ForceOverwrites().
		RestrictFilenames().
		NoPlaylist().
		Output(filepath.Join(req.DestDir, "source.%(ext)s"))

	if req.Quality.Kind == job.MediaKindAudio {
		dl = dl.ExtractAudio().AudioFormat(req.Quality.Ext)

		if req.Quality.BitrateKbps > 0 {
			dl = dl.AudioQuality(fmt.Sprintf("%dK", req.Quality.BitrateKbps))
		}
	} else {
		dl = dl.Format(videoFormat(req.Quality)).MergeOutputFormat(req.Quality.Ext)
	}

	if req.OnProgress != nil {
		dl = dl.ProgressFunc(progressFuncInterval, func(update ytdlp.ProgressUpdate) {
			var rate float64
			if !update.Started.IsZero() {
				if elapsed := time.Since(update.Started).Seconds(); elapsed > 0 {
					rate = float64(update.DownloadedBytes) / elapsed
				}
			}

			req.OnProgress(int64(update.DownloadedBytes), int64(update.TotalBytes), rate)
		})
	}

	result, err := dl.Run(ctx, req.SourceRef)
	if err != nil {
		return "", &job.StageError{Stage: job.StatusDownloading, Op: "download", Err: err}
	}

	if info, err := result.GetExtractedInfo(); err == nil && len(info) > 0 && info[0].Filename != nil {
		if path := *info[0].Filename; path != "" {
			return path, nil
		}
	}

	// yt-dlp post-processing (audio extraction, merging) can rename the file
	// after the last progress line; fall back to scanning the job directory.
	logger.Debug("fetch result carried no filename, scanning dest dir", "dest_dir", req.DestDir)

	return newestFile(req.DestDir)
}

// ResolvePlaylist flat-extracts the playlist without touching any media.
func (f *YTDLPFetcher) ResolvePlaylist(ctx context.Context, url string) ([]EntryRef, error) {
	dl := ytdlp.New().
		SkipDownload().
		FlatPlaylist().
		DumpSingleJSON()

	result, err := dl.Run(ctx, url)
	if err != nil {
		return nil, &job.StageError{Stage: job.StatusFetchingInfo, Op: "resolve_playlist", Err: err}
	}

	info, err := result.GetExtractedInfo()
	if err != nil || len(info) == 0 {
		return nil, &job.StageError{Stage: job.StatusFetchingInfo, Op: "parse_playlist", Err: err}
	}

	// A bare video resolves to itself as a single entry.
	if len(info[0].Entries) == 0 {
		return []EntryRef{{URL: url, Title: stringValue(info[0].Title)}}, nil
	}

	entries := make([]EntryRef, 0, len(info[0].Entries))

	for _, entry := range info[0].Entries {
		entryURL := stringValue(entry.URL)
		if entryURL == "" {
			continue
		}

		entries = append(entries, EntryRef{URL: entryURL, Title: stringValue(entry.Title)})
	}

	return entries, nil
}

// videoFormat maps a video quality preset to a yt-dlp format selector.
func videoFormat(q job.Quality) string {
	if q.MaxHeight <= 0 {
		return "bestvideo+bestaudio/best"
	}

	return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", q.MaxHeight, q.MaxHeight)
}

// newestFile returns the most recently modified regular file in dir.
func newestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("scanning dest dir: %w", err)
	}

	var (
		newest    string
		newestMod time.Time
	)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, entry.Name())
			newestMod = info.ModTime()
		}
	}

	if newest == "" {
		return "", fmt.Errorf("no downloaded file found in %s", dir)
	}

	return newest, nil
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

func floatValue(f *float64) float64 {
	if f == nil {
		return 0
	}

	return *f
}
