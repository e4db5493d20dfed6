package job

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an ingestion job.
type Status string

const (
	StatusPending      Status = "pending"
	StatusFetchingInfo Status = "fetching_info"
	StatusDownloading  Status = "downloading"
	StatusConverting   Status = "converting"
	StatusUploading    Status = "uploading"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusFetchingInfo,
	StatusDownloading,
	StatusConverting,
	StatusUploading,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// transitions holds the forward edges of the pipeline. failed and cancelled
// are reachable from every non-terminal state and are handled in CanTransition
// rather than listed per state.
var transitions = map[Status][]Status{
	StatusPending:      {StatusFetchingInfo},
	StatusFetchingInfo: {StatusDownloading},
	StatusDownloading:  {StatusConverting, StatusUploading},
	StatusConverting:   {StatusUploading},
	StatusUploading:    {StatusCompleted},
}

// ParseStatus returns the Status for s, case-insensitive.
func ParseStatus(s string) (Status, bool) {
	needle := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == needle {
			return st, true
		}
	}

	return "", false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a worker currently owns the job. pending jobs are
// waiting for a slot and belong to nobody yet.
func (s Status) IsActive() bool {
	switch s {
	case StatusFetchingInfo, StatusDownloading, StatusConverting, StatusUploading:
		return true
	}

	return false
}

// CanTransition reports whether from -> to is a legal edge. Every non-terminal
// state may move to failed or cancelled; terminal states never move.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}

	if to == StatusFailed || to == StatusCancelled {
		return true
	}

	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// MediaKind distinguishes audio-only jobs from video jobs. It is derived from
// the requested quality preset, never supplied directly.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Quality is a validated quality preset.
type Quality struct {
	Name        string
	Kind        MediaKind
	BitrateKbps int // audio presets only
	MaxHeight   int // video presets only, 0 means best available
	Ext         string
}

var qualityPresets = map[string]Quality{
	"mp3_320": {Name: "mp3_320", Kind: MediaKindAudio, BitrateKbps: 320, Ext: "mp3"},
	"mp3_256": {Name: "mp3_256", Kind: MediaKindAudio, BitrateKbps: 256, Ext: "mp3"},
	"mp3_192": {Name: "mp3_192", Kind: MediaKindAudio, BitrateKbps: 192, Ext: "mp3"},
	"mp3_128": {Name: "mp3_128", Kind: MediaKindAudio, BitrateKbps: 128, Ext: "mp3"},
	"m4a":     {Name: "m4a", Kind: MediaKindAudio, Ext: "m4a"},
	"best":    {Name: "best", Kind: MediaKindVideo, Ext: "mp4"},
	"2160p":   {Name: "2160p", Kind: MediaKindVideo, MaxHeight: 2160, Ext: "mp4"},
	"1440p":   {Name: "1440p", Kind: MediaKindVideo, MaxHeight: 1440, Ext: "mp4"},
	"1080p":   {Name: "1080p", Kind: MediaKindVideo, MaxHeight: 1080, Ext: "mp4"},
	"720p":    {Name: "720p", Kind: MediaKindVideo, MaxHeight: 720, Ext: "mp4"},
	"480p":    {Name: "480p", Kind: MediaKindVideo, MaxHeight: 480, Ext: "mp4"},
	"360p":    {Name: "360p", Kind: MediaKindVideo, MaxHeight: 360, Ext: "mp4"},
}

// ParseQuality validates and resolves a requested quality preset.
func ParseQuality(name string) (Quality, error) {
	q, ok := qualityPresets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Quality{}, &SubmissionError{Param: "quality", Reason: "unknown preset " + name}
	}

	return q, nil
}

// Job is one ingestion attempt from a source reference to a servable asset.
// The JSON form is the snapshot exposed to clients; field names are part of
// the wire contract.
type Job struct {
	ID               string    `json:"id"`
	SourceRef        string    `json:"sourceRef"`
	Status           Status    `json:"status"`
	ProgressPercent  float64   `json:"progressPercent"`
	BytesTotal       int64     `json:"bytesTotal"`
	BytesTransferred int64     `json:"bytesTransferred"`
	Rate             float64   `json:"rate"` // bytes per second, 0 when unknown
	ETA              int64     `json:"eta"`  // seconds, 0 when unknown
	Error            string    `json:"error,omitempty"`
	ProducedAssetID  string    `json:"producedAssetId,omitempty"`
	MediaKind        MediaKind `json:"mediaKind"`
	Quality          string    `json:"quality"`
	Title            string    `json:"title,omitempty"`
	Uploader         string    `json:"uploader,omitempty"`
	ThumbnailURL     string    `json:"thumbnailUrl,omitempty"`
	DurationSec      int64     `json:"durationSec,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// New builds a pending job for a validated submission.
func New(id, sourceRef string, quality Quality) *Job {
	now := time.Now().UTC()

	return &Job{
		ID:        id,
		SourceRef: sourceRef,
		Status:    StatusPending,
		MediaKind: quality.Kind,
		Quality:   quality.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
