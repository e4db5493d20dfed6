package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/ingestd/internal/cache"
	"github.com/italolelis/ingestd/internal/fetch"
	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/logctx"
	"github.com/italolelis/ingestd/internal/storage"
)

// JobController is the pipeline surface the API needs.
type JobController interface {
	Submit(ctx context.Context, sourceRef, qualityName string) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Delete(ctx context.Context, jobID string) error
	DeleteAll(ctx context.Context) error
}

// Presigner mints short-lived download URLs for stored assets.
type Presigner interface {
	PresignedGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// PlaylistResolver expands a playlist reference into its entries.
type PlaylistResolver interface {
	ResolvePlaylist(ctx context.Context, url string) ([]fetch.EntryRef, error)
}

type submitRequest struct {
	URL     string `json:"url"`
	Quality string `json:"quality"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type playlistResponse struct {
	JobIDs []string `json:"jobIds"`
}

type jobListResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Page  int        `json:"page"`
	Total int        `json:"total"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type assetURLResponse struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// JobsHandler serves the job and asset API. The list and get endpoints read
// straight from the repository: the store is authoritative, push events are
// advisory.
type JobsHandler struct {
	jobs          JobController
	repo          storage.JobReadRepository
	assets        storage.AssetRepository
	playlists     PlaylistResolver
	presigner     Presigner
	cache         *cache.Manager
	presignExpiry time.Duration
}

func NewJobsHandler(
	jobs JobController,
	repo storage.JobReadRepository,
	assets storage.AssetRepository,
	playlists PlaylistResolver,
	presigner Presigner,
	contentCache *cache.Manager,
	presignExpiry time.Duration,
) *JobsHandler {
	if presignExpiry <= 0 {
		presignExpiry = time.Hour
	}

	return &JobsHandler{
		jobs:          jobs,
		repo:          repo,
		assets:        assets,
		playlists:     playlists,
		presigner:     presigner,
		cache:         contentCache,
		presignExpiry: presignExpiry,
	}
}

func (h *JobsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/jobs", h.SubmitJob)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{jobID}", h.GetJob)
	r.Post("/jobs/{jobID}/cancel", h.CancelJob)
	r.Delete("/jobs/{jobID}", h.DeleteJob)
	r.Delete("/jobs", h.DeleteAllJobs)

	r.Post("/playlists", h.SubmitPlaylist)

	r.Get("/assets/{assetID}/url", h.GetAssetURL)
	r.Get("/assets/{assetID}/content", h.GetAssetContent)

	return r
}

// SubmitJob records a new ingestion job. The response is 202: acceptance
// only means the job is queued, not that the source is reachable.
func (h *JobsHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, &job.SubmissionError{Param: "body", Reason: "invalid JSON", Err: err})

		return
	}

	jobID, err := h.jobs.Submit(r.Context(), req.URL, req.Quality)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusAccepted, submitResponse{JobID: jobID})
}

// SubmitPlaylist expands the playlist and queues one job per entry with the
// shared quality preset.
func (h *JobsHandler) SubmitPlaylist(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, &job.SubmissionError{Param: "body", Reason: "invalid JSON", Err: err})

		return
	}

	// Validate the preset before touching the network so a bad quality is a
	// clean 400 instead of a resolved-then-rejected playlist.
	if _, err := job.ParseQuality(req.Quality); err != nil {
		respondError(w, r, err)

		return
	}

	entries, err := h.playlists.ResolvePlaylist(r.Context(), req.URL)
	if err != nil {
		respondError(w, r, err)

		return
	}

	jobIDs := make([]string, 0, len(entries))

	for _, entry := range entries {
		jobID, err := h.jobs.Submit(r.Context(), entry.URL, req.Quality)
		if err != nil {
			logger.Warn("playlist entry rejected", "entry_url", entry.URL, "err", err)

			continue
		}

		jobIDs = append(jobIDs, jobID)
	}

	logger.Info("playlist submitted", "entries", len(entries), "accepted", len(jobIDs))

	respondJSON(w, r, http.StatusAccepted, playlistResponse{JobIDs: jobIDs})
}

// GetJob serves one job snapshot.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.repo.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, rec)
}

// ListJobs serves the authoritative job listing, newest first.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	result, err := h.repo.ListJobs(r.Context(), page, limit)
	if err != nil {
		respondError(w, r, err)

		return
	}

	jobs := result.Jobs
	if jobs == nil {
		jobs = []*job.Job{}
	}

	respondJSON(w, r, http.StatusOK, jobListResponse{Jobs: jobs, Page: result.Page, Total: result.Total})
}

// CancelJob requests a cooperative stop. Cancelling a finished job is a
// successful no-op; only an id that never existed is a 404.
func (h *JobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Cancel(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondError(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, okResponse{OK: true})
}

// DeleteJob cancels the job if needed and removes its record.
func (h *JobsHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Delete(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondError(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, okResponse{OK: true})
}

// DeleteAllJobs cancels every active job and clears the store.
func (h *JobsHandler) DeleteAllJobs(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.DeleteAll(r.Context()); err != nil {
		respondError(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, okResponse{OK: true})
}

// GetAssetURL mints a presigned download URL for a finished asset.
func (h *JobsHandler) GetAssetURL(w http.ResponseWriter, r *http.Request) {
	asset, err := h.assets.GetAsset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		respondError(w, r, err)

		return
	}

	url, err := h.presigner.PresignedGet(r.Context(), asset.ObjectKey, h.presignExpiry)
	if err != nil {
		respondError(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, assetURLResponse{URL: url})
}

// GetAssetContent streams the asset bytes from the local content cache,
// pulling them from the object store on the first request. Concurrent
// requests for the same asset share one transfer.
func (h *JobsHandler) GetAssetContent(w http.ResponseWriter, r *http.Request) {
	asset, err := h.assets.GetAsset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		respondError(w, r, err)

		return
	}

	url, err := h.presigner.PresignedGet(r.Context(), asset.ObjectKey, h.presignExpiry)
	if err != nil {
		respondError(w, r, err)

		return
	}

	path, err := h.cache.EnsureCached(r.Context(), asset.ObjectKey, url)
	if err != nil {
		respondError(w, r, err)

		return
	}

	http.ServeFile(w, r, path)
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// respondError maps the error taxonomy onto HTTP statuses. Internal failures
// get a generic body; the detail stays in the logs.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	var (
		submissionErr *job.SubmissionError
		notFoundErr   *job.NotFoundError
		transferErr   *cache.TransferError
	)

	switch {
	case errors.As(err, &submissionErr):
		respondJSON(w, r, http.StatusBadRequest, errorResponse{Error: submissionErr.Error()})
	case errors.As(err, &notFoundErr):
		respondJSON(w, r, http.StatusNotFound, errorResponse{Error: notFoundErr.Error()})
	case errors.As(err, &transferErr):
		logger.Error("content transfer failed", "err", err)
		respondJSON(w, r, http.StatusBadGateway, errorResponse{Error: "content transfer failed"})
	default:
		logger.Error("request failed", "err", err)
		respondJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
