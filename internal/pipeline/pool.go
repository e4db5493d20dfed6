package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/italolelis/ingestd/internal/fetch"
	"github.com/italolelis/ingestd/internal/hub"
	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/logctx"
	"github.com/italolelis/ingestd/internal/storage"
	"github.com/italolelis/ingestd/internal/telemetry"
)

const eventBuffer = 16

// JobStore is the full job repository surface the pool needs.
type JobStore interface {
	storage.JobReadRepository
	storage.JobWriteRepository
}

// Publisher is the slice of the notification hub the pool needs.
type Publisher interface {
	Publish(ctx context.Context, env hub.Envelope)
}

// ObjectStore is the durable storage surface the upload stage needs.
type ObjectStore interface {
	Upload(ctx context.Context, key, path, contentType string, onProgress func(read, total int64)) (int64, error)
	Remove(ctx context.Context, key string) error
}

// Converter is the conversion surface of the converting stage.
type Converter interface {
	NeedsConversion(inputPath string, q job.Quality) bool
	Probe(ctx context.Context, inputPath string) (float64, error)
	Convert(ctx context.Context, inputPath string, q job.Quality, durationSec float64, onProgress func(percent float64)) (string, error)
}

// AssetRegistrar records the asset a completed job produced.
type AssetRegistrar interface {
	RegisterAsset(ctx context.Context, j *job.Job, objectKey string, sizeBytes int64) (*storage.Asset, error)
}

// Config holds the pool's tunables.
type Config struct {
	WorkDir          string
	MaxParallel      int
	DispatchInterval time.Duration
	ProgressInterval time.Duration
}

// activeJob tracks one running worker so a cancel request can reach it.
// userCancelled distinguishes an explicit cancel from daemon shutdown; both
// cancel the same context.
type activeJob struct {
	cancel        context.CancelFunc
	userCancelled atomic.Bool
}

// Pool runs ingestion jobs through the fetch/convert/upload pipeline, at
// most MaxParallel at a time. Admission is FIFO by submission time; excess
// jobs stay pending until a slot frees. Each job's worker is the single
// writer of that job's record while it is active.
type Pool struct {
	cfg        Config
	repo       JobStore
	fetcher    fetch.Fetcher
	converter  Converter
	store      ObjectStore
	library    AssetRegistrar
	hub        Publisher
	telemetry  *telemetry.Telemetry
	instanceID string

	wake chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeJob

	// Terminal-job events for the ops notifier consumers in main. Sends never
	// block: with no consumer attached events are dropped, not queued forever.
	OnJobCompleted chan *job.Job
	OnJobFailed    chan *job.Job
}

func NewPool(
	cfg Config,
	repo JobStore,
	fetcher fetch.Fetcher,
	converter Converter,
	store ObjectStore,
	registrar AssetRegistrar,
	publisher Publisher,
	tel *telemetry.Telemetry,
) *Pool {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = time.Second
	}

	return &Pool{
		cfg:            cfg,
		repo:           repo,
		fetcher:        fetcher,
		converter:      converter,
		store:          store,
		library:        registrar,
		hub:            publisher,
		telemetry:      tel,
		instanceID:     GenerateInstanceID(),
		wake:           make(chan struct{}, 1),
		sem:            make(chan struct{}, cfg.MaxParallel),
		active:         make(map[string]*activeJob),
		OnJobCompleted: make(chan *job.Job, eventBuffer),
		OnJobFailed:    make(chan *job.Job, eventBuffer),
	}
}

// Close releases the pool's event channels. Call only after Run returned.
func (p *Pool) Close() {
	close(p.OnJobCompleted)
	close(p.OnJobFailed)
}

// Submit validates the request, records a pending job and wakes the
// dispatcher. It never touches the network: an unreachable source surfaces
// later as a failed transition, not here.
func (p *Pool) Submit(ctx context.Context, sourceRef, qualityName string) (string, error) {
	if strings.TrimSpace(sourceRef) == "" {
		return "", &job.SubmissionError{Param: "url", Reason: "must not be empty"}
	}

	if strings.Contains(sourceRef, "://") {
		u, err := url.Parse(sourceRef)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", &job.SubmissionError{Param: "url", Reason: "must be an http(s) URL or a search expression", Err: err}
		}
	}

	quality, err := job.ParseQuality(qualityName)
	if err != nil {
		return "", err
	}

	j := job.New(uuid.New().String(), sourceRef, quality)
	if err := p.repo.CreateJob(ctx, j); err != nil {
		return "", fmt.Errorf("recording submission: %w", err)
	}

	p.hub.Publish(ctx, hub.NewTaskUpdate(j))

	select {
	case p.wake <- struct{}{}:
	default:
	}

	logctx.LoggerFromContext(ctx).Info("job submitted",
		"job_id", j.ID,
		"quality", quality.Name,
		"media_kind", string(quality.Kind),
	)

	return j.ID, nil
}

// Run drives the dispatcher until ctx is cancelled, then waits for running
// workers to wind down.
func (p *Pool) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatcher panic",
				"operation", "dispatch",
				"panic", r,
				"stack", string(debug.Stack()))

			if ctx.Err() == nil {
				logger.Info("restarting dispatcher after panic", "operation", "dispatch")
				time.Sleep(time.Second)
				p.Run(ctx)
			}
		}
	}()

	ticker := time.NewTicker(p.cfg.DispatchInterval)
	defer ticker.Stop()

	logger.Info("worker pool running", "max_parallel", p.cfg.MaxParallel, "instance_id", p.instanceID)

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker pool shutting down", "reason", "context_cancelled")
			p.wg.Wait()

			return
		case <-p.wake:
		case <-ticker.C:
		}

		if err := p.dispatch(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dispatch failed", "err", err)
		}
	}
}

// dispatch claims pending jobs oldest first while free slots exist.
func (p *Pool) dispatch(ctx context.Context) error {
	pending, err := p.repo.ListByStatuses(ctx, job.StatusPending)
	if err != nil {
		return fmt.Errorf("listing pending jobs: %w", err)
	}

	for _, j := range pending {
		select {
		case p.sem <- struct{}{}:
		default:
			return nil // pool full, the rest stay pending
		}

		// Register before claiming so a cancel that lands between the claim
		// and the worker start still reaches the job's context.
		state := &activeJob{}
		jobCtx, cancel := context.WithCancel(ctx)
		state.cancel = cancel

		p.mu.Lock()
		p.active[j.ID] = state
		p.mu.Unlock()

		claimed, err := p.repo.ClaimJob(ctx, j.ID, p.instanceID)
		if err != nil || !claimed {
			p.mu.Lock()
			delete(p.active, j.ID)
			p.mu.Unlock()

			cancel()
			<-p.sem

			if err != nil {
				return fmt.Errorf("claiming job %s: %w", j.ID, err)
			}

			// A cancel (or another instance) won the race.
			continue
		}

		p.telemetry.IncrementActiveJobs()
		p.wg.Add(1)

		go p.runJob(jobCtx, state, j.ID)
	}

	return nil
}

// Cancel asks the job to stop at its next safe checkpoint. It is idempotent:
// cancelling a terminal job is a successful no-op, and repeated calls all
// report success. Only an id that never existed is an error.
func (p *Pool) Cancel(ctx context.Context, jobID string) error {
	rec, err := p.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if rec.Status.IsTerminal() {
		return nil
	}

	if rec.Status == job.StatusPending {
		won, err := p.repo.CancelIfPending(ctx, jobID)
		if err != nil {
			return fmt.Errorf("cancelling pending job: %w", err)
		}

		if won {
			p.publishSnapshot(ctx, jobID)
			p.telemetry.RecordJob("cancelled", 0)
			logctx.LoggerFromContext(ctx).Info("job cancelled before start", "job_id", jobID)

			return nil
		}
		// Lost the race to a claim; the worker owns it now.
	}

	p.mu.Lock()
	state := p.active[jobID]
	p.mu.Unlock()

	if state == nil {
		if rec.Status.IsActive() {
			// Claimed by another instance; its worker owns the record and the
			// poll endpoints show the outcome.
			logctx.LoggerFromContext(ctx).Debug("no local worker for cancel", "job_id", jobID, "status", string(rec.Status))
		}

		return nil
	}

	state.userCancelled.Store(true)
	state.cancel()

	return nil
}

// Delete cancels the job when needed and removes its record.
func (p *Pool) Delete(ctx context.Context, jobID string) error {
	if err := p.Cancel(ctx, jobID); err != nil {
		return err
	}

	if err := p.repo.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}

	return nil
}

// DeleteAll cancels every non-terminal job and clears the store.
func (p *Pool) DeleteAll(ctx context.Context) error {
	live, err := p.repo.ListByStatuses(ctx,
		job.StatusPending,
		job.StatusFetchingInfo,
		job.StatusDownloading,
		job.StatusConverting,
		job.StatusUploading,
	)
	if err != nil {
		return fmt.Errorf("listing live jobs: %w", err)
	}

	for _, j := range live {
		if err := p.Cancel(ctx, j.ID); err != nil {
			logctx.LoggerFromContext(ctx).Warn("cancel during bulk clear failed", "job_id", j.ID, "err", err)
		}
	}

	if err := p.repo.DeleteAllJobs(ctx); err != nil {
		return fmt.Errorf("clearing jobs: %w", err)
	}

	return nil
}

// publishSnapshot pushes the job's current record as a task_update. The poll
// endpoints stay authoritative; a lost publish is never an error.
func (p *Pool) publishSnapshot(ctx context.Context, jobID string) {
	snapshot, err := p.repo.GetJob(ctx, jobID)
	if err != nil {
		logctx.LoggerFromContext(ctx).Debug("snapshot publish skipped", "job_id", jobID, "err", err)

		return
	}

	p.hub.Publish(ctx, hub.NewTaskUpdate(snapshot))
}

func emit(ch chan *job.Job, j *job.Job) {
	select {
	case ch <- j:
	default:
	}
}
