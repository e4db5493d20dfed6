package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/ingestd/internal/fetch"
	"github.com/italolelis/ingestd/internal/hub"
	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/library"
	"github.com/italolelis/ingestd/internal/progress"
	"github.com/italolelis/ingestd/internal/storage/sqlite"
	"github.com/italolelis/ingestd/internal/telemetry"
)

type fakeFetcher struct {
	infoErr    error
	fetchErr   error
	blockFetch chan struct{} // when non-nil, Fetch waits for it or ctx
}

func (f *fakeFetcher) FetchInfo(ctx context.Context, sourceRef string) (*fetch.MediaInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}

	return &fetch.MediaInfo{Title: "Test Title", Uploader: "Test Uploader", DurationSec: 120}, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *fetch.Request) (string, error) {
	if f.blockFetch != nil {
		select {
		case <-f.blockFetch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if f.fetchErr != nil {
		return "", f.fetchErr
	}

	if req.OnProgress != nil {
		req.OnProgress(512, 1024, 0)
		req.OnProgress(1024, 1024, 0)
	}

	path := filepath.Join(req.DestDir, "source."+req.Quality.Ext)
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		return "", err
	}

	return path, nil
}

func (f *fakeFetcher) ResolvePlaylist(ctx context.Context, url string) ([]fetch.EntryRef, error) {
	return []fetch.EntryRef{{URL: url + "/1"}, {URL: url + "/2"}}, nil
}

type fakeConverter struct{}

func (fakeConverter) NeedsConversion(inputPath string, q job.Quality) bool { return false }

func (fakeConverter) Probe(ctx context.Context, inputPath string) (float64, error) { return 0, nil }

func (fakeConverter) Convert(ctx context.Context, inputPath string, q job.Quality, durationSec float64, onProgress func(float64)) (string, error) {
	return inputPath, nil
}

type fakeStore struct {
	mu          sync.Mutex
	uploads     []string
	removals    []string
	blockUpload chan struct{} // when non-nil, Upload waits for it or ctx
}

func (s *fakeStore) Upload(ctx context.Context, key, path, contentType string, onProgress func(read, total int64)) (int64, error) {
	if s.blockUpload != nil {
		select {
		case <-s.blockUpload:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, key)
	s.mu.Unlock()

	if onProgress != nil {
		onProgress(5, 5)
	}

	return 5, nil
}

func (s *fakeStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	s.removals = append(s.removals, key)
	s.mu.Unlock()

	return nil
}

func (s *fakeStore) removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.removals...)
}

type poolHarness struct {
	pool    *Pool
	repo    *sqlite.JobRepository
	fetcher *fakeFetcher
	store   *fakeStore
	hub     *hub.Hub
	workDir string
}

func newHarness(t *testing.T, maxParallel int) *poolHarness {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	repo := sqlite.NewJobRepository(db)
	assets := sqlite.NewAssetRepository(db)
	h := hub.New(64, tel)
	fetcher := &fakeFetcher{}
	store := &fakeStore{}
	workDir := t.TempDir()

	pool := NewPool(
		Config{
			WorkDir:          workDir,
			MaxParallel:      maxParallel,
			DispatchInterval: 10 * time.Millisecond,
			ProgressInterval: time.Millisecond,
		},
		repo,
		fetcher,
		fakeConverter{},
		store,
		library.NewService(assets, h),
		h,
		tel,
	)

	return &poolHarness{pool: pool, repo: repo, fetcher: fetcher, store: store, hub: h, workDir: workDir}
}

// start runs the dispatcher until the test ends.
func (ph *poolHarness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		ph.pool.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (ph *poolHarness) waitForStatus(t *testing.T, jobID string, want job.Status) *job.Job {
	t.Helper()

	var got *job.Job

	require.Eventually(t, func() bool {
		j, err := ph.repo.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}

		got = j

		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)

	return got
}

func TestPool_SubmitCreatesPendingJob(t *testing.T) {
	ph := newHarness(t, 1)
	ctx := context.Background()

	jobID, err := ph.pool.Submit(ctx, "http://example/a.mp4", "720p")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	rec, err := ph.repo.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, rec.Status)
	assert.Equal(t, job.MediaKindVideo, rec.MediaKind)
	assert.Empty(t, rec.ProducedAssetID)
}

func TestPool_SubmitRejectsBadInput(t *testing.T) {
	ph := newHarness(t, 1)
	ctx := context.Background()

	tests := []struct {
		name    string
		source  string
		quality string
	}{
		{name: "empty source", source: "   ", quality: "720p"},
		{name: "bad scheme", source: "ftp://example/a.mp4", quality: "720p"},
		{name: "unknown quality", source: "http://example/a.mp4", quality: "4000p"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ph.pool.Submit(ctx, tt.source, tt.quality)

			var subErr *job.SubmissionError
			require.ErrorAs(t, err, &subErr)
		})
	}
}

func TestPool_SearchExpressionIsAccepted(t *testing.T) {
	ph := newHarness(t, 1)

	_, err := ph.pool.Submit(context.Background(), "never gonna give you up", "mp3_320")
	require.NoError(t, err)
}

func TestPool_HappyPathCompletesWithAsset(t *testing.T) {
	ph := newHarness(t, 2)
	ph.start(t)
	ctx := context.Background()

	sub := ph.hub.Subscribe()

	jobID, err := ph.pool.Submit(ctx, "http://example/a.mp4", "720p")
	require.NoError(t, err)

	done := ph.waitForStatus(t, jobID, job.StatusCompleted)
	assert.NotEmpty(t, done.ProducedAssetID, "producedAssetId set exactly on completion")
	assert.Equal(t, "Test Title", done.Title)
	assert.Equal(t, 100.0, done.ProgressPercent)

	assert.Equal(t, []string(nil), ph.store.removed())
	assert.NoDirExists(t, filepath.Join(ph.workDir, jobID), "work dir removed on terminal transition")

	// The job's own transitions arrive in order on the push channel.
	var statuses []job.Status

	timeout := time.After(2 * time.Second)

collect:
	for {
		select {
		case env := <-sub.Events():
			if env.Event != hub.EventTaskUpdate || env.Data == nil || env.Data.ID != jobID {
				continue
			}

			if len(statuses) == 0 || statuses[len(statuses)-1] != env.Data.Status {
				statuses = append(statuses, env.Data.Status)
			}

			if env.Data.Status == job.StatusCompleted {
				break collect
			}
		case <-timeout:
			t.Fatal("never observed the completed snapshot")
		}
	}

	for i := 1; i < len(statuses); i++ {
		assert.True(t, job.CanTransition(statuses[i-1], statuses[i]) || statuses[i-1] == statuses[i],
			"illegal transition %s -> %s observed", statuses[i-1], statuses[i])
	}
}

func TestPool_FetchFailureIsTerminal(t *testing.T) {
	ph := newHarness(t, 1)
	ph.fetcher.fetchErr = &job.StageError{Stage: job.StatusDownloading, Op: "download", Err: errors.New("connection reset")}
	ph.start(t)

	jobID, err := ph.pool.Submit(context.Background(), "http://example/a.mp4", "mp3_128")
	require.NoError(t, err)

	failed := ph.waitForStatus(t, jobID, job.StatusFailed)
	assert.Contains(t, failed.Error, "connection reset")
	assert.Empty(t, failed.ProducedAssetID)
}

func TestPool_CancelBeforeStart(t *testing.T) {
	ph := newHarness(t, 1)
	ctx := context.Background()

	// No dispatcher running: the job can only be pending.
	jobID, err := ph.pool.Submit(ctx, "http://example/a.mp4", "720p")
	require.NoError(t, err)

	require.NoError(t, ph.pool.Cancel(ctx, jobID))

	rec, err := ph.repo.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, rec.Status)
	assert.Empty(t, rec.ProducedAssetID)
	assert.NoDirExists(t, filepath.Join(ph.workDir, jobID), "no work dir was ever created")

	// Second cancel is a no-op success.
	require.NoError(t, ph.pool.Cancel(ctx, jobID))

	again, err := ph.repo.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, again.Status)
}

// claimGate holds the first successful claim open so a test can act inside
// the window between the claim and the worker start.
type claimGate struct {
	JobStore

	claimed chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *claimGate) ClaimJob(ctx context.Context, id, instanceID string) (bool, error) {
	won, err := g.JobStore.ClaimJob(ctx, id, instanceID)
	if err == nil && won {
		g.once.Do(func() {
			close(g.claimed)
			<-g.release
		})
	}

	return won, err
}

// A cancel that lands after the claim succeeded but before the worker goroutine
// is running must still stop the job.
func TestPool_CancelInsideClaimWindow(t *testing.T) {
	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	repo := sqlite.NewJobRepository(db)
	gate := &claimGate{JobStore: repo, claimed: make(chan struct{}), release: make(chan struct{})}
	h := hub.New(64, tel)

	pool := NewPool(
		Config{
			WorkDir:          t.TempDir(),
			MaxParallel:      1,
			DispatchInterval: 10 * time.Millisecond,
			ProgressInterval: time.Millisecond,
		},
		gate,
		&fakeFetcher{},
		fakeConverter{},
		&fakeStore{},
		library.NewService(sqlite.NewAssetRepository(db), h),
		h,
		tel,
	)

	runCtx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	t.Cleanup(func() {
		cancelRun()
		<-done
	})

	ctx := context.Background()

	jobID, err := pool.Submit(ctx, "http://example/a.mp4", "720p")
	require.NoError(t, err)

	<-gate.claimed
	require.NoError(t, pool.Cancel(ctx, jobID))
	close(gate.release)

	require.Eventually(t, func() bool {
		rec, err := repo.GetJob(ctx, jobID)

		return err == nil && rec.Status == job.StatusCancelled
	}, 5*time.Second, 5*time.Millisecond, "cancel inside the claim window must end cancelled")

	rec, err := repo.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, rec.ProducedAssetID)
}

func TestPool_TransitionRejectsIllegalEdge(t *testing.T) {
	ph := newHarness(t, 1)
	ctx := context.Background()

	jobID, err := ph.pool.Submit(ctx, "http://example/a.mp4", "720p")
	require.NoError(t, err)

	reporter := progress.NewReporter(time.Millisecond, nil)

	err = ph.pool.transition(ctx, jobID, job.StatusPending, job.StatusUploading, reporter)
	require.Error(t, err)

	rec, err := ph.repo.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, rec.Status, "an illegal edge must not be persisted")
}

func TestPool_CancelUnknownJobIsNotFound(t *testing.T) {
	ph := newHarness(t, 1)

	err := ph.pool.Cancel(context.Background(), "no-such-job")

	var notFound *job.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPool_CancelMidDownload(t *testing.T) {
	ph := newHarness(t, 1)
	ph.fetcher.blockFetch = make(chan struct{})
	ph.start(t)
	ctx := context.Background()

	jobID, err := ph.pool.Submit(ctx, "http://example/a.mp4", "720p")
	require.NoError(t, err)

	ph.waitForStatus(t, jobID, job.StatusDownloading)
	require.NoError(t, ph.pool.Cancel(ctx, jobID))

	cancelled := ph.waitForStatus(t, jobID, job.StatusCancelled)
	assert.Empty(t, cancelled.ProducedAssetID)
	assert.Empty(t, ph.store.removed(), "nothing was uploaded, nothing to remove")

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.NoDirExists(c, filepath.Join(ph.workDir, jobID))
	}, 2*time.Second, 5*time.Millisecond, "partial download cleaned up")
}

// A cancel observed mid-upload deletes the partially written object before
// the cancelled transition is published.
func TestPool_CancelMidUploadRemovesPartialObject(t *testing.T) {
	ph := newHarness(t, 1)
	ph.store.blockUpload = make(chan struct{})
	ph.start(t)
	ctx := context.Background()

	jobID, err := ph.pool.Submit(ctx, "http://example/a.mp4", "720p")
	require.NoError(t, err)

	ph.waitForStatus(t, jobID, job.StatusUploading)
	require.NoError(t, ph.pool.Cancel(ctx, jobID))

	ph.waitForStatus(t, jobID, job.StatusCancelled)

	removed := ph.store.removed()
	require.Len(t, removed, 1)
	assert.Equal(t, fmt.Sprintf("video/%s.mp4", jobID), removed[0])
}

func TestPool_BoundedParallelismFIFO(t *testing.T) {
	ph := newHarness(t, 1)
	ph.fetcher.blockFetch = make(chan struct{})
	ph.start(t)
	ctx := context.Background()

	first, err := ph.pool.Submit(ctx, "http://example/a.mp4", "720p")
	require.NoError(t, err)

	ph.waitForStatus(t, first, job.StatusDownloading)

	second, err := ph.pool.Submit(ctx, "http://example/b.mp4", "720p")
	require.NoError(t, err)

	// The single slot is taken: the second submission must stay pending.
	time.Sleep(100 * time.Millisecond)

	rec, err := ph.repo.GetJob(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, rec.Status)

	close(ph.fetcher.blockFetch)

	ph.waitForStatus(t, first, job.StatusCompleted)
	ph.waitForStatus(t, second, job.StatusCompleted)
}

func TestPool_DeleteCancelsThenRemoves(t *testing.T) {
	ph := newHarness(t, 1)
	ph.fetcher.blockFetch = make(chan struct{})
	ph.start(t)
	ctx := context.Background()

	jobID, err := ph.pool.Submit(ctx, "http://example/a.mp4", "720p")
	require.NoError(t, err)

	ph.waitForStatus(t, jobID, job.StatusDownloading)
	require.NoError(t, ph.pool.Delete(ctx, jobID))

	_, err = ph.repo.GetJob(ctx, jobID)

	var notFound *job.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPool_DeleteAllClearsEverything(t *testing.T) {
	ph := newHarness(t, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ph.pool.Submit(ctx, "http://example/a.mp4", "m4a")
		require.NoError(t, err)
	}

	require.NoError(t, ph.pool.DeleteAll(ctx))

	page, err := ph.repo.ListJobs(ctx, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestPool_CompletedJobEmitsEvent(t *testing.T) {
	ph := newHarness(t, 1)
	ph.start(t)

	jobID, err := ph.pool.Submit(context.Background(), "http://example/a.mp4", "mp3_320")
	require.NoError(t, err)

	select {
	case done := <-ph.pool.OnJobCompleted:
		assert.Equal(t, jobID, done.ID)
		assert.Equal(t, job.StatusCompleted, done.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event emitted")
	}
}
