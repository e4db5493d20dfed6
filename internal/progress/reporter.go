package progress

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/ingestd/internal/job"
)

// FlushFunc persists and publishes one telemetry snapshot. The reporter
// decides when it runs; the worker decides what it does (repository update
// plus hub publish).
type FlushFunc func(ctx context.Context, stage job.Status, percent float64, transferred, total int64, rate float64, eta int64)

// Reporter translates raw byte samples from the active pipeline stage into
// the job's telemetry fields at a bounded rate. One reporter belongs to one
// job's worker; the worker is the only writer, the mutex only guards against
// callbacks arriving from a stage's internal goroutines.
//
// Percent is per-stage: Track resets the baseline on every stage change, and
// within a stage the value never decreases, even when a sample arrives with
// an unknown total.
type Reporter struct {
	interval time.Duration
	flush    FlushFunc
	now      func() time.Time

	mu          sync.Mutex
	stage       job.Status
	percent     float64
	transferred int64
	total       int64
	rate        float64
	eta         int64
	lastFlush   time.Time
	lastSample  time.Time
	lastBytes   int64
}

// NewReporter builds a reporter that flushes at most once per interval, plus
// once per explicit Transition.
func NewReporter(interval time.Duration, flush FlushFunc) *Reporter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	return &Reporter{
		interval: interval,
		flush:    flush,
		now:      time.Now,
	}
}

// Track resets the per-stage baseline for a new stage. The next sample always
// flushes so clients see the stage begin at its own zero.
func (r *Reporter) Track(stage job.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stage = stage
	r.percent = 0
	r.transferred = 0
	r.total = 0
	r.rate = 0
	r.eta = 0
	r.lastFlush = time.Time{}
	r.lastSample = time.Time{}
	r.lastBytes = 0
}

// Sample feeds one (transferred, total) observation from the active stage.
// When rate is not positive the reporter derives one from the byte delta
// since the previous sample. Flushes are throttled to the interval.
func (r *Reporter) Sample(ctx context.Context, transferred, total int64, rate float64) {
	r.mu.Lock()

	now := r.now()

	if rate <= 0 && !r.lastSample.IsZero() {
		if elapsed := now.Sub(r.lastSample).Seconds(); elapsed > 0 && transferred > r.lastBytes {
			rate = float64(transferred-r.lastBytes) / elapsed
		}
	}

	r.lastSample = now
	r.lastBytes = transferred

	if transferred > r.transferred {
		r.transferred = transferred
	}

	if total > 0 {
		r.total = total

		if pct := float64(r.transferred) / float64(total) * 100; pct > r.percent {
			r.percent = pct
		}
	}
	// Unknown total: percent holds at the last known value.

	if rate > 0 {
		r.rate = rate

		if remaining := r.total - r.transferred; remaining > 0 {
			r.eta = int64(float64(remaining) / rate)
		} else {
			r.eta = 0
		}
	}

	if !r.lastFlush.IsZero() && now.Sub(r.lastFlush) < r.interval {
		r.mu.Unlock()

		return
	}

	r.flushLocked(ctx, now)
}

// SetPercent feeds a direct per-stage completion fraction from stages that
// report no byte counts (conversion). Throttled like Sample.
func (r *Reporter) SetPercent(ctx context.Context, percent float64) {
	r.mu.Lock()

	if percent > 100 {
		percent = 100
	}

	if percent > r.percent {
		r.percent = percent
	}

	now := r.now()
	if !r.lastFlush.IsZero() && now.Sub(r.lastFlush) < r.interval {
		r.mu.Unlock()

		return
	}

	r.flushLocked(ctx, now)
}

// Transition flushes immediately, bypassing the throttle. Workers call it on
// every stage change so no transition is hidden behind the timer.
func (r *Reporter) Transition(ctx context.Context) {
	r.mu.Lock()
	r.flushLocked(ctx, r.now())
}

// flushLocked runs the flush outside the lock with a copy of the fields, so
// a slow repository write never blocks the sampler.
func (r *Reporter) flushLocked(ctx context.Context, now time.Time) {
	r.lastFlush = now

	stage := r.stage
	percent := r.percent
	transferred := r.transferred
	total := r.total
	rate := r.rate
	eta := r.eta
	r.mu.Unlock()

	if r.flush != nil {
		r.flush(ctx, stage, percent, transferred, total, rate, eta)
	}
}
