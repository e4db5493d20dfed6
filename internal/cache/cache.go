package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/italolelis/ingestd/internal/logctx"
	"github.com/italolelis/ingestd/internal/telemetry"
)

const (
	dirPerm     = 0o755
	partialMark = ".partial"
)

// TransferError reports a failed or cancelled cache transfer. The key is
// released back to an uncached state, so the caller may retry with a fresh
// EnsureCached call.
type TransferError struct {
	Key       string // The asset key whose transfer failed
	Cancelled bool   // True when the transfer was cancelled, not failed
	Err       error  // Underlying error, if any
}

func (e *TransferError) Error() string {
	if e.Cancelled {
		return fmt.Sprintf("cache transfer for %q cancelled", e.Key)
	}

	return fmt.Sprintf("cache transfer for %q failed: %v", e.Key, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// flight is one in-flight transfer. It lives only in memory; a crashed
// process leaves at most a *.partial file that the next transfer overwrites.
type flight struct {
	done   chan struct{}
	cancel context.CancelFunc
	path   string
	err    error
}

// Manager maps asset keys to locally cached files. For every key it
// guarantees at most one underlying transfer, no matter how many callers
// ask concurrently, and it never exposes a partially written file: bytes go
// to a key-scoped temporary path and are promoted with an atomic rename only
// after the transfer fully succeeded.
type Manager struct {
	dir       string
	client    *http.Client
	telemetry *telemetry.Telemetry

	mu       sync.Mutex
	inflight map[string]*flight
}

// NewManager builds a cache manager rooted at dir, creating it when missing.
func NewManager(dir string, client *http.Client, tel *telemetry.Telemetry) (*Manager, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &Manager{
		dir:       dir,
		client:    client,
		telemetry: tel,
		inflight:  make(map[string]*flight),
	}, nil
}

// Lookup returns the cached path for key, but only when a complete,
// previously finalized file exists. In-flight transfers are never a hit.
func (m *Manager) Lookup(key string) (string, bool) {
	path := m.entryPath(key)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		m.telemetry.RecordCacheLookup("miss")

		return "", false
	}

	m.telemetry.RecordCacheLookup("hit")

	return path, true
}

// EnsureCached returns the local path for key, downloading it from sourceURL
// when needed. Concurrent callers for the same key attach to the one
// in-flight transfer; the check-and-set of the in-flight marker happens in a
// single step under the lock so no race can admit two downloads.
//
// The caller's ctx only bounds the wait: an attached caller that gives up
// does not abort the transfer for the others. Use Cancel to stop a transfer.
func (m *Manager) EnsureCached(ctx context.Context, key, sourceURL string) (string, error) {
	final := m.entryPath(key)

	m.mu.Lock()

	if _, err := os.Stat(final); err == nil {
		m.mu.Unlock()

		return final, nil
	}

	f, attached := m.inflight[key]
	if !attached {
		// The transfer outlives the initiating caller; only Cancel or Clear
		// aborts it.
		transferCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{done: make(chan struct{}), cancel: cancel}
		m.inflight[key] = f

		go m.transfer(transferCtx, f, key, sourceURL, final)
	}

	m.mu.Unlock()

	select {
	case <-f.done:
		return f.path, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel cooperatively stops the in-flight transfer for key and discards its
// temporary file. Subsequent Lookup and EnsureCached calls behave as if the
// download never started. A key with no in-flight transfer is a no-op.
func (m *Manager) Cancel(key string) {
	m.mu.Lock()
	f := m.inflight[key]
	m.mu.Unlock()

	if f != nil {
		f.cancel()
	}
}

// Clear cancels every in-flight transfer and removes all finalized entries.
func (m *Manager) Clear() error {
	m.mu.Lock()
	flights := make([]*flight, 0, len(m.inflight))
	for _, f := range m.inflight {
		flights = append(flights, f)
	}
	m.mu.Unlock()

	for _, f := range flights {
		f.cancel()
		<-f.done
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("reading cache dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), partialMark) {
			continue
		}

		if err := os.Remove(filepath.Join(m.dir, entry.Name())); err != nil {
			return fmt.Errorf("removing cache entry: %w", err)
		}
	}

	return nil
}

// transfer performs the single download for key and finalizes the flight.
func (m *Manager) transfer(ctx context.Context, f *flight, key, sourceURL, final string) {
	logger := logctx.LoggerFromContext(ctx).With("cache_key", key)

	path, err := m.download(ctx, sourceURL, final)

	m.mu.Lock()
	delete(m.inflight, key)

	if err != nil {
		f.err = &TransferError{Key: key, Cancelled: ctx.Err() != nil, Err: err}
	} else {
		f.path = path
	}

	close(f.done)
	m.mu.Unlock()

	switch {
	case err == nil:
		m.telemetry.RecordCacheTransfer("completed")
		logger.Debug("cached asset", "path", path)
	case ctx.Err() != nil:
		m.telemetry.RecordCacheTransfer("cancelled")
		logger.Debug("cache transfer cancelled")
	default:
		m.telemetry.RecordCacheTransfer("failed")
		logger.Warn("cache transfer failed", "err", err)
	}
}

func (m *Manager) download(ctx context.Context, sourceURL, final string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching source: unexpected status %d", resp.StatusCode)
	}

	tmp := final + partialMark

	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	if err := m.writeAndPromote(out, resp.Body, tmp, final); err != nil {
		os.Remove(tmp)

		return "", err
	}

	return final, nil
}

// writeAndPromote copies the body into tmp and atomically renames it into
// place. The final path only ever points at a fully transferred file.
func (m *Manager) writeAndPromote(out *os.File, body io.Reader, tmp, final string) error {
	if _, err := io.Copy(out, body); err != nil {
		out.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := out.Sync(); err != nil {
		out.Close()

		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("promoting temp file: %w", err)
	}

	return nil
}

// entryPath maps a key to a stable file name inside the cache dir. Escaping
// keeps path separators and other unsafe bytes out of the file name.
func (m *Manager) entryPath(key string) string {
	return filepath.Join(m.dir, url.PathEscape(key))
}
