package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"chemeleon/internal/telemetry"
)

var (
	// ErrChecksumOrFetch matches every *ChecksumOrFetchError.
	ErrChecksumOrFetch  = errors.New("checkpoint unavailable")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// ChecksumOrFetchError reports a checkpoint that could not be fetched and
// verified within the allowed attempts. Err is the last failure.
type ChecksumOrFetchError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ChecksumOrFetchError) Error() string {
	return fmt.Sprintf("checkpoint %q unavailable after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ChecksumOrFetchError) Unwrap() error { return e.Err }

func (e *ChecksumOrFetchError) Is(target error) bool { return target == ErrChecksumOrFetch }

type Options struct {
	Fetcher Fetcher
	// CacheDir overrides the manifest cache directory.
	CacheDir string
	// Attempts overrides the manifest retry_attempts.
	Attempts int
	// Delay overrides the manifest retry_delay.
	Delay      DelayStrategy
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Resolver maps checkpoint names to verified local files, fetching them into
// a content-checked cache when needed. Concurrent resolvers sharing a cache
// directory are not coordinated; a reader never observes a partial file.
type Resolver struct {
	manifest Manifest
	fetcher  Fetcher
	cacheDir string
	attempts int
	delay    DelayStrategy
	logger   *slog.Logger
	events   *prometheus.CounterVec
}

func NewResolver(m Manifest, opts Options) *Resolver {
	r := &Resolver{
		manifest: m,
		fetcher:  opts.Fetcher,
		cacheDir: opts.CacheDir,
		attempts: opts.Attempts,
		delay:    opts.Delay,
		logger:   opts.Logger,
		events: telemetry.CounterVec(opts.Registerer, prometheus.CounterOpts{
			Subsystem: "checkpoint",
			Name:      "resolve_events_total",
			Help:      "Checkpoint resolution events: cache hits, fetch attempts and failures.",
		}, []string{"event"}),
	}
	if r.fetcher == nil {
		r.fetcher = NewHTTPFetcher(m.Endpoint(), m.Revision())
	}
	if r.cacheDir == "" {
		r.cacheDir = m.CacheDir()
	}
	if r.cacheDir == "" {
		r.cacheDir = filepath.Join(os.TempDir(), "chemeleon-checkpoints")
	}
	if r.attempts <= 0 {
		r.attempts = m.RetryAttempts()
	}
	if r.delay == nil {
		r.delay = FixedDelay(m.RetryDelay())
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r.logger = r.logger.With("component", "checkpoint")
	return r
}

func (r *Resolver) Manifest() Manifest { return r.manifest }

// Path is where the named checkpoint is cached, whether or not it exists.
func (r *Resolver) Path(name string) (string, error) {
	e, ok := r.manifest.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCheckpoint, name)
	}
	return r.pathFor(e), nil
}

func (r *Resolver) pathFor(e Entry) string {
	return filepath.Join(r.cacheDir, filepath.FromSlash(r.manifest.RepoFor(e)), filepath.FromSlash(e.HFPath))
}

// Resolve returns the path of a local file whose SHA-256 matches the
// manifest. A verified cached copy is returned without fetching.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	e, ok := r.manifest.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCheckpoint, name)
	}
	dest := r.pathFor(e)
	logger := r.logger.With("checkpoint", name, "path", dest)

	if sum, err := fileSHA256(dest); err == nil {
		if sum == e.SHA256 {
			r.events.WithLabelValues("cache_hit").Inc()
			logger.Debug("checkpoint cache hit")
			return dest, nil
		}
		logger.Warn("cached checkpoint failed verification, fetching again", "sha256", sum)
	}

	repo := r.manifest.RepoFor(e)
	var last error
	attempt := 0
	for attempt < r.attempts {
		attempt++
		r.events.WithLabelValues("fetch_attempt").Inc()
		last = r.fetchVerified(ctx, repo, e, dest)
		if last == nil {
			logger.Info("checkpoint fetched", "attempt", attempt)
			return dest, nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < r.attempts {
			logger.Warn("checkpoint fetch failed, retrying", "attempt", attempt, "attempts", r.attempts, "error", last)
			if err := r.delay.Wait(ctx, attempt); err != nil {
				last = err
				break
			}
		}
	}

	r.events.WithLabelValues("failure").Inc()
	logger.Error("checkpoint unavailable", "attempts", attempt, "error", last)
	return "", &ChecksumOrFetchError{Name: name, Attempts: attempt, Err: last}
}

func (r *Resolver) fetchVerified(ctx context.Context, repo string, e Entry, dest string) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpName)
		}
	}()

	hash := sha256.New()
	if err := r.fetcher.Fetch(ctx, repo, e.HFPath, io.MultiWriter(tmp, hash)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if sum := hex.EncodeToString(hash.Sum(nil)); sum != e.SHA256 {
		return fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, sum, e.SHA256)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return err
	}
	keep = true
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
