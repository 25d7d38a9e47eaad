package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xaenox/schedule-bot/internal/metrics"
	"github.com/xaenox/schedule-bot/internal/models"
	"github.com/xaenox/schedule-bot/internal/storage"
)

// Capturer renders url into a new artifact file and returns its path.
type Capturer interface {
	Capture(ctx context.Context, url, fingerprint string) (string, error)
}

// Artifact is one caller's handle to a rendered timetable.
//
// Ref is the cache-owned master shared by every caller served from the same
// render. Path is a private copy owned by the caller, who must hand it back
// with Cache.Discard once delivered.
type Artifact struct {
	Fingerprint string
	Ref         string
	Path        string
	CreatedAt   time.Time
	FromCache   bool
}

type SweepResult struct {
	Entries int
	Files   int
	Skipped bool
}

type Config struct {
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	MaxFileAge      time.Duration `mapstructure:"max_file_age"`
}

func DefaultConfig() Config {
	return Config{
		FreshnessWindow: models.DefaultFreshnessWindow,
		MaxFileAge:      24 * time.Hour,
	}
}

// Cache serves fresh artifacts and coalesces concurrent captures of the same
// fingerprint into one.
type Cache struct {
	store    storage.CacheStorage
	capturer Capturer
	fs       afero.Fs
	dir      string
	cfg      Config
	logger   *zap.Logger

	group singleflight.Group
	// mu guards master files: checkouts hold it for reading, replacing a
	// master or deleting masters holds it for writing.
	mu       sync.RWMutex
	sweeping atomic.Bool

	now func() time.Time
}

func New(store storage.CacheStorage, capturer Capturer, fs afero.Fs, dir string, cfg Config, logger *zap.Logger) *Cache {
	d := DefaultConfig()
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = d.FreshnessWindow
	}
	if cfg.MaxFileAge <= 0 {
		cfg.MaxFileAge = d.MaxFileAge
	}
	return &Cache{
		store:    store,
		capturer: capturer,
		fs:       fs,
		dir:      dir,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// GetOrCapture returns a fresh artifact for fingerprint, capturing url when
// the entry is missing, stale or forceRefresh is set.
func (c *Cache) GetOrCapture(ctx context.Context, url, fingerprint string, forceRefresh bool) (*Artifact, error) {
	if !forceRefresh {
		if entry := c.lookup(ctx, fingerprint); entry != nil {
			art, err := c.checkout(entry, true)
			if err == nil {
				metrics.CacheLookup("hit")
				return art, nil
			}
			c.logger.Debug("Cached artifact unusable, capturing again",
				zap.String("fingerprint", fingerprint), zap.Error(err))
		}
		metrics.CacheLookup("miss")
	} else {
		metrics.CacheLookup("refresh")
	}

	entry, err := c.refresh(ctx, url, fingerprint)
	if err != nil {
		return nil, err
	}

	art, err := c.checkout(entry, false)
	if errors.Is(err, os.ErrNotExist) {
		// A concurrent refresh replaced the master; serve the newer one.
		if current := c.lookup(ctx, fingerprint); current != nil {
			art, err = c.checkout(current, false)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("checkout artifact: %w", err)
	}
	return art, nil
}

// lookup returns the fresh entry for fingerprint or nil. Store errors count
// as a miss.
func (c *Cache) lookup(ctx context.Context, fingerprint string) *models.CacheEntry {
	entry, err := c.store.GetCacheEntry(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			metrics.CacheLookup("error")
			c.logger.Warn("Cache lookup failed, treating as miss",
				zap.String("fingerprint", fingerprint), zap.Error(err))
		}
		return nil
	}
	if entry.IsExpired(c.now()) {
		return nil
	}
	return entry
}

// refresh runs at most one capture per fingerprint. Callers arriving while a
// capture is in flight wait for its result. The capture itself is detached
// from the caller's cancellation so one impatient caller cannot fail the rest.
func (c *Cache) refresh(ctx context.Context, url, fingerprint string) (*models.CacheEntry, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fingerprint, func() (any, error) {
		return c.captureAndStore(detached, url, fingerprint)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.CacheEntry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) captureAndStore(ctx context.Context, url, fingerprint string) (*models.CacheEntry, error) {
	path, err := c.capturer.Capture(ctx, url, fingerprint)
	if err != nil {
		return nil, err
	}

	entry := &models.CacheEntry{
		Fingerprint:     fingerprint,
		Locator:         path,
		CreatedAt:       c.now(),
		FreshnessWindow: c.cfg.FreshnessWindow,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	previous, err := c.store.GetCacheEntry(ctx, fingerprint)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("Failed to read previous cache entry", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
	if err := c.store.PutCacheEntry(ctx, entry); err != nil {
		// The artifact is still served; the next request captures again.
		c.logger.Error("Failed to save cache entry", zap.String("fingerprint", fingerprint), zap.Error(err))
		return entry, nil
	}
	if previous != nil && previous.Locator != path {
		c.removeFile(previous.Locator)
	}
	return entry, nil
}

// checkout copies the master of entry into a caller-owned file.
func (c *Cache) checkout(entry *models.CacheEntry, fromCache bool) (*Artifact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	src, err := c.fs.Open(entry.Locator)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	pattern := models.SanitizeKey(entry.Fingerprint) + "-" + strconv.FormatInt(c.now().UnixMilli(), 10) + "-*" + filepath.Ext(entry.Locator)
	dst, err := afero.TempFile(c.fs, filepath.Dir(entry.Locator), pattern)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = c.fs.Remove(dst.Name())
		return nil, err
	}
	if err := dst.Close(); err != nil {
		_ = c.fs.Remove(dst.Name())
		return nil, err
	}

	return &Artifact{
		Fingerprint: entry.Fingerprint,
		Ref:         entry.Locator,
		Path:        dst.Name(),
		CreatedAt:   entry.CreatedAt,
		FromCache:   fromCache,
	}, nil
}

// Discard deletes the caller's copy. The shared master is untouched.
func (c *Cache) Discard(art *Artifact) {
	if art == nil || art.Path == "" || art.Path == art.Ref {
		return
	}
	c.removeFile(art.Path)
}

func (c *Cache) Entries(ctx context.Context) ([]*models.CacheEntry, error) {
	return c.store.ListCacheEntries(ctx)
}

// Clear drops every entry and its master file.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed, err := c.store.ClearCacheEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	for _, entry := range removed {
		c.removeFile(entry.Locator)
	}
	c.logger.Info("Cache cleared", zap.Int("entries", len(removed)))
	return len(removed), nil
}

// Sweep removes expired entries with their masters, then artifact files
// older than MaxFileAge that no entry references. Overlapping calls return
// immediately with Skipped set.
func (c *Cache) Sweep(ctx context.Context) (SweepResult, error) {
	if !c.sweeping.CompareAndSwap(false, true) {
		return SweepResult{Skipped: true}, nil
	}
	defer c.sweeping.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	var result SweepResult
	now := c.now()

	expired, err := c.store.DeleteExpiredCacheEntries(ctx, now)
	if err != nil {
		return result, fmt.Errorf("delete expired entries: %w", err)
	}
	for _, entry := range expired {
		c.removeFile(entry.Locator)
	}
	result.Entries = len(expired)

	live, err := c.store.ListCacheEntries(ctx)
	if err != nil {
		return result, fmt.Errorf("list cache entries: %w", err)
	}
	keep := make(map[string]struct{}, len(live))
	for _, entry := range live {
		keep[filepath.Clean(entry.Locator)] = struct{}{}
	}

	infos, err := afero.ReadDir(c.fs, c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return result, fmt.Errorf("read artifacts dir: %w", err)
	}
	for _, info := range infos {
		if info.IsDir() || !isArtifact(info.Name()) {
			continue
		}
		path := filepath.Clean(filepath.Join(c.dir, info.Name()))
		if _, ok := keep[path]; ok {
			continue
		}
		if now.Sub(info.ModTime()) <= c.cfg.MaxFileAge {
			continue
		}
		if err := c.fs.Remove(path); err == nil {
			result.Files++
		}
	}

	if result.Entries > 0 || result.Files > 0 {
		c.logger.Info("Cache swept", zap.Int("entries", result.Entries), zap.Int("files", result.Files))
	}
	return result, nil
}

func (c *Cache) removeFile(path string) {
	if path == "" {
		return
	}
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("Failed to remove artifact", zap.String("path", path), zap.Error(err))
	}
}

func isArtifact(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".jpeg" || ext == ".jpg" || ext == ".png"
}
