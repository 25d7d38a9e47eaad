package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xaenox/schedule-bot/internal/metrics"
	"github.com/xaenox/schedule-bot/internal/models"
)

// Renderer produces one image of a page. Each call is one attempt and must
// use its own browser session.
type Renderer interface {
	Screenshot(ctx context.Context, url string) ([]byte, error)
}

// CaptureFailedError is returned once every attempt has failed.
type CaptureFailedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *CaptureFailedError) Error() string {
	return fmt.Sprintf("capture of %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *CaptureFailedError) Unwrap() error { return e.Err }

type Config struct {
	Dir         string        `mapstructure:"dir"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

func DefaultConfig() Config {
	return Config{
		Dir:         "screenshots",
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
	}
}

// Engine renders pages into artifact files with bounded retries.
type Engine struct {
	renderer Renderer
	fs       afero.Fs
	cfg      Config
	logger   *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewEngine(renderer Renderer, fs afero.Fs, cfg Config, logger *zap.Logger) *Engine {
	d := DefaultConfig()
	if cfg.Dir == "" {
		cfg.Dir = d.Dir
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	return &Engine{
		renderer: renderer,
		fs:       fs,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Dir is the directory artifacts are written to.
func (e *Engine) Dir() string { return e.cfg.Dir }

// Capture renders url and writes it to {dir}/{fingerprint}-{unixMillis}.jpeg.
func (e *Engine) Capture(ctx context.Context, url, fingerprint string) (string, error) {
	if err := e.fs.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}

	start := e.now()
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.backoff(attempt - 1)
			if err := e.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		path, err := e.attempt(ctx, url, fingerprint)
		if err == nil {
			metrics.CaptureAttempt(true)
			metrics.CaptureDuration(e.now().Sub(start))
			e.logger.Debug("Captured page",
				zap.String("url", url),
				zap.String("path", path),
				zap.Int("attempt", attempt))
			return path, nil
		}

		metrics.CaptureAttempt(false)
		lastErr = err
		e.logger.Warn("Capture attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.cfg.MaxAttempts),
			zap.Error(err))
	}

	return "", &CaptureFailedError{URL: url, Attempts: attempts, Err: lastErr}
}

func (e *Engine) attempt(ctx context.Context, url, fingerprint string) (string, error) {
	img, err := e.renderer.Screenshot(ctx, url)
	if err != nil {
		return "", err
	}

	name := models.SanitizeKey(fingerprint) + "-" + strconv.FormatInt(e.now().UnixMilli(), 10) + ".jpeg"
	path := filepath.Join(e.cfg.Dir, name)
	if err := afero.WriteFile(e.fs, path, img, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// backoff returns the delay before retry n (1-based): base*2^(n-1) capped.
func (e *Engine) backoff(n int) time.Duration {
	d := e.cfg.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= e.cfg.MaxDelay {
			return e.cfg.MaxDelay
		}
	}
	if d > e.cfg.MaxDelay {
		return e.cfg.MaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
