package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xaenox/schedule-bot/internal/cache"
	"github.com/xaenox/schedule-bot/internal/metrics"
	"github.com/xaenox/schedule-bot/internal/models"
)

// ErrRecipientUnreachable is returned by a Sender when the chat blocked the
// bot or no longer exists.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

type Registry interface {
	FindActiveByTime(ctx context.Context, hhmm string) ([]*models.Subscription, error)
}

type ArtifactSource interface {
	GetOrCapture(ctx context.Context, url, fingerprint string, forceRefresh bool) (*cache.Artifact, error)
	Discard(art *cache.Artifact)
}

type Sender interface {
	SendImage(ctx context.Context, chatID, path, caption string) error
}

// Report summarizes one tick.
type Report struct {
	Time        string
	Matched     int
	Delivered   int
	Failed      int
	Unreachable int
	Skipped     bool
}

type Config struct {
	Concurrency int     `mapstructure:"concurrency"`
	RatePerSec  float64 `mapstructure:"rate_per_sec"`
	Burst       int     `mapstructure:"burst"`
}

func DefaultConfig() Config {
	return Config{Concurrency: 4, RatePerSec: 20, Burst: 5}
}

// NewLimiter builds the outbound message limiter shared by every sender path.
func NewLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Dispatcher delivers due subscriptions once per wall-clock minute.
type Dispatcher struct {
	registry  Registry
	artifacts ArtifactSource
	sender    Sender
	limiter   *rate.Limiter
	location  *time.Location
	cfg       Config
	logger    *zap.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

// seenRetention bounds the remembered minutes. It must exceed the largest
// backward clock shift.
const seenRetention = 3 * time.Hour

func New(registry Registry, artifacts ArtifactSource, sender Sender, limiter *rate.Limiter, loc *time.Location, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if loc == nil {
		loc = time.Local
	}
	if limiter == nil {
		limiter = NewLimiter(cfg)
	}
	return &Dispatcher{
		registry:  registry,
		artifacts: artifacts,
		sender:    sender,
		limiter:   limiter,
		location:  loc,
		cfg:       cfg,
		logger:    logger,
		seen:      make(map[string]time.Time),
	}
}

// Tick runs the dispatch for the current minute.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.RunTick(ctx, time.Now())
}

// RunTick delivers every active subscription whose time of day equals the
// wall-clock minute of at. A local minute already handled is skipped, so a
// clock that falls back does not deliver twice.
func (d *Dispatcher) RunTick(ctx context.Context, at time.Time) Report {
	local := at.In(d.location)
	hhmm := models.ClockTime(local)
	report := Report{Time: hhmm}

	key := local.Format("2006-01-02 15:04")
	if !d.markMinute(key, at) {
		report.Skipped = true
		return report
	}

	subs, err := d.registry.FindActiveByTime(ctx, hhmm)
	if err != nil {
		d.logger.Error("Failed to load subscriptions", zap.String("time", hhmm), zap.Error(err))
		return report
	}
	if len(subs) == 0 {
		return report
	}

	metrics.Tick()
	report.Matched = len(subs)
	d.logger.Info("Processing subscriptions", zap.String("time", hhmm), zap.Int("count", len(subs)))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.Concurrency)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			err := d.deliver(ctx, sub, local)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Delivered++
				metrics.Delivery("delivered")
				d.logger.Info("Sent scheduled timetable", zap.String("chat_id", sub.ChatID))
			case errors.Is(err, ErrRecipientUnreachable):
				report.Unreachable++
				metrics.Delivery("unreachable")
				d.logger.Info("Recipient unreachable", zap.String("chat_id", sub.ChatID), zap.Error(err))
			default:
				report.Failed++
				metrics.Delivery("failed")
				d.logger.Error("Failed to send scheduled timetable", zap.String("chat_id", sub.ChatID), zap.Error(err))
			}
			// Deliveries never fail the group.
			return nil
		})
	}
	_ = g.Wait()

	return report
}

// markMinute records key and reports whether it was new. Keys older than
// seenRetention are forgotten.
func (d *Dispatcher) markMinute(key string, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, t := range d.seen {
		if at.Sub(t) > seenRetention {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = at
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, sub *models.Subscription, at time.Time) error {
	art, err := d.artifacts.GetOrCapture(ctx, sub.SourceURL, sub.Target.Fingerprint(), false)
	if err != nil {
		return fmt.Errorf("get artifact: %w", err)
	}
	defer d.artifacts.Discard(art)

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.sender.SendImage(ctx, sub.ChatID, art.Path, Caption(sub.Target, at))
}

// Caption renders the message attached to a timetable image.
func Caption(t models.Target, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📅 %s | 🕐 %s\n\n", at.Format("02/01/2006"), at.Format("15:04"))
	if t.Faculty != "" {
		fmt.Fprintf(&b, "🏛 %s\n", t.Faculty)
	}
	fmt.Fprintf(&b, "📚 %s", t.Course)
	if t.Group != "" {
		fmt.Fprintf(&b, "\n👥 %s", t.Group)
	}
	return b.String()
}
