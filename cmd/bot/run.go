package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xaenox/schedule-bot/internal/bot"
	"github.com/xaenox/schedule-bot/internal/browser"
	"github.com/xaenox/schedule-bot/internal/cache"
	"github.com/xaenox/schedule-bot/internal/capture"
	"github.com/xaenox/schedule-bot/internal/dispatch"
	"github.com/xaenox/schedule-bot/internal/metrics"
	"github.com/xaenox/schedule-bot/internal/resolver"
	"github.com/xaenox/schedule-bot/internal/scheduler"
	"github.com/xaenox/schedule-bot/internal/session"
	"github.com/xaenox/schedule-bot/internal/storage"
	"github.com/xaenox/schedule-bot/internal/subscription"
	"github.com/xaenox/schedule-bot/pkg/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot, the dispatch scheduler and the metrics endpoint",
	RunE:  runBot,
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, level, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	cfg.WatchLogLevel(level, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := storage.Open(cfg.Database.Storage(), logger)
	if err != nil {
		logger.Error("Failed to initialize storage", zap.Error(err))
		return err
	}
	defer store.Close()

	// A missing browser is fatal; nothing can be rendered without it.
	surface := browser.NewSurface(cfg.Browser, logger)
	if err := surface.Open(ctx); err != nil {
		logger.Error("Failed to start browser", zap.Error(err))
		return err
	}
	defer surface.Close()

	res, err := resolver.New(cfg.Resolver)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	engine := capture.NewEngine(surface, fs, cfg.Capture, logger)
	artifacts := cache.New(store, engine, fs, engine.Dir(), cfg.Cache, logger)
	registry := subscription.NewRegistry(store, logger)
	limiter := dispatch.NewLimiter(cfg.Delivery)

	api, err := bot.NewAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Error("Failed to create bot", zap.Error(err))
		return err
	}
	b := bot.New(api, bot.Deps{
		Artifacts:     artifacts,
		Subscriptions: registry,
		Resolver:      res,
		Sessions:      session.NewStore(cfg.Session.Size, cfg.Session.TTL),
		Limiter:       limiter,
	}, cfg.Telegram, logger)

	loc := scheduler.LoadLocation(cfg.Scheduler.Timezone, logger)
	dispatcher := dispatch.New(registry, artifacts, b.Transport(), limiter, loc, cfg.Delivery, logger)

	sched := scheduler.New(loc, logger)
	if err := sched.Add(scheduler.Job{
		Name: "dispatch",
		Spec: cfg.Scheduler.TickSpec,
		Run:  dispatcher.Tick,
	}); err != nil {
		return err
	}
	sweep := func(ctx context.Context) {
		if _, err := artifacts.Sweep(ctx); err != nil {
			logger.Error("Cache sweep failed", zap.Error(err))
		}
	}
	if err := sched.Add(scheduler.Job{
		Name:      "sweep",
		Spec:      cfg.Scheduler.SweepSpec,
		Run:       sweep,
		Exclusive: true,
	}); err != nil {
		return err
	}

	sweep(ctx)
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metrics.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return b.Start(ctx)
	})

	err = g.Wait()
	logger.Info("Shutting down")
	return err
}
