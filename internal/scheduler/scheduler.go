package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Config struct {
	Timezone  string `mapstructure:"timezone"`
	TickSpec  string `mapstructure:"tick_spec"`
	SweepSpec string `mapstructure:"sweep_spec"`
}

func DefaultConfig() Config {
	return Config{TickSpec: "* * * * *", SweepSpec: "@hourly"}
}

// Job is a scheduled function. ctx is cancelled when the scheduler stops.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context)
	// Exclusive skips a run while the previous one is still going.
	Exclusive bool
}

// Service triggers jobs on cron specs in one time zone.
type Service struct {
	loc    *time.Location
	logger *zap.Logger

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(loc *time.Location, logger *zap.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{loc: loc, logger: logger, ctx: ctx, cancel: cancel}
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{logger.Named("cron")}),
		cron.WithChain(cron.Recover(cronLogger{logger.Named("cron")})),
	)
	return s
}

// LoadLocation resolves an IANA zone name; empty means the host's zone.
func LoadLocation(tz string, logger *zap.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		logger.Warn("Invalid timezone, falling back to local", zap.String("tz", tz), zap.Error(err))
		return time.Local
	}
	return loc
}

func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cj cron.Job = cron.FuncJob(func() {
		start := time.Now()
		job.Run(s.ctx)
		s.logger.Debug("Job finished", zap.String("job", job.Name), zap.Duration("took", time.Since(start)))
	})
	if job.Exclusive {
		cj = cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.logger.Named("cron")})).Then(cj)
	}

	if _, err := s.c.AddJob(job.Spec, cj); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	s.logger.Info("Job scheduled", zap.String("job", job.Name), zap.String("spec", job.Spec))
	return nil
}

func (s *Service) Start() {
	s.c.Start()
	s.logger.Info("Scheduler started", zap.String("tz", s.loc.String()), zap.Int("jobs", len(s.c.Entries())))
}

// Stop stops triggering, cancels running jobs and waits for them or ctx.
func (s *Service) Stop(ctx context.Context) {
	done := s.c.Stop().Done()
	s.cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.logger.Info("Scheduler stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, fields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}
