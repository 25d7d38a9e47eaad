package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAddRejectsBadSpec(t *testing.T) {
	s := New(time.UTC, zap.NewNop())
	err := s.Add(Job{Name: "tick", Spec: "every minute", Run: func(context.Context) {}})
	assert.Error(t, err)
	s.Stop(context.Background())
}

func TestJobRunsAndStopCancelsContext(t *testing.T) {
	s := New(time.UTC, zap.NewNop())

	// Buffered: cron fires at most once a second and the job signals while
	// Stop is still blocking the test goroutine.
	started := make(chan struct{}, 1)
	stopped := make(chan struct{}, 1)
	require.NoError(t, s.Add(Job{
		Name: "watch",
		Spec: "@every 10ms",
		Run: func(ctx context.Context) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			select {
			case stopped <- struct{}{}:
			default:
			}
		},
		Exclusive: true,
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("job context not cancelled")
	}
}

func TestLoadLocation(t *testing.T) {
	assert.Equal(t, time.Local, LoadLocation("", zap.NewNop()))
	assert.Equal(t, time.Local, LoadLocation("Mars/Olympus", zap.NewNop()))
	assert.Equal(t, "UTC", LoadLocation("UTC", zap.NewNop()).String())
}

func TestCronLoggerAdaptsToZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := cronLogger{zap.New(core)}

	l.Info("schedule", "entry", 1, "next", "soon")
	l.Error(errors.New("boom"), "panic", "job", "tick")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "schedule", entries[0].Message)
	assert.Equal(t, int64(1), entries[0].ContextMap()["entry"])
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	assert.Equal(t, "tick", entries[1].ContextMap()["job"])
}
