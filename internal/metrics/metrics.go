// Package metrics exposes Prometheus instruments for captures, the artifact
// cache and scheduled deliveries.
//
// Labels are kept to small closed sets (outcome, result) so cardinality stays
// bounded regardless of how many targets or chats exist.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// captureAttempts counts render attempts by outcome (success, failure).
	captureAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedule_capture_attempts_total",
			Help: "Total number of page capture attempts.",
		},
		[]string{"outcome"},
	)

	// captureDuration records the duration of successful captures including retries.
	captureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "schedule_capture_duration_seconds",
			Help:    "Duration of page captures in seconds.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	// cacheLookups counts artifact cache lookups by result (hit, miss, refresh, error).
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedule_cache_lookups_total",
			Help: "Total number of artifact cache lookups.",
		},
		[]string{"result"},
	)

	// deliveries counts scheduled deliveries by outcome (delivered, failed, unreachable).
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedule_deliveries_total",
			Help: "Total number of scheduled timetable deliveries.",
		},
		[]string{"outcome"},
	)

	// ticks counts dispatcher ticks that matched at least one subscription.
	ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedule_dispatch_ticks_total",
			Help: "Total number of dispatch ticks with matching subscriptions.",
		},
	)
)

func init() {
	prometheus.MustRegister(captureAttempts, captureDuration, cacheLookups, deliveries, ticks)
}

func CaptureAttempt(ok bool) {
	if ok {
		captureAttempts.WithLabelValues("success").Inc()
		return
	}
	captureAttempts.WithLabelValues("failure").Inc()
}

func CaptureDuration(d time.Duration) {
	captureDuration.Observe(d.Seconds())
}

func CacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

func Delivery(outcome string) {
	deliveries.WithLabelValues(outcome).Inc()
}

func Tick() {
	ticks.Inc()
}

// Serve exposes /metrics on addr until ctx is done. An empty addr disables it.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
