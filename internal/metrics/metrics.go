// Package metrics exposes watcher activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steveyegge/overseer/internal/types"
)

// Recorder implements queue.Observer and records analysis, advisory and
// health check outcomes. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	tasksEnqueued    *prometheus.CounterVec
	tasksArchived    *prometheus.CounterVec
	queuePending     prometheus.Gauge
	queueDepth       prometheus.Gauge
	logEntries       prometheus.Counter
	analyses         *prometheus.CounterVec
	issues           *prometheus.CounterVec
	analysisDuration prometheus.Histogram
	advisoryCalls    *prometheus.CounterVec
	healthChecks     *prometheus.CounterVec
	healthFailures   prometheus.Gauge
}

// NewRecorder creates a recorder with its own registry, so several watchers
// (or tests) in one process do not collide.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		tasksEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_tasks_enqueued_total",
				Help: "Tasks enqueued by anomaly type, priority and source",
			},
			[]string{"anomaly_type", "priority", "source"},
		),
		tasksArchived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_tasks_archived_total",
				Help: "Tasks archived by reason",
			},
			[]string{"reason"},
		),
		queuePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "overseer_queue_pending",
			Help: "Pending tasks in the live queue",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "overseer_queue_depth",
			Help: "All tasks in the live queue",
		}),
		logEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "overseer_log_entries_total",
			Help: "Event log entries delivered by the tail",
		}),
		analyses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_analyses_total",
				Help: "Health analyses by verdict",
			},
			[]string{"health"},
		),
		issues: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_analysis_issues_total",
				Help: "Issues reported by health analyses, by type",
			},
			[]string{"type"},
		),
		analysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "overseer_analysis_duration_seconds",
			Help:    "Duration of health analyses in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		advisoryCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_advisory_calls_total",
				Help: "Advisory model passes by outcome",
			},
			[]string{"outcome"},
		),
		healthChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overseer_health_checks_total",
				Help: "Health check runs by result",
			},
			[]string{"result"},
		),
		healthFailures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "overseer_health_check_failures",
			Help: "Failing tests in the most recent health check",
		}),
	}
}

// Registry returns the registry holding the recorder's collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// TaskEnqueued implements queue.Observer
func (r *Recorder) TaskEnqueued(task *types.Task) {
	if r == nil || task == nil {
		return
	}
	r.tasksEnqueued.WithLabelValues(string(task.AnomalyType), string(task.Priority), string(task.Source)).Inc()
}

// TaskArchived implements queue.Observer
func (r *Recorder) TaskArchived(_ *types.Task, reason types.ArchiveReason) {
	if r == nil {
		return
	}
	r.tasksArchived.WithLabelValues(string(reason)).Inc()
}

// QueueDepth implements queue.Observer
func (r *Recorder) QueueDepth(pending, total int) {
	if r == nil {
		return
	}
	r.queuePending.Set(float64(pending))
	r.queueDepth.Set(float64(total))
}

// LogEntry counts one tailed event log entry.
func (r *Recorder) LogEntry() {
	if r == nil {
		return
	}
	r.logEntries.Inc()
}

// ObserveAnalysis records one health analysis.
func (r *Recorder) ObserveAnalysis(health string, issueTypes []string, duration time.Duration) {
	if r == nil {
		return
	}
	r.analyses.WithLabelValues(health).Inc()
	for _, t := range issueTypes {
		r.issues.WithLabelValues(t).Inc()
	}
	r.analysisDuration.Observe(duration.Seconds())
}

// Advisory outcomes
const (
	AdvisoryNoPattern = "no_pattern"
	AdvisoryBelowBar  = "below_threshold"
	AdvisoryEnqueued  = "enqueued"
	AdvisoryError     = "error"
	AdvisorySkipped   = "skipped"
)

// ObserveAdvisory records the outcome of one advisory pass.
func (r *Recorder) ObserveAdvisory(outcome string) {
	if r == nil {
		return
	}
	r.advisoryCalls.WithLabelValues(outcome).Inc()
}

// ObserveHealthCheck records a health check run.
func (r *Recorder) ObserveHealthCheck(passed bool, failures int) {
	if r == nil {
		return
	}
	result := "passed"
	if !passed {
		result = "failed"
	}
	r.healthChecks.WithLabelValues(result).Inc()
	r.healthFailures.Set(float64(failures))
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is canceled.
func (r *Recorder) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
