package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/steveyegge/overseer/internal/ai"
	"github.com/steveyegge/overseer/internal/health"
	"github.com/steveyegge/overseer/internal/metrics"
	"github.com/steveyegge/overseer/internal/monitor"
	"github.com/steveyegge/overseer/internal/types"
)

const (
	// DefaultAdvisoryInterval is the minimum time between advisory calls.
	DefaultAdvisoryInterval = time.Minute
	// advisoryLines is how many recent entries go into one request.
	advisoryLines = 80
	// highConfidence promotes an unusual pattern to medium priority.
	highConfidence  = 0.9
	advisoryTimeout = 2 * time.Minute
)

// PatternDetector reviews recent activity for problems the deterministic
// detectors miss. *ai.Supervisor implements it.
type PatternDetector interface {
	DetectUnusualPattern(ctx context.Context, req ai.PatternRequest) (*ai.PatternVerdict, error)
}

// Advisor runs the model-backed advisory pass: at most one call in flight and
// at most one per interval. It never blocks its caller and never fails it.
type Advisor struct {
	detector  PatternDetector
	sink      monitor.TaskSink
	window    *ActivityWindow
	threshold float64
	model     string
	metrics   *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time

	inflight *semaphore.Weighted
	limiter  *rate.Limiter
	wg       sync.WaitGroup
}

// AdvisorConfig holds configuration for the advisor
type AdvisorConfig struct {
	Detector PatternDetector
	Sink     monitor.TaskSink
	Window   *ActivityWindow
	// Threshold is the minimum verdict confidence that becomes a task.
	Threshold float64
	// Interval is the minimum time between calls (default 1 minute).
	Interval time.Duration
	// Model is recorded on created tasks.
	Model   string
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewAdvisor creates a new advisor
func NewAdvisor(cfg *AdvisorConfig) (*Advisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("task sink is required")
	}
	if cfg.Window == nil {
		return nil, fmt.Errorf("activity window is required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultAdvisoryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Advisor{
		detector:  cfg.Detector,
		sink:      cfg.Sink,
		window:    cfg.Window,
		threshold: cfg.Threshold,
		model:     cfg.Model,
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "advisor"),
		now:       now,
		inflight:  semaphore.NewWeighted(1),
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
	}, nil
}

// Trigger starts an advisory pass in the background unless one is running or
// the rate limit has not refilled. It reports whether a pass started.
func (a *Advisor) Trigger(ctx context.Context, analysis health.WorkflowAnalysis) bool {
	if a.window.Len() == 0 {
		return false
	}
	if !a.inflight.TryAcquire(1) {
		return false
	}
	if !a.limiter.Allow() {
		a.inflight.Release(1)
		return false
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.inflight.Release(1)

		callCtx, cancel := context.WithTimeout(ctx, advisoryTimeout)
		defer cancel()
		a.Run(callCtx, analysis)
	}()
	return true
}

// Wait blocks until any background pass has finished.
func (a *Advisor) Wait() {
	a.wg.Wait()
}

// Run performs one advisory pass synchronously and returns the task it
// created, if any. Errors are logged and swallowed.
func (a *Advisor) Run(ctx context.Context, analysis health.WorkflowAnalysis) *types.Task {
	req := ai.PatternRequest{
		RecentLines: a.window.RecentLines(advisoryLines),
		Summary:     analysis.Summary(),
	}
	for _, is := range analysis.Issues {
		req.KnownIssues = append(req.KnownIssues, fmt.Sprintf("%s (%.2f): %s", is.Type, is.Confidence, is.Message))
	}

	verdict, err := a.detector.DetectUnusualPattern(ctx, req)
	if err != nil {
		if errors.Is(err, ai.ErrCircuitOpen) {
			a.metrics.ObserveAdvisory(metrics.AdvisorySkipped)
			a.logger.Debug("advisory pass skipped, circuit open")
			return nil
		}
		a.metrics.ObserveAdvisory(metrics.AdvisoryError)
		a.logger.Warn("advisory pass failed", "error", err)
		return nil
	}
	if verdict == nil || !verdict.Detected {
		a.metrics.ObserveAdvisory(metrics.AdvisoryNoPattern)
		return nil
	}
	if verdict.Confidence < a.threshold {
		a.metrics.ObserveAdvisory(metrics.AdvisoryBelowBar)
		a.logger.Debug("unusual pattern below confidence threshold",
			"confidence", verdict.Confidence,
			"threshold", a.threshold,
			"description", verdict.Description)
		return nil
	}

	task, _ := monitor.Enqueue(ctx, a.sink, a.logger, a.patternTask(verdict))
	if task != nil {
		a.metrics.ObserveAdvisory(metrics.AdvisoryEnqueued)
		a.logger.Info("unusual pattern reported",
			"task_id", task.ID,
			"confidence", verdict.Confidence,
			"description", verdict.Description)
	}
	return task
}

func (a *Advisor) patternTask(v *ai.PatternVerdict) types.CreateTaskInput {
	priority := types.PriorityLow
	if v.Confidence >= highConfidence {
		priority = types.PriorityMedium
	}
	agent := v.SuggestedAgent
	switch agent {
	case monitor.AgentDebugger, monitor.AgentTestFixer, monitor.AgentCIFixer, monitor.AgentGitResolver:
	default:
		agent = monitor.AgentDebugger
	}

	prompt := "The advisory review flagged an unusual pattern in the workflow: " + v.Description
	if v.Reasoning != "" {
		prompt += "\n\nReasoning: " + v.Reasoning
	}
	prompt += "\n\nConfirm whether this is a real problem before changing anything."

	return types.CreateTaskInput{
		Priority:       priority,
		Source:         types.SourceAdvisoryAnalyzer,
		AnomalyType:    types.AnomalyUnusualPattern,
		Prompt:         prompt,
		SuggestedAgent: agent,
		Context: &types.UnusualPatternContext{
			Description: v.Description,
			Reasoning:   v.Reasoning,
			Confidence:  v.Confidence,
			Model:       a.model,
			AnalyzedAt:  a.now().UTC(),
		},
		DedupKey: "advisory:" + v.Description,
	}
}
