package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/health"
	"github.com/steveyegge/overseer/internal/metrics"
	"github.com/steveyegge/overseer/internal/monitor"
	"github.com/steveyegge/overseer/internal/types"
)

const (
	// DefaultDebounce bounds analyses to one per interval while entries stream in.
	DefaultDebounce = 250 * time.Millisecond
	// MinIssueConfidence is the lowest confidence that becomes a task.
	MinIssueConfidence = 0.7
)

// EntrySource returns the full event log history.
type EntrySource func() ([]events.ParsedLogEntry, error)

// HealthBridge runs the workflow health analyzer over the event log and turns
// its issues into queued tasks.
type HealthBridge struct {
	analyzer *health.Analyzer
	source   EntrySource
	sink     monitor.TaskSink
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
	debounce time.Duration
	tracer   trace.Tracer
	// onAnalysis runs after every analysis, still serialized with other analyses.
	onAnalysis func(context.Context, health.WorkflowAnalysis)

	ctx context.Context

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	latest  *health.WorkflowAnalysis
	// active holds the dedup keys of issues present in the previous
	// analysis. An issue is reported when it first appears and again only
	// after it has cleared.
	active map[string]bool

	// runMu serializes analyses.
	runMu sync.Mutex
	// pending counts scheduled and running debounced analyses.
	pending sync.WaitGroup
}

// HealthBridgeConfig holds configuration for the health bridge
type HealthBridgeConfig struct {
	Analyzer   *health.Analyzer
	Source     EntrySource
	Sink       monitor.TaskSink
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	Now        func() time.Time
	Debounce   time.Duration
	OnAnalysis func(context.Context, health.WorkflowAnalysis)
	// Context scopes debounced analyses; defaults to context.Background().
	Context context.Context
}

// NewHealthBridge creates a new health bridge
func NewHealthBridge(cfg *HealthBridgeConfig) (*HealthBridge, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("entry source is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("task sink is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}

	return &HealthBridge{
		analyzer:   cfg.Analyzer,
		source:     cfg.Source,
		sink:       cfg.Sink,
		metrics:    cfg.Metrics,
		logger:     logger.With("component", "health-bridge"),
		now:        now,
		debounce:   debounce,
		tracer:     otel.Tracer("github.com/steveyegge/overseer/internal/watchdog"),
		onAnalysis: cfg.OnAnalysis,
		ctx:        ctx,
		active:     make(map[string]bool),
	}, nil
}

// Notify schedules an analysis after the debounce interval. Calls made while
// one is already scheduled are coalesced into it.
func (b *HealthBridge) Notify() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped || b.timer != nil {
		return
	}
	b.pending.Add(1)
	b.timer = time.AfterFunc(b.debounce, b.fire)
}

func (b *HealthBridge) fire() {
	defer b.pending.Done()

	b.mu.Lock()
	b.timer = nil
	stopped := b.stopped
	b.mu.Unlock()

	if stopped || b.ctx.Err() != nil {
		return
	}
	if _, _, err := b.RunNow(b.ctx); err != nil {
		b.logger.Warn("health analysis failed", "error", err)
	}
}

// Stop cancels any scheduled analysis and waits for a debounced one already
// running. Later calls to Notify are ignored.
func (b *HealthBridge) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		if b.timer.Stop() {
			b.pending.Done()
		}
		b.timer = nil
	}
	b.mu.Unlock()

	b.pending.Wait()
}

// Latest returns the most recent analysis, if any ran.
func (b *HealthBridge) Latest() (health.WorkflowAnalysis, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.latest == nil {
		return health.WorkflowAnalysis{}, false
	}
	return *b.latest, true
}

// RunNow analyzes the full event log immediately and enqueues tasks for new
// issues at or above MinIssueConfidence.
func (b *HealthBridge) RunNow(ctx context.Context) (health.WorkflowAnalysis, []*types.Task, error) {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	ctx, span := b.tracer.Start(ctx, "watchdog.health_analysis")
	defer span.End()

	entries, err := b.source()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read event log")
		return health.WorkflowAnalysis{}, nil, fmt.Errorf("failed to read event log: %w", err)
	}

	start := time.Now()
	analysis := b.analyzer.Analyze(entries, b.now())
	issueTypes := make([]string, 0, len(analysis.Issues))
	for _, is := range analysis.Issues {
		issueTypes = append(issueTypes, string(is.Type))
	}
	b.metrics.ObserveAnalysis(string(analysis.Health), issueTypes, time.Since(start))
	span.SetAttributes(
		attribute.Int("entries", analysis.EntryCount),
		attribute.String("health", string(analysis.Health)),
		attribute.Int("issues", len(analysis.Issues)),
	)

	current := make(map[string]bool)
	var inputs []types.CreateTaskInput
	for _, is := range analysis.Issues {
		if is.Confidence < MinIssueConfidence {
			continue
		}
		in := IssueTask(is)
		if current[in.DedupKey] {
			continue
		}
		current[in.DedupKey] = true
		if !b.active[in.DedupKey] {
			inputs = append(inputs, in)
		}
	}
	b.active = current

	var created []*types.Task
	for _, in := range inputs {
		task, err := monitor.Enqueue(ctx, b.sink, b.logger, in)
		switch {
		case err != nil:
			// Retry on the next analysis.
			delete(b.active, in.DedupKey)
		case task != nil:
			created = append(created, task)
		}
	}
	span.SetAttributes(attribute.Int("tasks_created", len(created)))

	b.mu.Lock()
	b.latest = &analysis
	b.mu.Unlock()

	if analysis.Health != health.VerdictHealthy {
		b.logger.Info("workflow health analyzed",
			"health", analysis.Health,
			"issues", len(analysis.Issues),
			"tasks_created", len(created),
			"summary", analysis.Summary())
	}
	if b.onAnalysis != nil {
		b.onAnalysis(ctx, analysis)
	}
	return analysis, created, nil
}

// IssueTask maps a health issue onto a task.
func IssueTask(is health.Issue) types.CreateTaskInput {
	in := types.CreateTaskInput{
		Priority:       IssuePriority(is),
		Source:         types.SourceHealthAnalyzer,
		SuggestedAgent: monitor.AgentDebugger,
		DedupKey:       issueDedupKey(is),
	}
	c := is.Context
	switch {
	case is.Type == health.IssueLoopDetected:
		repeats, _ := strconv.Atoi(c["repeats"])
		in.AnomalyType = types.AnomalyAgentLoop
		in.Context = &types.AgentLoopContext{
			Signature:   c["signature"],
			RepeatCount: repeats,
			Excerpt:     is.Message,
			Confidence:  is.Confidence,
		}
		in.Prompt = fmt.Sprintf("The workflow is repeating itself: %s. Find out why the step does not make progress and break the loop.", is.Message)
	case is.Type.IsStall():
		in.AnomalyType = types.AnomalyAgentStuck
		in.Context = &types.AgentStuckContext{
			Command:         c["cmd"],
			Phase:           c["phase"],
			AgentID:         c["agent_id"],
			Reason:          string(is.Type),
			StalledSeconds:  seconds(c["elapsed"]),
			LastActivityAgo: seconds(c["quiet"]),
			Confidence:      is.Confidence,
		}
		in.Prompt = fmt.Sprintf("The workflow appears stuck (%s): %s. Check whether the agent is blocked and get it moving again.", is.Type, is.Message)
	case is.Type == health.IssueExplicitFailure || is.Type == health.IssueAgentFailure:
		line, _ := strconv.Atoi(c["line"])
		in.AnomalyType = types.AnomalyAgentError
		in.Context = &types.AgentErrorContext{
			Line:       line,
			Excerpt:    is.Message,
			Pattern:    string(is.Type),
			Command:    c["cmd"],
			Phase:      c["phase"],
			AgentID:    c["agent_id"],
			Confidence: is.Confidence,
		}
		in.Prompt = fmt.Sprintf("A workflow step failed: %s. Diagnose the failure and fix its cause.", is.Message)
	default:
		in.AnomalyType = types.AnomalyRecommendedInvestigation
		in.SuggestedAgent = ""
		details := make(map[string]string, len(c))
		for k, v := range c {
			details[k] = v
		}
		in.Context = &types.InvestigationContext{
			IssueType:  string(is.Type),
			Message:    is.Message,
			Confidence: is.Confidence,
			Details:    details,
		}
		in.Prompt = fmt.Sprintf("Workflow health check flagged %s: %s. Investigate whether the workflow is following its process.", is.Type, is.Message)
	}
	return in
}

// IssuePriority ranks a health issue: critical types above 0.9 confidence
// are critical, anything at 0.85 or above is high, the rest medium.
func IssuePriority(is health.Issue) types.Priority {
	switch {
	case is.Type.IsCriticalType() && is.Confidence > 0.9:
		return types.PriorityCritical
	case is.Confidence >= 0.85:
		return types.PriorityHigh
	default:
		return types.PriorityMedium
	}
}

// dedupKeyFields are the issue context keys that identify what an issue is
// about, in key order.
var dedupKeyFields = []string{"cmd", "phase", "agent_id", "signature", "rule", "line"}

func issueDedupKey(is health.Issue) string {
	parts := []string{"health", string(is.Type)}
	for _, k := range dedupKeyFields {
		if v := is.Context[k]; v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	if len(parts) == 2 {
		// No identifying context: fall back to the remaining keys.
		keys := make([]string, 0, len(is.Context))
		for k := range is.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+is.Context[k])
		}
	}
	return strings.Join(parts, ":")
}

func seconds(d string) int64 {
	if d == "" {
		return 0
	}
	parsed, err := time.ParseDuration(d)
	if err != nil {
		return 0
	}
	return int64(parsed / time.Second)
}
