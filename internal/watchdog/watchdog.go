// Package watchdog runs the supervisor: it tails the workflow event log,
// analyzes workflow health, feeds the monitors and keeps the task queue
// maintained for the lifetime of one watcher process.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/overseer/internal/ai"
	"github.com/steveyegge/overseer/internal/config"
	"github.com/steveyegge/overseer/internal/control"
	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/git"
	"github.com/steveyegge/overseer/internal/health"
	"github.com/steveyegge/overseer/internal/monitor"
	"github.com/steveyegge/overseer/internal/notify"
	"github.com/steveyegge/overseer/internal/queue"
	"github.com/steveyegge/overseer/internal/storage"
	"github.com/steveyegge/overseer/internal/types"
)

// State is the lifecycle state of a Watcher.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TestRunner runs a shell command in dir and returns its combined output and
// exit code. A non-zero exit is not an error; failing to start is.
type TestRunner interface {
	Run(ctx context.Context, dir, command string) (output string, exitCode int, err error)
}

// ShellTestRunner runs commands with sh -c.
type ShellTestRunner struct{}

func (ShellTestRunner) Run(ctx context.Context, dir, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return string(out), exitErr.ExitCode(), nil
	}
	if err != nil {
		return string(out), -1, err
	}
	return string(out), 0, nil
}

// HealthCheckResult summarizes one run of the test command.
type HealthCheckResult struct {
	Passed       bool          `json:"passed"`
	FailureCount int           `json:"failure_count"`
	FailedTests  []string      `json:"failed_tests,omitempty"`
	Duration     time.Duration `json:"duration"`
	ExitCode     int           `json:"exit_code"`
	// Error is set when the command could not be run at all.
	Error string `json:"error,omitempty"`
}

// Status is a snapshot of a Watcher.
type Status struct {
	State          string          `json:"state"`
	ProjectDir     string          `json:"project_dir"`
	StartedAt      time.Time       `json:"started_at,omitempty"`
	Monitors       config.Monitors `json:"monitors"`
	Advisory       bool            `json:"advisory"`
	EntriesSeen    int             `json:"entries_seen"`
	LastActivity   time.Time       `json:"last_activity,omitempty"`
	Health         string          `json:"health,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	LastAnalysisAt time.Time       `json:"last_analysis_at,omitempty"`
	Queue          *queue.Stats    `json:"queue,omitempty"`
	ControlSocket  string          `json:"control_socket,omitempty"`
}

// Watcher supervises one project. At most one Watcher runs per project,
// enforced by a liveness marker in the state directory.
type Watcher struct {
	mu sync.RWMutex

	opts     Options
	logger   *slog.Logger
	stateDir string
	tracer   trace.Tracer

	// Set by Start, read-only while running.
	cfg         *config.Config
	store       storage.TaskStore
	queue       *queue.Queue
	window      *ActivityWindow
	reader      *events.Reader
	agentReader *events.Reader
	logMon      *monitor.LogMonitor
	testMon     *monitor.TestMonitor
	gitMon      *monitor.GitMonitor
	bridge      *HealthBridge
	advisor     *Advisor
	notifier    notify.Notifier
	control     *control.Server
	markerPath  string
	startedAt   time.Time

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state State

	// lastVerdict is only touched from analysis callbacks, which the
	// bridge serializes.
	lastVerdict health.Verdict
}

// NewWatcher creates an idle watcher
func NewWatcher(opts Options) (*Watcher, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.withDefaults()

	return &Watcher{
		opts:     opts,
		logger:   opts.Logger.With("component", "watcher"),
		stateDir: StateDir(opts.ProjectDir),
		tracer:   otel.Tracer("github.com/steveyegge/overseer/internal/watchdog"),
		window:   NewActivityWindow(DefaultWindowSize),
		state:    StateIdle,
	}, nil
}

// Start loads configuration and begins supervising. It returns false with a
// nil error when supervision is disabled by config or another live watcher
// owns the project. Only a failure to write the liveness marker or open the
// task store is an error.
func (w *Watcher) Start(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateIdle {
		return false, fmt.Errorf("watcher is %s", w.state)
	}

	if err := os.MkdirAll(w.stateDir, 0755); err != nil {
		return false, fmt.Errorf("failed to create state directory: %w", err)
	}

	cfg := w.opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load(w.stateDir)
		if err != nil {
			w.logger.Warn("config problems, using defaults for affected fields", "error", err)
		}
	}
	w.cfg = cfg
	if !cfg.Enabled {
		w.logger.Info("supervision disabled by configuration, not starting")
		return false, nil
	}

	markerPath := MarkerPath(w.opts.ProjectDir)
	if _, err := storage.AcquireLivenessMarker(markerPath, w.opts.Version, w.opts.Checker); err != nil {
		if errors.Is(err, storage.ErrAlreadyRunning) {
			w.logger.Info("another watcher owns this project, not starting", "reason", err)
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire liveness marker: %w", err)
	}
	w.markerPath = markerPath

	w.ctx, w.cancel = context.WithCancel(ctx)
	if err := w.wire(); err != nil {
		w.teardown()
		return false, err
	}

	w.startedAt = w.opts.Now()
	w.state = StateRunning
	w.startBackground()

	w.logger.Info("watcher started",
		"project_dir", w.opts.ProjectDir,
		"event_log", w.reader.Path(),
		"logs", cfg.Monitors.Logs,
		"tests", cfg.Monitors.Tests,
		"git", cfg.Monitors.Git,
		"advisory", w.advisor != nil,
		"store", cfg.StoreBackend)
	return true, nil
}

// wire builds the store, queue, monitors and analyzers. Callers hold w.mu.
func (w *Watcher) wire() error {
	cfg := w.cfg
	logger := w.opts.Logger

	store, err := storage.Open(storage.Backend(cfg.StoreBackend), w.stateDir)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	w.store = store

	q, err := queue.New(w.ctx, store, queue.Options{
		MaxSize:  cfg.MaxQueueSize,
		Expiry:   cfg.TaskExpiry(),
		Logger:   logger,
		Observer: w.opts.Metrics,
		Now:      w.opts.Now,
	})
	if err != nil {
		return fmt.Errorf("failed to load task queue: %w", err)
	}
	w.queue = q

	w.notifier = w.opts.Notifier
	if w.notifier == nil {
		w.notifier = notify.New(cfg.Notifications, logger)
	}

	w.logMon = monitor.NewLogMonitor(q, cfg.LoopDetectionThreshold, logger)
	w.testMon = monitor.NewTestMonitor(q, cfg.TestCommand, logger)
	if cfg.Monitors.Git {
		var ops git.Operations
		switch {
		case w.opts.GitOps != nil:
			ops = w.opts.GitOps
		default:
			g, err := git.NewGit(w.ctx)
			if err != nil {
				w.logger.Warn("git CLI unavailable, CI polling disabled", "error", err)
			} else {
				ops = g
			}
		}
		w.gitMon = monitor.NewGitMonitor(q, ops, w.opts.ProjectDir, logger)
	}

	if cfg.UseLLMAnalysis {
		detector, model := w.opts.Detector, w.opts.Model
		if detector == nil {
			sup, err := ai.NewSupervisor(&ai.Config{Logger: logger})
			if err != nil {
				w.logger.Warn("advisory analysis disabled", "error", err)
			} else {
				detector, model = sup, sup.Model()
			}
		}
		if detector != nil {
			w.advisor, err = NewAdvisor(&AdvisorConfig{
				Detector:  detector,
				Sink:      q,
				Window:    w.window,
				Threshold: cfg.LLMConfidenceThreshold,
				Interval:  w.opts.AdvisoryInterval,
				Model:     model,
				Metrics:   w.opts.Metrics,
				Logger:    logger,
				Now:       w.opts.Now,
			})
			if err != nil {
				return fmt.Errorf("failed to create advisor: %w", err)
			}
		}
	}

	w.reader = events.NewReader(resolvePath(w.opts.ProjectDir, cfg.EventLogPath),
		events.WithPollInterval(cfg.PollInterval()),
		events.WithFSNotify(cfg.UseFSNotify),
		events.WithLogger(logger))

	w.bridge, err = NewHealthBridge(&HealthBridgeConfig{
		Analyzer:   health.NewAnalyzer(Thresholds(cfg), logger),
		Source:     w.reader.ReadAll,
		Sink:       q,
		Metrics:    w.opts.Metrics,
		Logger:     logger,
		Now:        w.opts.Now,
		Debounce:   w.opts.Debounce,
		OnAnalysis: w.onAnalysis,
		Context:    w.ctx,
	})
	if err != nil {
		return fmt.Errorf("failed to create health bridge: %w", err)
	}

	if err := w.reader.StartTailing(w.handleEntry); err != nil {
		return fmt.Errorf("failed to tail event log: %w", err)
	}

	if cfg.Monitors.Logs && cfg.AgentLogPath != "" {
		w.agentReader = events.NewReader(resolvePath(w.opts.ProjectDir, cfg.AgentLogPath),
			events.WithPollInterval(cfg.PollInterval()),
			events.WithFSNotify(cfg.UseFSNotify),
			events.WithLogger(logger))
		if err := w.agentReader.StartTailingLines(w.handleAgentLine); err != nil {
			return fmt.Errorf("failed to tail agent log: %w", err)
		}
	}
	return nil
}

// startBackground starts the maintenance loop, the metrics endpoint and the
// analysis of the existing history. Callers hold w.mu.
func (w *Watcher) startBackground() {
	w.wg.Add(1)
	go w.maintenanceLoop(w.cfg.GitPollInterval())

	if addr := w.cfg.MetricsAddr; addr != "" {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.opts.Metrics.Serve(w.ctx, addr, w.opts.Logger); err != nil {
				w.logger.Error("metrics endpoint stopped", "addr", addr, "error", err)
			}
		}()
	}

	if !w.opts.DisableControl {
		w.startControl()
	}

	w.bridge.Notify()
}

// startControl opens the control socket. A watcher without one still
// supervises, so failures are only logged. Callers hold w.mu.
func (w *Watcher) startControl() {
	srv, err := control.NewServer(ControlSocketPath(w.opts.ProjectDir), w.handleControl, w.opts.Logger)
	if err == nil {
		err = srv.Start(w.ctx)
	}
	if err != nil {
		w.logger.Warn("control socket unavailable", "error", err)
		return
	}
	w.control = srv
}

// Stop stops supervision and releases the liveness marker. It is safe to
// call more than once.
func (w *Watcher) Stop() {
	// Control commands read watcher state, so drain them before taking
	// the write lock.
	w.mu.RLock()
	srv, cancel := w.control, w.cancel
	w.mu.RUnlock()
	if srv != nil {
		cancel()
		w.stopControl(srv)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateStopped:
		return
	case StateIdle:
		w.state = StateStopped
		return
	}

	w.logger.Info("watcher stopping")
	w.teardown()
	w.state = StateStopped
	w.logger.Info("watcher stopped")
}

// teardown releases whatever Start acquired. Callers hold w.mu; callbacks
// never take it, so waiting here cannot deadlock.
func (w *Watcher) teardown() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.control != nil {
		w.stopControl(w.control)
	}
	if w.reader != nil {
		w.reader.StopTailing()
	}
	if w.agentReader != nil {
		w.agentReader.StopTailing()
	}
	if w.bridge != nil {
		w.bridge.Stop()
	}
	w.wg.Wait()
	if w.advisor != nil {
		w.advisor.Wait()
	}
	if w.store != nil {
		if err := w.store.Close(); err != nil {
			w.logger.Warn("failed to close task store", "error", err)
		}
	}
	if w.markerPath != "" {
		if err := storage.ReleaseLivenessMarker(w.markerPath); err != nil {
			w.logger.Warn("failed to release liveness marker", "error", err)
		}
	}
}

func (w *Watcher) stopControl(srv *control.Server) {
	if err := srv.Stop(); err != nil {
		w.logger.Warn("failed to stop control server", "error", err)
	}
}

func (w *Watcher) handleEntry(e events.ParsedLogEntry) {
	w.window.Record(e)
	w.opts.Metrics.LogEntry()
	w.bridge.Notify()
}

func (w *Watcher) handleAgentLine(line string) {
	w.logMon.HandleLine(w.ctx, line)
}

func (w *Watcher) onAnalysis(ctx context.Context, analysis health.WorkflowAnalysis) {
	if analysis.Health == health.VerdictCritical && w.lastVerdict != health.VerdictCritical {
		w.notifier.Notify(notify.Notification{
			Title:   "Workflow critical",
			Message: analysis.Summary(),
			Urgency: notify.UrgencyCritical,
		})
	}
	w.lastVerdict = analysis.Health

	if w.advisor != nil {
		w.advisor.Trigger(ctx, analysis)
	}
}

func (w *Watcher) maintenanceLoop(gitEvery time.Duration) {
	defer w.wg.Done()

	expiry := time.NewTicker(w.opts.ExpiryInterval)
	defer expiry.Stop()

	var gitC <-chan time.Time
	if w.gitMon != nil && gitEvery > 0 {
		t := time.NewTicker(gitEvery)
		defer t.Stop()
		gitC = t.C
	}

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-expiry.C:
			w.expireStale()
		case <-gitC:
			if created := w.gitMon.Poll(w.ctx); len(created) > 0 {
				w.logger.Info("git poll created tasks", "count", len(created))
			}
		}
	}
}

func (w *Watcher) expireStale() {
	n, err := w.queue.ExpireStale(w.ctx, w.opts.Now())
	if err != nil {
		w.logger.Error("failed to expire stale tasks", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("expired stale tasks", "count", n)
	}
}

// running returns the watcher's config and queue, or false when it is not
// running.
func (w *Watcher) running() (*config.Config, *queue.Queue, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.state != StateRunning {
		return nil, nil, false
	}
	return w.cfg, w.queue, true
}

// RunHealthCheck runs the test command once and queues a critical task for
// each failing test. Failing to run the command produces one notification and
// a result with Error set.
func (w *Watcher) RunHealthCheck(ctx context.Context) HealthCheckResult {
	cfg, _, ok := w.running()
	if !ok {
		return HealthCheckResult{Error: "watcher is not running", ExitCode: -1}
	}

	ctx, span := w.tracer.Start(ctx, "watchdog.health_check",
		trace.WithAttributes(attribute.String("command", cfg.TestCommand)))
	defer span.End()

	start := time.Now()
	output, exitCode, err := w.opts.TestRunner.Run(ctx, w.opts.ProjectDir, cfg.TestCommand)
	res := HealthCheckResult{Duration: time.Since(start), ExitCode: exitCode}
	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "test command failed to run")
		w.logger.Warn("health check could not run", "command", cfg.TestCommand, "error", err)
		w.notifier.Notify(notify.Notification{
			Title:   "Health check could not run",
			Message: fmt.Sprintf("%s: %v", cfg.TestCommand, err),
			Urgency: notify.UrgencyLow,
		})
		w.opts.Metrics.ObserveHealthCheck(false, 0)
		return res
	}

	result, created := w.testMon.HandleTestRun(ctx, output, types.PriorityCritical)
	res.FailedTests = result.FailedTests
	res.FailureCount = max(result.FailedCount, len(result.FailedTests))
	res.Passed = exitCode == 0 && !result.HasFailures
	span.SetAttributes(
		attribute.Bool("passed", res.Passed),
		attribute.Int("failures", res.FailureCount),
		attribute.Int("tasks_created", len(created)),
	)
	w.opts.Metrics.ObserveHealthCheck(res.Passed, res.FailureCount)

	if !res.Passed {
		msg := fmt.Sprintf("%d failing tests", res.FailureCount)
		if len(res.FailedTests) > 0 {
			msg += ": " + strings.Join(firstN(res.FailedTests, 5), ", ")
		} else if res.FailureCount == 0 {
			msg = fmt.Sprintf("%s exited with code %d", cfg.TestCommand, exitCode)
		}
		w.notifier.Notify(notify.Notification{
			Title:   "Health check failed",
			Message: msg,
			Urgency: notify.UrgencyCritical,
		})
	}
	w.logger.Info("health check finished",
		"passed", res.Passed,
		"failures", res.FailureCount,
		"exit_code", exitCode,
		"duration", res.Duration)
	return res
}

// HandleLogLine feeds one agent log line to the log monitor.
func (w *Watcher) HandleLogLine(ctx context.Context, line string) []*types.Task {
	cfg, _, ok := w.running()
	if !ok || !cfg.Monitors.Logs {
		return nil
	}
	return w.logMon.HandleLine(ctx, line)
}

// HandleTestOutput feeds the output of a test run to the test monitor.
// Failures found this way are queued at high priority.
func (w *Watcher) HandleTestOutput(ctx context.Context, raw string) (monitor.TestResult, []*types.Task) {
	cfg, _, ok := w.running()
	if !ok || !cfg.Monitors.Tests {
		return monitor.TestResult{}, nil
	}
	return w.testMon.HandleTestRun(ctx, raw, types.PriorityHigh)
}

// HandleCIRun feeds one CI run result to the git monitor.
func (w *Watcher) HandleCIRun(ctx context.Context, run git.CIRun) *types.Task {
	if _, _, ok := w.running(); !ok || w.gitMon == nil {
		return nil
	}
	return w.gitMon.HandleCIRun(ctx, run)
}

// HandlePushOutput feeds the output of a git push to the git monitor.
func (w *Watcher) HandlePushOutput(ctx context.Context, output string) *types.Task {
	if _, _, ok := w.running(); !ok || w.gitMon == nil {
		return nil
	}
	return w.gitMon.HandlePushOutput(ctx, output)
}

// AnalyzeNow runs a health analysis immediately.
func (w *Watcher) AnalyzeNow(ctx context.Context) (health.WorkflowAnalysis, error) {
	if _, _, ok := w.running(); !ok {
		return health.WorkflowAnalysis{}, fmt.Errorf("watcher is not running")
	}
	analysis, _, err := w.bridge.RunNow(ctx)
	return analysis, err
}

// Queue returns the live queue, or nil when the watcher is not running.
func (w *Watcher) Queue() *queue.Queue {
	_, q, _ := w.running()
	return q
}

// State returns the lifecycle state
func (w *Watcher) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Status returns a snapshot of the watcher
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := Status{
		State:        w.state.String(),
		ProjectDir:   w.opts.ProjectDir,
		StartedAt:    w.startedAt,
		EntriesSeen:  w.window.Total(),
		LastActivity: w.window.LastActivity(),
		Advisory:     w.advisor != nil,
	}
	if w.cfg != nil {
		s.Monitors = w.cfg.Monitors
	}
	if w.queue != nil && w.state == StateRunning {
		stats := w.queue.Stats()
		s.Queue = &stats
	}
	if w.control != nil && w.control.IsRunning() {
		s.ControlSocket = w.control.SocketPath()
	}
	if w.bridge != nil {
		if a, ok := w.bridge.Latest(); ok {
			s.Health = string(a.Health)
			s.Summary = a.Summary()
			s.LastAnalysisAt = a.AnalyzedAt
		}
	}
	return s
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
