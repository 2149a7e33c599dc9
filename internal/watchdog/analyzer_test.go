package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/health"
	"github.com/steveyegge/overseer/internal/metrics"
	"github.com/steveyegge/overseer/internal/queue"
	"github.com/steveyegge/overseer/internal/types"
)

func TestIssueTask(t *testing.T) {
	tests := []struct {
		name     string
		issue    health.Issue
		anomaly  types.AnomalyType
		priority types.Priority
		agent    string
		check    func(t *testing.T, ctx types.TaskContext)
	}{
		{
			name: "loop",
			issue: health.Issue{Type: health.IssueLoopDetected, Confidence: 0.95, Message: "milestone repeated",
				Context: map[string]string{"signature": "build/RED/MILESTONE/write test", "repeats": "5", "phase": "RED"}},
			anomaly:  types.AnomalyAgentLoop,
			priority: types.PriorityCritical,
			agent:    "debugger",
			check: func(t *testing.T, ctx types.TaskContext) {
				c := ctx.(*types.AgentLoopContext)
				assert.Equal(t, "build/RED/MILESTONE/write test", c.Signature)
				assert.Equal(t, 5, c.RepeatCount)
				assert.Equal(t, 0.95, c.Confidence)
			},
		},
		{
			name: "phase stuck",
			issue: health.Issue{Type: health.IssuePhaseStuck, Confidence: 0.8, Message: "phase GREEN stuck",
				Context: map[string]string{"cmd": "build", "phase": "GREEN", "elapsed": "6m0s"}},
			anomaly:  types.AnomalyAgentStuck,
			priority: types.PriorityMedium,
			agent:    "debugger",
			check: func(t *testing.T, ctx types.TaskContext) {
				c := ctx.(*types.AgentStuckContext)
				assert.Equal(t, "build", c.Command)
				assert.Equal(t, "GREEN", c.Phase)
				assert.Equal(t, int64(360), c.StalledSeconds)
				assert.Equal(t, "phase_stuck", c.Reason)
			},
		},
		{
			name: "abrupt stop",
			issue: health.Issue{Type: health.IssueAbruptStop, Confidence: 0.85, Message: "stopped",
				Context: map[string]string{"cmd": "build", "milestones": "3", "quiet": "10m0s"}},
			anomaly:  types.AnomalyAgentStuck,
			priority: types.PriorityHigh,
			agent:    "debugger",
			check: func(t *testing.T, ctx types.TaskContext) {
				assert.Equal(t, int64(600), ctx.(*types.AgentStuckContext).LastActivityAgo)
			},
		},
		{
			name: "agent failure",
			issue: health.Issue{Type: health.IssueAgentFailure, Confidence: 0.92, Message: "agent a1 reported failed",
				Context: map[string]string{"agent_id": "a1", "cmd": "build", "phase": "GREEN", "line": "7"}},
			anomaly:  types.AnomalyAgentError,
			priority: types.PriorityCritical,
			agent:    "debugger",
			check: func(t *testing.T, ctx types.TaskContext) {
				c := ctx.(*types.AgentErrorContext)
				assert.Equal(t, "a1", c.AgentID)
				assert.Equal(t, 7, c.Line)
				assert.Equal(t, "agent_failure", c.Pattern)
			},
		},
		{
			name: "chain broken",
			issue: health.Issue{Type: health.IssueChainBroken, Confidence: 0.8, Message: "ship started before build completed",
				Context: map[string]string{"cmd": "ship", "requires": "build", "line": "3"}},
			anomaly:  types.AnomalyRecommendedInvestigation,
			priority: types.PriorityMedium,
			agent:    "",
			check: func(t *testing.T, ctx types.TaskContext) {
				c := ctx.(*types.InvestigationContext)
				assert.Equal(t, "chain_broken", c.IssueType)
				assert.Equal(t, "build", c.Details["requires"])
			},
		},
		{
			name: "repeated iron law",
			issue: health.Issue{Type: health.IssueIronLawRepeated, Confidence: 0.95, Message: "rule violated twice",
				Context: map[string]string{"rule": "no-skip-tests", "count": "2"}},
			anomaly:  types.AnomalyRecommendedInvestigation,
			priority: types.PriorityCritical,
			agent:    "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := IssueTask(tt.issue)
			require.NoError(t, in.Validate())
			assert.Equal(t, tt.anomaly, in.AnomalyType)
			assert.Equal(t, tt.priority, in.Priority)
			assert.Equal(t, types.SourceHealthAnalyzer, in.Source)
			assert.Equal(t, tt.agent, in.SuggestedAgent)
			assert.Contains(t, in.Prompt, tt.issue.Message)
			assert.NotEmpty(t, in.DedupKey)
			if tt.check != nil {
				tt.check(t, in.Context)
			}
		})
	}
}

func TestIssuePriority(t *testing.T) {
	tests := []struct {
		typ        health.IssueType
		confidence float64
		want       types.Priority
	}{
		{health.IssueExplicitFailure, 0.95, types.PriorityCritical},
		{health.IssueLoopDetected, 0.87, types.PriorityHigh},
		{health.IssueLoopDetected, 0.91, types.PriorityCritical},
		{health.IssueTDDViolation, 0.9, types.PriorityHigh},
		{health.IssueAbruptStop, 0.95, types.PriorityHigh},
		{health.IssuePhaseStuck, 0.8, types.PriorityMedium},
		{health.IssueSilence, 0.7, types.PriorityMedium},
	}
	for _, tt := range tests {
		got := IssuePriority(health.Issue{Type: tt.typ, Confidence: tt.confidence})
		assert.Equal(t, tt.want, got, "%s at %.2f", tt.typ, tt.confidence)
	}
}

func TestIssueDedupKey(t *testing.T) {
	tests := []struct {
		name  string
		issue health.Issue
		want  string
	}{
		{
			"identifying keys in order",
			health.Issue{Type: health.IssueExplicitFailure, Context: map[string]string{"line": "12", "phase": "GREEN", "cmd": "build"}},
			"health:explicit_failure:cmd=build:phase=GREEN:line=12",
		},
		{
			"volatile keys ignored",
			health.Issue{Type: health.IssueSilence, Context: map[string]string{"cmd": "build", "quiet": "6m0s"}},
			"health:silence:cmd=build",
		},
		{
			"fallback to sorted keys",
			health.Issue{Type: health.IssueDecliningVelocity, Context: map[string]string{"ratio": "2.5", "gaps": "4"}},
			"health:declining_velocity:gaps=4:ratio=2.5",
		},
		{
			"no context",
			health.Issue{Type: health.IssueSilence},
			"health:silence",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, issueDedupKey(tt.issue))
		})
	}
}

// fixedSource serves entries that tests can swap between analyses.
type fixedSource struct {
	mu      sync.Mutex
	entries []events.ParsedLogEntry
	err     error
	calls   atomic.Int32
}

func (s *fixedSource) set(entries []events.ParsedLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
}

func (s *fixedSource) read() ([]events.ParsedLogEntry, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries, s.err
}

var bridgeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func failedBuild() []events.ParsedLogEntry {
	return []events.ParsedLogEntry{
		{Timestamp: bridgeNow.Add(-time.Minute), Cmd: "build", Event: events.EventStart, Line: 1},
		{Timestamp: bridgeNow.Add(-30 * time.Second), Cmd: "build", Event: events.EventFailed,
			Data: map[string]any{"error": "tests do not compile"}, Line: 2},
	}
}

func newTestBridge(t *testing.T, src *fixedSource, q *queue.Queue, onAnalysis func(context.Context, health.WorkflowAnalysis)) *HealthBridge {
	t.Helper()
	b, err := NewHealthBridge(&HealthBridgeConfig{
		Analyzer:   health.NewAnalyzer(health.DefaultThresholds(5*time.Minute), quietLogger()),
		Source:     src.read,
		Sink:       q,
		Metrics:    metrics.NewRecorder(),
		Logger:     quietLogger(),
		Now:        func() time.Time { return bridgeNow },
		Debounce:   20 * time.Millisecond,
		OnAnalysis: onAnalysis,
	})
	require.NoError(t, err)
	t.Cleanup(b.Stop)
	return b
}

func TestNewHealthBridgeValidation(t *testing.T) {
	q := newTestQueue(t)
	analyzer := health.NewAnalyzer(health.Thresholds{}, nil)
	src := (&fixedSource{}).read

	tests := []struct {
		name string
		cfg  *HealthBridgeConfig
	}{
		{"nil config", nil},
		{"no analyzer", &HealthBridgeConfig{Source: src, Sink: q}},
		{"no source", &HealthBridgeConfig{Analyzer: analyzer, Sink: q}},
		{"no sink", &HealthBridgeConfig{Analyzer: analyzer, Source: src}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHealthBridge(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestHealthBridgeRunNow(t *testing.T) {
	q := newTestQueue(t)
	src := &fixedSource{}
	src.set(failedBuild())

	var analyses []health.WorkflowAnalysis
	b := newTestBridge(t, src, q, func(_ context.Context, a health.WorkflowAnalysis) {
		analyses = append(analyses, a)
	})

	_, ok := b.Latest()
	assert.False(t, ok)

	analysis, created, err := b.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.VerdictCritical, analysis.Health)
	require.Len(t, created, 1)
	assert.Equal(t, types.AnomalyAgentError, created[0].AnomalyType)
	assert.Equal(t, types.PriorityCritical, created[0].Priority)
	require.Len(t, analyses, 1)

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, analysis.Health, latest.Health)

	// The same issue is not reported again while it persists, even after
	// its task is finished.
	_, err = q.UpdateTask(context.Background(), created[0].ID, queue.TaskPatch{Status: types.StatusExecuting})
	require.NoError(t, err)
	_, err = q.UpdateTask(context.Background(), created[0].ID, queue.TaskPatch{Status: types.StatusCompleted})
	require.NoError(t, err)

	_, created, err = b.RunNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)

	// Once it clears and comes back it is reported again.
	src.set(nil)
	_, created, err = b.RunNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)

	src.set(failedBuild())
	_, created, err = b.RunNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

// brokenStore fails Enqueue while down is set.
type brokenStore struct {
	*queue.Queue
	down bool
}

func (s *brokenStore) Enqueue(ctx context.Context, in types.CreateTaskInput) (*types.Task, error) {
	if s.down {
		return nil, errors.New("disk full")
	}
	return s.Queue.Enqueue(ctx, in)
}

func TestHealthBridgeRetriesAfterStoreError(t *testing.T) {
	store := &brokenStore{Queue: newTestQueue(t), down: true}
	src := &fixedSource{}
	src.set(failedBuild())
	b, err := NewHealthBridge(&HealthBridgeConfig{
		Analyzer: health.NewAnalyzer(health.DefaultThresholds(5*time.Minute), quietLogger()),
		Source:   src.read,
		Sink:     store,
		Logger:   quietLogger(),
		Now:      func() time.Time { return bridgeNow },
		Debounce: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(b.Stop)

	_, created, err := b.RunNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)

	store.down = false
	_, created, err = b.RunNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, created, 1, "the issue is reported once the store recovers")
}

func TestHealthBridgeSkipsLowConfidence(t *testing.T) {
	q := newTestQueue(t)
	src := &fixedSource{}
	// build without any plan evidence is only a 0.6 chain_broken
	src.set([]events.ParsedLogEntry{
		{Timestamp: bridgeNow.Add(-time.Second), Cmd: "build", Event: events.EventStart, Line: 1},
	})
	b := newTestBridge(t, src, q, nil)

	analysis, created, err := b.RunNow(context.Background())
	require.NoError(t, err)
	issue, ok := analysis.Issue(health.IssueChainBroken)
	require.True(t, ok)
	assert.Less(t, issue.Confidence, MinIssueConfidence)
	assert.Empty(t, created)
	assert.Empty(t, q.List())
}

func TestHealthBridgeSourceError(t *testing.T) {
	q := newTestQueue(t)
	src := &fixedSource{err: errors.New("permission denied")}
	b := newTestBridge(t, src, q, func(context.Context, health.WorkflowAnalysis) {
		t.Error("no analysis expected")
	})

	_, _, err := b.RunNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	_, ok := b.Latest()
	assert.False(t, ok)
}

func TestHealthBridgeDebounce(t *testing.T) {
	q := newTestQueue(t)
	src := &fixedSource{}
	b := newTestBridge(t, src, q, nil)

	for i := 0; i < 20; i++ {
		b.Notify()
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load(), "notifications are coalesced")

	b.Notify()
	require.Eventually(t, func() bool { return src.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestHealthBridgeStop(t *testing.T) {
	q := newTestQueue(t)
	src := &fixedSource{}
	b := newTestBridge(t, src, q, nil)

	b.Notify()
	b.Stop()
	b.Notify()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), src.calls.Load())
	assert.NotPanics(t, b.Stop)
}
