package watchdog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/overseer/internal/ai"
	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/health"
	"github.com/steveyegge/overseer/internal/metrics"
	"github.com/steveyegge/overseer/internal/queue"
	"github.com/steveyegge/overseer/internal/types"
)

func filledWindow(n int) *ActivityWindow {
	w := NewActivityWindow(DefaultWindowSize)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		w.Record(events.ParsedLogEntry{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Cmd:       "build",
			Phase:     "GREEN",
			Event:     events.EventMilestone,
			Data:      map[string]any{"name": fmt.Sprintf("edit %d", i)},
		})
	}
	return w
}

type advisorFixture struct {
	advisor  *Advisor
	detector *fakeDetector
	queue    *queue.Queue
	recorder *metrics.Recorder
}

func newAdvisorFixture(t *testing.T, window *ActivityWindow, interval time.Duration) *advisorFixture {
	t.Helper()
	f := &advisorFixture{
		detector: &fakeDetector{},
		queue:    newTestQueue(t),
		recorder: metrics.NewRecorder(),
	}
	a, err := NewAdvisor(&AdvisorConfig{
		Detector:  f.detector,
		Sink:      f.queue,
		Window:    window,
		Threshold: 0.7,
		Interval:  interval,
		Model:     "test-model",
		Metrics:   f.recorder,
		Logger:    quietLogger(),
		Now:       func() time.Time { return bridgeNow },
	})
	require.NoError(t, err)
	f.advisor = a
	t.Cleanup(a.Wait)
	return f
}

// assertOutcome checks that exactly one advisory pass was recorded, with outcome.
func (f *advisorFixture) assertOutcome(t *testing.T, outcome string) {
	t.Helper()
	expected := fmt.Sprintf(`# HELP overseer_advisory_calls_total Advisory model passes by outcome
# TYPE overseer_advisory_calls_total counter
overseer_advisory_calls_total{outcome=%q} 1
`, outcome)
	assert.NoError(t, testutil.GatherAndCompare(f.recorder.Registry(), strings.NewReader(expected),
		"overseer_advisory_calls_total"))
}

func TestNewAdvisorValidation(t *testing.T) {
	q := newTestQueue(t)
	tests := []struct {
		name string
		cfg  *AdvisorConfig
	}{
		{"nil config", nil},
		{"no detector", &AdvisorConfig{Sink: q, Window: NewActivityWindow(0)}},
		{"no sink", &AdvisorConfig{Detector: &fakeDetector{}, Window: NewActivityWindow(0)}},
		{"no window", &AdvisorConfig{Detector: &fakeDetector{}, Sink: q}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAdvisor(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestAdvisorRun(t *testing.T) {
	tests := []struct {
		name         string
		verdict      *ai.PatternVerdict
		err          error
		wantTask     bool
		wantPriority types.Priority
		wantAgent    string
		outcome      string
	}{
		{
			name:    "nothing unusual",
			verdict: &ai.PatternVerdict{Detected: false},
			outcome: metrics.AdvisoryNoPattern,
		},
		{
			name:    "below threshold",
			verdict: &ai.PatternVerdict{Detected: true, Description: "maybe", Confidence: 0.5},
			outcome: metrics.AdvisoryBelowBar,
		},
		{
			name:         "at threshold",
			verdict:      &ai.PatternVerdict{Detected: true, Description: "edits oscillate", Confidence: 0.7, SuggestedAgent: "test-fixer"},
			wantTask:     true,
			wantPriority: types.PriorityLow,
			wantAgent:    "test-fixer",
			outcome:      metrics.AdvisoryEnqueued,
		},
		{
			name:         "high confidence",
			verdict:      &ai.PatternVerdict{Detected: true, Description: "progress claims without changes", Confidence: 0.93, SuggestedAgent: "wizard"},
			wantTask:     true,
			wantPriority: types.PriorityMedium,
			wantAgent:    "debugger",
			outcome:      metrics.AdvisoryEnqueued,
		},
		{
			name:    "model error",
			err:     errors.New("overloaded"),
			outcome: metrics.AdvisoryError,
		},
		{
			name:    "circuit open",
			err:     fmt.Errorf("%w: 5 failures", ai.ErrCircuitOpen),
			outcome: metrics.AdvisorySkipped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAdvisorFixture(t, filledWindow(3), time.Hour)
			f.detector.verdict = tt.verdict
			f.detector.err = tt.err

			task := f.advisor.Run(context.Background(), health.WorkflowAnalysis{Health: health.VerdictHealthy})
			f.assertOutcome(t, tt.outcome)

			if !tt.wantTask {
				assert.Nil(t, task)
				assert.Empty(t, f.queue.List())
				return
			}
			require.NotNil(t, task)
			assert.Equal(t, types.AnomalyUnusualPattern, task.AnomalyType)
			assert.Equal(t, types.SourceAdvisoryAnalyzer, task.Source)
			assert.Equal(t, tt.wantPriority, task.Priority)
			assert.Equal(t, tt.wantAgent, task.SuggestedAgent)
			ctx, ok := task.Context.(*types.UnusualPatternContext)
			require.True(t, ok)
			assert.Equal(t, tt.verdict.Description, ctx.Description)
			assert.Equal(t, tt.verdict.Confidence, ctx.Confidence)
			assert.Equal(t, "test-model", ctx.Model)
			assert.Equal(t, bridgeNow, ctx.AnalyzedAt)
		})
	}
}

func TestAdvisorRequestCarriesContext(t *testing.T) {
	f := newAdvisorFixture(t, filledWindow(100), time.Hour)
	f.detector.verdict = &ai.PatternVerdict{}

	analysis := health.WorkflowAnalysis{
		Health: health.VerdictWarning,
		Issues: []health.Issue{{Type: health.IssuePhaseStuck, Confidence: 0.8, Message: "GREEN stuck"}},
	}
	f.advisor.Run(context.Background(), analysis)

	require.Equal(t, 1, f.detector.calls())
	req := f.detector.reqs[0]
	assert.Len(t, req.RecentLines, advisoryLines)
	assert.Contains(t, req.RecentLines[len(req.RecentLines)-1], "edit 99")
	assert.Equal(t, analysis.Summary(), req.Summary)
	assert.Equal(t, []string{"phase_stuck (0.80): GREEN stuck"}, req.KnownIssues)
}

func TestAdvisorDuplicatePatternSuppressed(t *testing.T) {
	f := newAdvisorFixture(t, filledWindow(3), time.Hour)
	f.detector.verdict = &ai.PatternVerdict{Detected: true, Description: "same thing", Confidence: 0.8}

	require.NotNil(t, f.advisor.Run(context.Background(), health.WorkflowAnalysis{}))
	assert.Nil(t, f.advisor.Run(context.Background(), health.WorkflowAnalysis{}))
	assert.Len(t, f.queue.List(), 1)
}

func TestAdvisorTriggerRateLimited(t *testing.T) {
	f := newAdvisorFixture(t, filledWindow(3), time.Hour)
	f.detector.verdict = &ai.PatternVerdict{}

	assert.True(t, f.advisor.Trigger(context.Background(), health.WorkflowAnalysis{}))
	f.advisor.Wait()
	assert.False(t, f.advisor.Trigger(context.Background(), health.WorkflowAnalysis{}))
	f.advisor.Wait()
	assert.Equal(t, 1, f.detector.calls())
}

func TestAdvisorTriggerSingleFlight(t *testing.T) {
	f := newAdvisorFixture(t, filledWindow(3), time.Nanosecond)
	f.detector.verdict = &ai.PatternVerdict{}
	f.detector.block = make(chan struct{})

	assert.True(t, f.advisor.Trigger(context.Background(), health.WorkflowAnalysis{}))
	require.Eventually(t, func() bool { return f.detector.calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, f.advisor.Trigger(context.Background(), health.WorkflowAnalysis{}), "a call is in flight")

	close(f.detector.block)
	f.advisor.Wait()
	assert.True(t, f.advisor.Trigger(context.Background(), health.WorkflowAnalysis{}))
	f.advisor.Wait()
	assert.Equal(t, 2, f.detector.calls())
}

func TestAdvisorTriggerNeedsActivity(t *testing.T) {
	f := newAdvisorFixture(t, NewActivityWindow(0), time.Nanosecond)
	assert.False(t, f.advisor.Trigger(context.Background(), health.WorkflowAnalysis{}))
	assert.Equal(t, 0, f.detector.calls())
}
