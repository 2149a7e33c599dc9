package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/overseer/internal/git"
	"github.com/steveyegge/overseer/internal/storage"
	"github.com/steveyegge/overseer/internal/types"
)

// fakeSink records enqueued inputs. Every enqueued dedup key stays open.
type fakeSink struct {
	mu     sync.Mutex
	inputs []types.CreateTaskInput
	open   map[string]bool
	fail   bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{open: make(map[string]bool)}
}

func (s *fakeSink) Enqueue(ctx context.Context, in types.CreateTaskInput) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if s.fail {
		return nil, errors.New("store unavailable")
	}
	s.inputs = append(s.inputs, in)
	if in.DedupKey != "" {
		s.open[in.DedupKey] = true
	}
	return &types.Task{
		ID:          fmt.Sprintf("task-%d", len(s.inputs)),
		Priority:    in.Priority,
		Source:      in.Source,
		AnomalyType: in.AnomalyType,
		Prompt:      in.Prompt,
		Context:     in.Context,
		Status:      types.StatusPending,
		DedupKey:    in.DedupKey,
	}, nil
}

func (s *fakeSink) HasOpen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[key]
}

func (s *fakeSink) close(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, key)
}

func (s *fakeSink) byType(a types.AnomalyType) []types.CreateTaskInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.CreateTaskInput
	for _, in := range s.inputs {
		if in.AnomalyType == a {
			out = append(out, in)
		}
	}
	return out
}

func TestLogMonitorLoopEnqueuedOncePerRun(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink()
	m := NewLogMonitor(sink, 3, nil)

	for i := 0; i < 6; i++ {
		m.HandleLine(ctx, fmt.Sprintf("Running tests attempt %d", i))
	}
	loops := sink.byType(types.AnomalyAgentLoop)
	require.Len(t, loops, 1)
	assert.Equal(t, types.PriorityHigh, loops[0].Priority)
	ctxLoop, ok := loops[0].Context.(*types.AgentLoopContext)
	require.True(t, ok)
	assert.Equal(t, 3, ctxLoop.RepeatCount)

	// Break the run, close the task, and loop again: a new task is created.
	m.HandleLine(ctx, "editing main.go")
	sink.close(loops[0].DedupKey)
	for i := 0; i < 3; i++ {
		m.HandleLine(ctx, fmt.Sprintf("Running tests attempt %d", i))
	}
	assert.Len(t, sink.byType(types.AnomalyAgentLoop), 2)
}

func TestLogMonitorErrors(t *testing.T) {
	tests := []struct {
		line     string
		anomaly  types.AnomalyType
		priority types.Priority
	}{
		{"panic: nil map write", types.AnomalyException, types.PriorityHigh},
		{"TypeError: cannot read property 'x' of undefined", types.AnomalyException, types.PriorityHigh},
		{"fatal: refusing to merge unrelated histories", types.AnomalyAgentError, types.PriorityHigh},
		{"cmd/main.go:10: error: missing return", types.AnomalyAgentError, types.PriorityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			sink := newFakeSink()
			m := NewLogMonitor(sink, 3, nil)
			created := m.HandleLine(context.Background(), tt.line)
			require.Len(t, created, 1)
			assert.Equal(t, tt.anomaly, created[0].AnomalyType)
			assert.Equal(t, tt.priority, created[0].Priority)
		})
	}
}

func TestLogMonitorSuppressesOpenErrors(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink()
	m := NewLogMonitor(sink, 3, nil)

	assert.Len(t, m.HandleLine(ctx, "error: connection refused on port 5432"), 1)
	m.HandleLine(ctx, "retrying")
	assert.Empty(t, m.HandleLine(ctx, "error: connection refused on port 5433"))
	assert.Len(t, sink.byType(types.AnomalyAgentError), 1)
}

func TestLogMonitorIgnoresBlankLinesAndStoreErrors(t *testing.T) {
	sink := newFakeSink()
	m := NewLogMonitor(sink, 3, nil)
	assert.Empty(t, m.HandleLine(context.Background(), "   "))

	sink.fail = true
	assert.Empty(t, m.HandleLine(context.Background(), "panic: boom"))
}

const goOutput = `=== RUN   TestAdd
--- PASS: TestAdd (0.00s)
=== RUN   TestSub
    math_test.go:12: expected 1, got 2
--- FAIL: TestSub (0.00s)
=== RUN   TestDiv
--- FAIL: TestDiv (0.00s)
--- FAIL: TestSub (0.00s)
FAIL
coverage: 71.4% of statements
FAIL	example.com/math	0.005s
ok  	example.com/strings	0.003s
`

const pytestOutput = `tests/test_api.py::test_get PASSED
tests/test_api.py::test_post FAILED
FAILED tests/test_api.py::test_post - AssertionError: 500 != 201
FAILED tests/test_db.py::test_migrate - OperationalError
TOTAL                      200     30    85%
========================= 2 failed, 10 passed in 1.52s =========================
`

const jestOutput = `PASS src/add.test.js
FAIL src/sub.test.js
  ✓ adds numbers (3 ms)
  ✕ subtracts numbers (5 ms)
  × divides numbers
Tests:       2 failed, 5 passed, 7 total
All files |   64.2 |     50 |   70 |   64.2 |
`

func TestAnalyzeTestOutput(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		framework string
		failed    []string
		failCount int
		passCount int
		coverage  float64
	}{
		{"go", goOutput, FrameworkGo, []string{"TestSub", "TestDiv"}, 2, 1, 71.4},
		{"pytest", pytestOutput, FrameworkPytest, []string{"tests/test_api.py::test_post", "tests/test_db.py::test_migrate"}, 2, 10, 85},
		{"jest", jestOutput, FrameworkJest, []string{"subtracts numbers", "divides numbers"}, 2, 5, 64.2},
		{"go build failure", "# example.com/x\n./x.go:3:1: syntax error\nFAIL\texample.com/x [build failed]\n", FrameworkGo, []string{"example.com/x"}, 1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := AnalyzeTestOutput(tt.raw)
			assert.Equal(t, tt.framework, r.Framework)
			assert.True(t, r.HasFailures)
			assert.Equal(t, tt.failed, r.FailedTests)
			assert.Equal(t, tt.failCount, r.FailedCount)
			assert.Equal(t, tt.passCount, r.PassedCount)
			if tt.coverage > 0 {
				assert.True(t, r.HasCoverage)
				assert.InDelta(t, tt.coverage, r.Coverage, 1e-9)
			}
		})
	}
}

func TestAnalyzeTestOutputPassing(t *testing.T) {
	r := AnalyzeTestOutput("ok  \texample.com/a\t0.1s\nok  \texample.com/b\t0.2s\n")
	assert.False(t, r.HasFailures)
	assert.Empty(t, r.FailedTests)
	assert.Equal(t, 2, r.PassedCount)

	empty := AnalyzeTestOutput("")
	assert.False(t, empty.HasFailures)
	assert.NotNil(t, empty.FailedTests)
}

func TestTestMonitorOneTaskPerFailingTest(t *testing.T) {
	sink := newFakeSink()
	m := NewTestMonitor(sink, "go test ./...", nil)

	result, created := m.HandleTestRun(context.Background(), goOutput, types.PriorityCritical)
	assert.True(t, result.HasFailures)
	require.Len(t, created, 2)
	for _, task := range created {
		assert.Equal(t, types.PriorityCritical, task.Priority)
		assert.Equal(t, types.AnomalyTestFailure, task.AnomalyType)
	}

	// The same failures are still open on the next run.
	_, created = m.HandleTestRun(context.Background(), goOutput, types.PriorityMedium)
	assert.Empty(t, created)
}

func TestTestMonitorFlakyDetection(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink()
	m := NewTestMonitor(sink, "", nil)

	failing := "--- FAIL: TestRace (0.01s)\nFAIL\n"
	passing := "--- PASS: TestRace (0.01s)\nok  \texample.com/r\t0.1s\n"

	_, created := m.HandleTestRun(ctx, failing, types.PriorityMedium)
	require.Len(t, created, 1)
	assert.Equal(t, types.AnomalyTestFailure, created[0].AnomalyType)
	sink.close("test:failure:TestRace")

	_, created = m.HandleTestRun(ctx, passing, types.PriorityMedium)
	assert.Empty(t, created)

	_, created = m.HandleTestRun(ctx, failing, types.PriorityMedium)
	require.Len(t, created, 1)
	assert.Equal(t, types.AnomalyTestFlaky, created[0].AnomalyType)
	assert.Equal(t, types.PriorityLow, created[0].Priority)
	flaky := created[0].Context.(*types.TestFlakyContext)
	assert.Equal(t, 2, flaky.Failures)
	assert.Equal(t, 1, flaky.Passes)
}

func TestTestMonitorAbsentTestIsNotAPass(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink()
	m := NewTestMonitor(sink, "go test ./...", nil)

	_, created := m.HandleTestRun(ctx, "--- FAIL: TestA (0.01s)\nFAIL\texample.com/a\t0.1s\n", types.PriorityHigh)
	require.Len(t, created, 1)
	sink.close("test:failure:TestA")

	// A run of another package says nothing about TestA.
	_, created = m.HandleTestRun(ctx, "--- PASS: TestB (0.00s)\nok  \texample.com/b\t0.1s\n", types.PriorityMedium)
	assert.Empty(t, created)

	_, created = m.HandleTestRun(ctx, "--- FAIL: TestA (0.01s)\nFAIL\texample.com/a\t0.1s\n", types.PriorityMedium)
	require.Len(t, created, 1)
	assert.Equal(t, types.AnomalyTestFailure, created[0].AnomalyType)
	assert.Equal(t, types.PriorityMedium, created[0].Priority)
}

func TestTestMonitorStartupFailureIsNeverFlaky(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink()
	m := NewTestMonitor(sink, "go test ./...", nil)

	failing := "--- FAIL: TestA (0.01s)\nFAIL\n"
	passing := "--- PASS: TestA (0.01s)\nok  \texample.com/a\t0.1s\n"

	_, created := m.HandleTestRun(ctx, failing, types.PriorityHigh)
	require.Len(t, created, 1)
	sink.close("test:failure:TestA")
	m.HandleTestRun(ctx, passing, types.PriorityMedium)

	_, created = m.HandleTestRun(ctx, failing, types.PriorityCritical)
	require.Len(t, created, 1)
	assert.Equal(t, types.AnomalyTestFailure, created[0].AnomalyType)
	assert.Equal(t, types.PriorityCritical, created[0].Priority)
	assert.True(t, created[0].Context.(*types.TestFailureContext).FromStartup)
}

func TestIsFlaky(t *testing.T) {
	tests := []struct {
		runs []bool
		want bool
	}{
		{[]bool{false, true, false}, true},
		{[]bool{false, true, true, false}, true},
		{[]bool{true, false, false}, false},
		{[]bool{false, false, false}, false},
		{[]bool{false, true}, false},
		{[]bool{false, true, false, true}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isFlaky(tt.runs), "%v", tt.runs)
	}
}

func TestTestMonitorCoverageDrop(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink()
	m := NewTestMonitor(sink, "", nil)

	m.HandleTestRun(ctx, "ok  \tp\t0.1s\tcoverage: 80.0% of statements\n", types.PriorityMedium)
	_, created := m.HandleTestRun(ctx, "ok  \tp\t0.1s\tcoverage: 77.0% of statements\n", types.PriorityMedium)
	assert.Empty(t, created)

	_, created = m.HandleTestRun(ctx, "ok  \tp\t0.1s\tcoverage: 70.5% of statements\n", types.PriorityMedium)
	require.Len(t, created, 1)
	assert.Equal(t, types.AnomalyCoverageDrop, created[0].AnomalyType)
	assert.Equal(t, types.PriorityMedium, created[0].Priority)
	drop := created[0].Context.(*types.CoverageDropContext)
	assert.InDelta(t, 77.0, drop.PreviousPercent, 1e-9)
	assert.InDelta(t, 70.5, drop.CurrentPercent, 1e-9)
}

func TestGitMonitorHandleCIRun(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink()
	m := NewGitMonitor(sink, nil, ".", nil)

	assert.Nil(t, m.HandleCIRun(ctx, git.CIRun{ID: "1", Status: "completed", Conclusion: "success"}))
	assert.Nil(t, m.HandleCIRun(ctx, git.CIRun{ID: "2", Status: "in_progress"}))

	task := m.HandleCIRun(ctx, git.CIRun{ID: "3", Workflow: "CI", Branch: "main", Status: "completed", Conclusion: "timed_out"})
	require.NotNil(t, task)
	assert.Equal(t, types.AnomalyCIFailure, task.AnomalyType)
	assert.Equal(t, types.PriorityHigh, task.Priority)

	sink.close("ci:3")
	assert.Nil(t, m.HandleCIRun(ctx, git.CIRun{ID: "3", Status: "completed", Conclusion: "timed_out"}))
}

func TestGitMonitorHandlePRChecks(t *testing.T) {
	sink := newFakeSink()
	m := NewGitMonitor(sink, nil, ".", nil)
	raw := "build\tfail\t1m\thttps://ci.test/1\nlint\tpass\t5s\thttps://ci.test/2\ne2e\tpending\t0\t\nsecurity\tcancel\t2s\thttps://ci.test/3\tcancelled by user\n"

	created := m.HandlePRChecks(context.Background(), 42, raw)
	require.Len(t, created, 2)
	first := created[0].Context.(*types.PRCheckFailedContext)
	assert.Equal(t, "build", first.CheckName)
	assert.Equal(t, 42, first.PRNumber)
	assert.Equal(t, "https://ci.test/1", first.URL)

	assert.Empty(t, m.HandlePRChecks(context.Background(), 42, raw))
}

func TestParsePushOutput(t *testing.T) {
	tests := []struct {
		name   string
		output string
		ok     bool
		branch string
		reason string
	}{
		{"rejected", "To github.com:o/r.git\n ! [rejected]        main -> main (fetch first)\nerror: failed to push some refs to 'github.com:o/r.git'\n", true, "main", "fetch first"},
		{"remote rejected", " ! [remote rejected] feat -> feat (pre-receive hook declined)\n", true, "feat", "pre-receive hook declined"},
		{"auth", "fatal: Authentication failed for 'https://github.com/o/r.git/'\n", true, "", "Authentication failed for 'https://github.com/o/r.git/'"},
		{"success", "To github.com:o/r.git\n   abc123..def456  main -> main\n", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf, ok := ParsePushOutput(tt.output)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.branch, pf.Branch)
			assert.Equal(t, tt.reason, pf.Reason)
		})
	}
}

func TestGitMonitorHandlePushOutput(t *testing.T) {
	sink := newFakeSink()
	m := NewGitMonitor(sink, nil, ".", nil)
	task := m.HandlePushOutput(context.Background(), " ! [rejected]        main -> main (non-fast-forward)\nerror: failed to push some refs to 'origin'\n")
	require.NotNil(t, task)
	assert.Equal(t, types.AnomalyPushFailed, task.AnomalyType)
	pf := task.Context.(*types.PushFailedContext)
	assert.Equal(t, "origin", pf.Remote)
	assert.Equal(t, "non-fast-forward", pf.Reason)

	assert.Nil(t, m.HandlePushOutput(context.Background(), "Everything up-to-date"))
}

type fakeOps struct {
	runs    []git.CIRun
	pr      int
	checks  string
	prErr   error
	runsErr error
}

func (f *fakeOps) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return "main", nil
}

func (f *fakeOps) GetStatus(ctx context.Context, repoPath string) (*git.Status, error) {
	return &git.Status{}, nil
}

func (f *fakeOps) ListRuns(ctx context.Context, repoPath, branch string, limit int) ([]git.CIRun, error) {
	return f.runs, f.runsErr
}

func (f *fakeOps) PRChecks(ctx context.Context, repoPath string) (int, string, error) {
	return f.pr, f.checks, f.prErr
}

func TestGitMonitorPoll(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{
		runs: []git.CIRun{
			{ID: "9", Workflow: "CI", Branch: "main", Status: "completed", Conclusion: "failure"},
			{ID: "8", Workflow: "CI", Branch: "main", Status: "completed", Conclusion: "success"},
		},
		pr:     7,
		checks: "unit\tfail\t3s\thttps://ci.test/u\n",
	}
	sink := newFakeSink()
	m := NewGitMonitor(sink, ops, ".", nil)

	created := m.Poll(ctx)
	assert.Len(t, created, 2)
	assert.Empty(t, m.Poll(ctx))

	ops.prErr = git.ErrNoPullRequest
	ops.runsErr = errors.New("gh: not logged in")
	ops.runs = nil
	assert.Empty(t, m.Poll(ctx))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"aéb", 2, "a..."},
		{"日本語", 4, "日..."},
		{"é", 1, "..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.max)
		assert.Equal(t, tt.want, got, "truncate(%q, %d)", tt.in, tt.max)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestMultiByteTaskSurvivesStore(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink()
	m := NewLogMonitor(sink, 3, nil)

	line := "error: " + strings.Repeat("a", 292) + strings.Repeat("é", 10)
	created := m.HandleLine(ctx, line)
	require.Len(t, created, 1)
	task := created[0]
	assert.True(t, utf8.ValidString(task.Prompt))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task.ID = types.NewTaskID(now)
	task.CreatedAt, task.UpdatedAt = now, now

	store, err := storage.Open(storage.BackendJSON, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveTasks(ctx, []*types.Task{task}))
	loaded, err := store.LoadTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*types.Task{task}, loaded)
}

// flakySink fails the first failures calls to Enqueue.
type flakySink struct {
	*fakeSink
	failures int
}

func (s *flakySink) Enqueue(ctx context.Context, in types.CreateTaskInput) (*types.Task, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("disk full")
	}
	return s.fakeSink.Enqueue(ctx, in)
}

func TestGitMonitorRetriesAfterFailedEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("pr checks", func(t *testing.T) {
		sink := &flakySink{fakeSink: newFakeSink(), failures: 1}
		m := NewGitMonitor(sink, nil, ".", nil)
		raw := "lint\tfail\t4s\thttps://ci.test/run/1\n"

		assert.Empty(t, m.HandlePRChecks(ctx, 7, raw))
		assert.Len(t, m.HandlePRChecks(ctx, 7, raw), 1, "reported once the store recovers")
		assert.Empty(t, m.HandlePRChecks(ctx, 7, raw))
	})

	t.Run("ci run", func(t *testing.T) {
		sink := &flakySink{fakeSink: newFakeSink(), failures: 1}
		m := NewGitMonitor(sink, nil, ".", nil)
		run := git.CIRun{ID: "11", Workflow: "CI", Branch: "main", Status: "completed", Conclusion: "failure"}

		assert.Nil(t, m.HandleCIRun(ctx, run))
		assert.NotNil(t, m.HandleCIRun(ctx, run))
		assert.Nil(t, m.HandleCIRun(ctx, run))
	})
}

func TestGitMonitorReportsCheckFailingAgain(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink()
	m := NewGitMonitor(sink, nil, ".", nil)

	require.Len(t, m.HandlePRChecks(ctx, 7, "lint\tfail\t4s\thttps://ci.test/run/1\n"), 1)
	sink.close("pr:7:check:lint")

	// A new push runs the check again under a new link.
	assert.Len(t, m.HandlePRChecks(ctx, 7, "lint\tfail\t5s\thttps://ci.test/run/2\n"), 1)
	sink.close("pr:7:check:lint")

	// Passing clears the check, so the same link failing later is reported.
	assert.Empty(t, m.HandlePRChecks(ctx, 7, "lint\tpass\t3s\thttps://ci.test/run/3\n"))
	assert.Len(t, m.HandlePRChecks(ctx, 7, "lint\tfail\t5s\thttps://ci.test/run/2\n"), 1)
}
