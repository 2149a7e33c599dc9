package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/steveyegge/overseer/internal/types"
)

// Test frameworks recognized by AnalyzeTestOutput
const (
	FrameworkGo     = "go"
	FrameworkPytest = "pytest"
	FrameworkJest   = "jest"
)

const (
	// CoverageDropThreshold is the drop in percentage points that raises a
	// coverage_drop task.
	CoverageDropThreshold = 5.0
	flakeHistorySize      = 5
)

// TestResult is the parsed summary of one test run.
type TestResult struct {
	Framework   string   `json:"framework,omitempty"`
	HasFailures bool     `json:"has_failures"`
	FailedTests []string `json:"failed_tests"`
	PassedTests []string `json:"passed_tests,omitempty"`
	FailedCount int      `json:"failed_count"`
	PassedCount int      `json:"passed_count"`
	Coverage    float64  `json:"coverage,omitempty"`
	HasCoverage bool     `json:"has_coverage"`
}

var (
	goFailRe     = regexp.MustCompile(`^\s*--- FAIL: (\S+)`)
	goPassRe     = regexp.MustCompile(`^\s*--- PASS: (\S+)`)
	goPkgFailRe  = regexp.MustCompile(`^FAIL\s+(\S+)\s+(?:\d+(?:\.\d+)?s|\[[^\]]+\])`)
	goPkgOKRe    = regexp.MustCompile(`^ok\s+(\S+)\s+(?:\d|\(cached\)|\[no test files\])`)
	goCoverageRe = regexp.MustCompile(`coverage: (\d+(?:\.\d+)?)% of statements`)

	pyFailedRe   = regexp.MustCompile(`^FAILED (\S+::\S+)`)
	pyPassedRe   = regexp.MustCompile(`^(\S+::\S+) PASSED`)
	pySummaryRe  = regexp.MustCompile(`^=+ .*\b(?:failed|passed)\b.* in [\d.]+s`)
	pyCoverageRe = regexp.MustCompile(`^TOTAL\s+.*\s(\d+(?:\.\d+)?)%\s*$`)

	jestFailRe     = regexp.MustCompile(`^\s*[✕×]\s+(.+?)(?:\s+\(\d+(?:\.\d+)?\s*m?s\))?\s*$`)
	jestPassRe     = regexp.MustCompile(`^\s*[✓√]\s+(.+?)(?:\s+\(\d+(?:\.\d+)?\s*m?s\))?\s*$`)
	jestSummaryRe  = regexp.MustCompile(`^\s*Tests:?\s`)
	jestCoverageRe = regexp.MustCompile(`^All files\s*\|\s*(\d+(?:\.\d+)?)`)

	failedCountRe = regexp.MustCompile(`(\d+) failed`)
	passedCountRe = regexp.MustCompile(`(\d+) passed`)
)

type nameSet struct {
	seen  map[string]bool
	names []string
}

func (s *nameSet) add(name string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if name == "" || s.seen[name] {
		return
	}
	s.seen[name] = true
	s.names = append(s.names, name)
}

// AnalyzeTestOutput parses Go, pytest and Jest/Vitest output. Failed test
// names are unique and in order of first appearance. Summary lines win over
// counted names when both are present.
func AnalyzeTestOutput(raw string) TestResult {
	var result TestResult
	var failed, passed, failedPkgs, okPkgs nameSet
	summaryFailed, summaryPassed := -1, -1

	setFramework := func(f string) {
		if result.Framework == "" {
			result.Framework = f
		}
	}
	readSummary := func(line string) {
		if m := failedCountRe.FindStringSubmatch(line); m != nil {
			summaryFailed, _ = strconv.Atoi(m[1])
		}
		if m := passedCountRe.FindStringSubmatch(line); m != nil {
			summaryPassed, _ = strconv.Atoi(m[1])
		}
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")

		switch {
		case goFailRe.MatchString(line):
			setFramework(FrameworkGo)
			failed.add(goFailRe.FindStringSubmatch(line)[1])
		case goPassRe.MatchString(line):
			setFramework(FrameworkGo)
			passed.add(goPassRe.FindStringSubmatch(line)[1])
		case goPkgFailRe.MatchString(line):
			setFramework(FrameworkGo)
			failedPkgs.add(goPkgFailRe.FindStringSubmatch(line)[1])
		case goPkgOKRe.MatchString(line):
			setFramework(FrameworkGo)
			okPkgs.add(goPkgOKRe.FindStringSubmatch(line)[1])
		case pyFailedRe.MatchString(line):
			setFramework(FrameworkPytest)
			failed.add(pyFailedRe.FindStringSubmatch(line)[1])
		case pyPassedRe.MatchString(line):
			setFramework(FrameworkPytest)
			passed.add(pyPassedRe.FindStringSubmatch(line)[1])
		case pySummaryRe.MatchString(line):
			setFramework(FrameworkPytest)
			readSummary(line)
		case jestFailRe.MatchString(line):
			setFramework(FrameworkJest)
			failed.add(jestFailRe.FindStringSubmatch(line)[1])
		case jestPassRe.MatchString(line):
			setFramework(FrameworkJest)
			passed.add(jestPassRe.FindStringSubmatch(line)[1])
		case jestSummaryRe.MatchString(line):
			setFramework(FrameworkJest)
			readSummary(line)
		}

		for _, re := range []*regexp.Regexp{goCoverageRe, pyCoverageRe, jestCoverageRe} {
			if m := re.FindStringSubmatch(line); m != nil {
				if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
					result.Coverage = pct
					result.HasCoverage = true
				}
			}
		}
	}

	// A package that failed without any named test (build failure, panic in
	// init) is reported under its package path.
	if len(failed.names) == 0 {
		for _, pkg := range failedPkgs.names {
			failed.add(pkg)
		}
	}

	result.FailedTests = failed.names
	if result.FailedTests == nil {
		result.FailedTests = []string{}
	}
	result.PassedTests = passed.names

	result.FailedCount = len(failed.names)
	if summaryFailed >= 0 {
		result.FailedCount = summaryFailed
	}
	result.PassedCount = len(passed.names)
	if result.PassedCount == 0 && len(okPkgs.names) > 0 {
		result.PassedCount = len(okPkgs.names)
	}
	if summaryPassed >= 0 {
		result.PassedCount = summaryPassed
	}

	result.HasFailures = result.FailedCount > 0 || len(result.FailedTests) > 0
	return result
}

// TestMonitor turns test runs into tasks and tracks per-test history to spot
// flaky tests and coverage regressions.
type TestMonitor struct {
	mu           sync.Mutex
	sink         TaskSink
	history      map[string][]bool
	lastCoverage *float64
	testCommand  string
	logger       *slog.Logger
}

// NewTestMonitor creates a test monitor. testCommand is only used in prompts.
func NewTestMonitor(sink TaskSink, testCommand string, logger *slog.Logger) *TestMonitor {
	return &TestMonitor{
		sink:        sink,
		history:     make(map[string][]bool),
		testCommand: testCommand,
		logger:      loggerOrDefault(logger, "test-monitor"),
	}
}

// HandleTestRun parses raw, updates history and enqueues at most one task per
// failing test at the given priority. Below critical priority, a test whose
// history alternates fail, pass, fail is reported once as flaky at low
// priority instead.
func (m *TestMonitor) HandleTestRun(ctx context.Context, raw string, priority types.Priority) (TestResult, []*types.Task) {
	if !priority.IsValid() {
		priority = types.PriorityMedium
	}
	result := AnalyzeTestOutput(raw)

	m.mu.Lock()
	// Only tests the output names as passed count as passes. A test missing
	// from this run may simply not have been run.
	for _, name := range result.PassedTests {
		m.record(name, true)
	}

	var inputs []types.CreateTaskInput
	for _, name := range result.FailedTests {
		m.record(name, false)
		// Startup failures are always reported at full priority.
		if runs := m.history[name]; priority != types.PriorityCritical && isFlaky(runs) {
			inputs = append(inputs, flakyTask(name, runs))
			continue
		}
		inputs = append(inputs, m.failureTask(name, result, priority, raw))
	}

	if result.HasCoverage {
		if m.lastCoverage != nil && *m.lastCoverage-result.Coverage >= CoverageDropThreshold {
			inputs = append(inputs, coverageTask(*m.lastCoverage, result.Coverage))
		}
		cov := result.Coverage
		m.lastCoverage = &cov
	}
	m.mu.Unlock()

	var created []*types.Task
	for _, in := range inputs {
		if task, _ := Enqueue(ctx, m.sink, m.logger, in); task != nil {
			created = append(created, task)
		}
	}
	m.logger.Info("test run analyzed",
		"framework", result.Framework,
		"failed", result.FailedCount,
		"passed", result.PassedCount,
		"tasks_created", len(created))
	return result, created
}

// record appends an outcome (true = pass) to the test's bounded history.
// Callers hold m.mu.
func (m *TestMonitor) record(name string, pass bool) {
	runs := append(m.history[name], pass)
	if len(runs) > flakeHistorySize {
		runs = runs[len(runs)-flakeHistorySize:]
	}
	m.history[name] = runs
}

// isFlaky reports whether the history ends in a failure that was preceded by
// a pass that was itself preceded by a failure.
func isFlaky(runs []bool) bool {
	if len(runs) < 3 || runs[len(runs)-1] {
		return false
	}
	sawPass := false
	for i := len(runs) - 2; i >= 0; i-- {
		if runs[i] {
			sawPass = true
		} else if sawPass {
			return true
		}
	}
	return false
}

func (m *TestMonitor) failureTask(name string, result TestResult, priority types.Priority, raw string) types.CreateTaskInput {
	prompt := fmt.Sprintf("Test %s is failing. Reproduce it, find the cause and make it pass without weakening the test.", name)
	if m.testCommand != "" {
		prompt += fmt.Sprintf(" Run `%s` to verify.", m.testCommand)
	}
	return types.CreateTaskInput{
		Priority:       priority,
		Source:         types.SourceTestMonitor,
		AnomalyType:    types.AnomalyTestFailure,
		Prompt:         prompt,
		SuggestedAgent: AgentTestFixer,
		Context: &types.TestFailureContext{
			TestName:    name,
			FailedCount: result.FailedCount,
			PassedCount: result.PassedCount,
			Excerpt:     excerptFor(raw, name),
			FromStartup: priority == types.PriorityCritical,
			TestCommand: m.testCommand,
		},
		DedupKey: "test:failure:" + name,
	}
}

func flakyTask(name string, runs []bool) types.CreateTaskInput {
	fails, passes := 0, 0
	for _, pass := range runs {
		if pass {
			passes++
		} else {
			fails++
		}
	}
	return types.CreateTaskInput{
		Priority:    types.PriorityLow,
		Source:      types.SourceTestMonitor,
		AnomalyType: types.AnomalyTestFlaky,
		Prompt: fmt.Sprintf("Test %s alternates between passing and failing (%d failures, %d passes in the last %d runs). "+
			"Find the source of nondeterminism and stabilize it.", name, fails, passes, len(runs)),
		SuggestedAgent: AgentTestFixer,
		Context: &types.TestFlakyContext{
			TestName:  name,
			Failures:  fails,
			Passes:    passes,
			RunWindow: len(runs),
		},
		DedupKey: "test:flaky:" + name,
	}
}

func coverageTask(previous, current float64) types.CreateTaskInput {
	return types.CreateTaskInput{
		Priority:    types.PriorityMedium,
		Source:      types.SourceTestMonitor,
		AnomalyType: types.AnomalyCoverageDrop,
		Prompt: fmt.Sprintf("Test coverage dropped from %.1f%% to %.1f%%. "+
			"Add tests for the code introduced since the previous run.", previous, current),
		SuggestedAgent: AgentTestFixer,
		Context: &types.CoverageDropContext{
			PreviousPercent: previous,
			CurrentPercent:  current,
		},
		DedupKey: "test:coverage_drop",
	}
}

// excerptFor returns a few lines of output around the first mention of name.
func excerptFor(raw, name string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		if !strings.Contains(line, name) {
			continue
		}
		end := i + 8
		if end > len(lines) {
			end = len(lines)
		}
		return truncate(strings.Join(lines[i:end], "\n"), 1000)
	}
	return ""
}
