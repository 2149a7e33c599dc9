package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/steveyegge/overseer/internal/rules"
	"github.com/steveyegge/overseer/internal/types"
)

const minLogWindow = 20

// LogMonitor watches raw agent output one line at a time.
type LogMonitor struct {
	mu         sync.Mutex
	engine     *rules.Engine
	sink       TaskSink
	threshold  int
	window     []string
	windowSize int
	// reportedLoop is the signature of the loop run already turned into a
	// task. It clears when the run breaks.
	reportedLoop string
	logger       *slog.Logger
}

// NewLogMonitor creates a log monitor. A threshold below 2 uses the rule
// engine default.
func NewLogMonitor(sink TaskSink, threshold int, logger *slog.Logger) *LogMonitor {
	if threshold < 2 {
		threshold = rules.DefaultLoopThreshold
	}
	size := threshold * 4
	if size < minLogWindow {
		size = minLogWindow
	}
	return &LogMonitor{
		engine:     rules.NewEngine(),
		sink:       sink,
		threshold:  threshold,
		windowSize: size,
		logger:     loggerOrDefault(logger, "log-monitor"),
	}
}

// HandleLine adds line to the sliding window, evaluates it and enqueues a
// task for each new match. It returns the tasks created.
func (m *LogMonitor) HandleLine(ctx context.Context, line string) []*types.Task {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}

	m.mu.Lock()
	m.window = append(m.window, line)
	if len(m.window) > m.windowSize {
		m.window = m.window[len(m.window)-m.windowSize:]
	}
	matches := m.engine.Evaluate(m.window, m.threshold)

	var inputs []types.CreateTaskInput
	sawLoop := false
	for _, match := range matches {
		if match.Rule == rules.RuleLoop {
			sawLoop = true
			if match.Signature == m.reportedLoop {
				continue
			}
			m.reportedLoop = match.Signature
			inputs = append(inputs, loopTask(match))
			continue
		}
		inputs = append(inputs, errorTask(match))
	}
	if !sawLoop {
		m.reportedLoop = ""
	}
	m.mu.Unlock()

	var created []*types.Task
	for _, in := range inputs {
		if task, _ := Enqueue(ctx, m.sink, m.logger, in); task != nil {
			created = append(created, task)
		}
	}
	return created
}

func loopTask(match rules.Match) types.CreateTaskInput {
	return types.CreateTaskInput{
		Priority:    types.PriorityHigh,
		Source:      types.SourceLogMonitor,
		AnomalyType: types.AnomalyAgentLoop,
		Prompt: fmt.Sprintf("The agent repeated the same action %d times in a row (%q). "+
			"Find out why it is not making progress and break the loop.", match.RepeatCount, truncate(match.Line, 200)),
		SuggestedAgent: AgentDebugger,
		Context: &types.AgentLoopContext{
			Signature:   match.Signature,
			RepeatCount: match.RepeatCount,
			Excerpt:     truncate(match.Line, 500),
			Confidence:  match.Confidence,
		},
		DedupKey: "log:loop:" + match.Signature,
	}
}

func errorTask(match rules.Match) types.CreateTaskInput {
	location := ""
	if match.File != "" {
		location = fmt.Sprintf(" at %s:%d", match.File, match.LineNumber)
	}

	if match.AnomalyType == types.AnomalyException {
		return types.CreateTaskInput{
			Priority:    types.PriorityHigh,
			Source:      types.SourceLogMonitor,
			AnomalyType: types.AnomalyException,
			Prompt: fmt.Sprintf("An uncaught %s was raised%s: %s. Find the root cause and fix it.",
				match.ExceptionType, location, truncate(match.Line, 300)),
			SuggestedAgent: AgentDebugger,
			Context: &types.ExceptionContext{
				ExceptionType: match.ExceptionType,
				File:          match.File,
				Line:          match.LineNumber,
				Excerpt:       truncate(match.Line, 500),
				Confidence:    match.Confidence,
			},
			DedupKey: "log:" + match.Rule + ":" + match.Signature,
		}
	}

	priority := types.PriorityMedium
	if match.Fatal {
		priority = types.PriorityHigh
	}
	return types.CreateTaskInput{
		Priority:    priority,
		Source:      types.SourceLogMonitor,
		AnomalyType: types.AnomalyAgentError,
		Prompt: fmt.Sprintf("The agent reported an error%s: %s. Investigate and resolve it.",
			location, truncate(match.Line, 300)),
		SuggestedAgent: AgentDebugger,
		Context: &types.AgentErrorContext{
			File:       match.File,
			Line:       match.LineNumber,
			Excerpt:    truncate(match.Line, 500),
			Pattern:    match.Rule,
			Confidence: match.Confidence,
		},
		DedupKey: "log:" + match.Rule + ":" + match.Signature,
	}
}
