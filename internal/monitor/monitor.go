// Package monitor turns raw signals (agent log lines, test runs, CI and push
// results) into queued tasks.
package monitor

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/steveyegge/overseer/internal/types"
)

// TaskSink is where monitors send tasks. *queue.Queue satisfies it.
type TaskSink interface {
	Enqueue(ctx context.Context, in types.CreateTaskInput) (*types.Task, error)
	HasOpen(dedupKey string) bool
}

// Suggested agents for executors that route by specialty.
const (
	AgentDebugger    = "debugger"
	AgentTestFixer   = "test-fixer"
	AgentCIFixer     = "ci-fixer"
	AgentGitResolver = "git-resolver"
)

// Enqueue sends in to sink unless an open task already carries its dedup
// key, in which case it returns nil, nil. Sink errors are logged before they
// are returned, so callers that only care about the task may drop them.
func Enqueue(ctx context.Context, sink TaskSink, logger *slog.Logger, in types.CreateTaskInput) (*types.Task, error) {
	if in.DedupKey != "" && sink.HasOpen(in.DedupKey) {
		logger.Debug("suppressing duplicate task", "dedup_key", in.DedupKey)
		return nil, nil
	}
	task, err := sink.Enqueue(ctx, in)
	if err != nil {
		logger.Error("failed to enqueue task",
			"anomaly_type", in.AnomalyType,
			"dedup_key", in.DedupKey,
			"error", err)
		return nil, err
	}
	return task, nil
}

func loggerOrDefault(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}

// truncate shortens s to at most max bytes plus an ellipsis, never splitting
// a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
