package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/steveyegge/overseer/internal/git"
	"github.com/steveyegge/overseer/internal/types"
)

const ciRunsPerPoll = 5

// PRCheck is one row of `gh pr checks` output.
type PRCheck struct {
	Name  string
	State string
	URL   string
}

// Failed reports whether the check ended badly.
func (c PRCheck) Failed() bool {
	switch strings.ToLower(c.State) {
	case "fail", "failure", "cancel", "cancelled", "timed_out", "error", "action_required":
		return true
	}
	return false
}

// Passed reports whether the check succeeded.
func (c PRCheck) Passed() bool {
	switch strings.ToLower(c.State) {
	case "pass", "success":
		return true
	}
	return false
}

// ParsePRChecks parses the tab-separated `gh pr checks` output:
// name, state, elapsed, link and an optional description.
func ParsePRChecks(raw string) []PRCheck {
	var checks []PRCheck
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) < 2 || strings.TrimSpace(fields[0]) == "" {
			continue
		}
		c := PRCheck{Name: strings.TrimSpace(fields[0]), State: strings.TrimSpace(fields[1])}
		for _, f := range fields[2:] {
			if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
				c.URL = strings.TrimSpace(f)
				break
			}
		}
		checks = append(checks, c)
	}
	return checks
}

var (
	pushRejectedRe = regexp.MustCompile(`!\s+\[(?:remote )?rejected\]\s+(\S+)\s+->\s+(\S+)(?:\s+\((.+)\))?`)
	pushFailedRe   = regexp.MustCompile(`error: failed to push some refs to '([^']+)'`)
	pushFatalRe    = regexp.MustCompile(`fatal: (.*(?:rejected|unable to access|could not read from remote|Authentication failed).*)`)
)

// PushFailure is what ParsePushOutput extracts from a failed push.
type PushFailure struct {
	Remote string
	Branch string
	Reason string
}

// ParsePushOutput recognizes rejected or failed pushes in git push output.
func ParsePushOutput(output string) (PushFailure, bool) {
	var pf PushFailure
	found := false
	if m := pushRejectedRe.FindStringSubmatch(output); m != nil {
		found = true
		pf.Branch = m[2]
		pf.Reason = m[3]
		if pf.Reason == "" {
			pf.Reason = "rejected"
		}
	}
	if m := pushFailedRe.FindStringSubmatch(output); m != nil {
		found = true
		pf.Remote = m[1]
	}
	if m := pushFatalRe.FindStringSubmatch(output); m != nil {
		found = true
		if pf.Reason == "" {
			pf.Reason = strings.TrimSpace(m[1])
		}
	}
	if found && pf.Reason == "" {
		pf.Reason = "push failed"
	}
	return pf, found
}

// GitMonitor watches CI runs, PR checks and push results.
type GitMonitor struct {
	mu       sync.Mutex
	sink     TaskSink
	ops      git.Operations
	repoPath string
	// reportedRuns holds CI run ids already covered by a task.
	reportedRuns map[string]bool
	// reportedChecks maps a PR check to the link of the failing run already
	// covered by a task. A passing check clears its entry.
	reportedChecks map[string]string
	logger         *slog.Logger
}

// NewGitMonitor creates a git monitor. ops may be nil when only the Handle
// methods are used.
func NewGitMonitor(sink TaskSink, ops git.Operations, repoPath string, logger *slog.Logger) *GitMonitor {
	return &GitMonitor{
		sink:           sink,
		ops:            ops,
		repoPath:       repoPath,
		reportedRuns:   make(map[string]bool),
		reportedChecks: make(map[string]string),
		logger:         loggerOrDefault(logger, "git-monitor"),
	}
}

// HandleCIRun enqueues a high priority ci_failure for a finished run that
// failed, was cancelled or timed out. Each run id is reported once; a run
// whose task could not be stored is tried again on the next call.
func (m *GitMonitor) HandleCIRun(ctx context.Context, run git.CIRun) *types.Task {
	if !run.Completed() || !run.Failed() {
		return nil
	}
	key := "ci:" + run.ID
	if run.ID != "" {
		m.mu.Lock()
		seen := m.reportedRuns[run.ID]
		m.mu.Unlock()
		if seen {
			return nil
		}
	}
	task, err := Enqueue(ctx, m.sink, m.logger, types.CreateTaskInput{
		Priority:    types.PriorityHigh,
		Source:      types.SourceGitMonitor,
		AnomalyType: types.AnomalyCIFailure,
		Prompt: fmt.Sprintf("CI workflow %q on branch %s finished with %s. Read the run log%s, find the failing step and fix it.",
			run.Workflow, run.Branch, run.Conclusion, urlSuffix(run.URL)),
		SuggestedAgent: AgentCIFixer,
		Context: &types.CIFailureContext{
			RunID:      run.ID,
			Workflow:   run.Workflow,
			Branch:     run.Branch,
			Conclusion: run.Conclusion,
			URL:        run.URL,
		},
		DedupKey: key,
	})
	if err == nil && run.ID != "" {
		m.mu.Lock()
		m.reportedRuns[run.ID] = true
		m.mu.Unlock()
	}
	return task
}

// HandlePRChecks enqueues a pr_check_failed task per failing check. A check
// is reported again when it fails on a different run (its link changes) or
// after it has passed.
func (m *GitMonitor) HandlePRChecks(ctx context.Context, pr int, raw string) []*types.Task {
	var created []*types.Task
	for _, check := range ParsePRChecks(raw) {
		key := fmt.Sprintf("pr:%d:check:%s", pr, check.Name)
		if check.Passed() {
			m.mu.Lock()
			delete(m.reportedChecks, key)
			m.mu.Unlock()
			continue
		}
		if !check.Failed() {
			continue
		}
		m.mu.Lock()
		link, seen := m.reportedChecks[key]
		m.mu.Unlock()
		if seen && link == check.URL {
			continue
		}
		task, err := Enqueue(ctx, m.sink, m.logger, types.CreateTaskInput{
			Priority:    types.PriorityHigh,
			Source:      types.SourceGitMonitor,
			AnomalyType: types.AnomalyPRCheckFailed,
			Prompt: fmt.Sprintf("Check %q on pull request #%d is failing (%s)%s. Fix the cause so the check passes.",
				check.Name, pr, check.State, urlSuffix(check.URL)),
			SuggestedAgent: AgentCIFixer,
			Context: &types.PRCheckFailedContext{
				PRNumber:  pr,
				CheckName: check.Name,
				State:     check.State,
				URL:       check.URL,
			},
			DedupKey: key,
		})
		if err != nil {
			continue
		}
		m.mu.Lock()
		m.reportedChecks[key] = check.URL
		m.mu.Unlock()
		if task != nil {
			created = append(created, task)
		}
	}
	return created
}

// HandlePushOutput enqueues a high priority push_failed task when output
// shows a rejected or failed push.
func (m *GitMonitor) HandlePushOutput(ctx context.Context, output string) *types.Task {
	pf, ok := ParsePushOutput(output)
	if !ok {
		return nil
	}
	target := pf.Branch
	if target == "" {
		target = pf.Remote
	}
	task, _ := Enqueue(ctx, m.sink, m.logger, types.CreateTaskInput{
		Priority:    types.PriorityHigh,
		Source:      types.SourceGitMonitor,
		AnomalyType: types.AnomalyPushFailed,
		Prompt: fmt.Sprintf("Pushing %s failed: %s. Reconcile with the remote (fetch, rebase or resolve) and push again.",
			target, pf.Reason),
		SuggestedAgent: AgentGitResolver,
		Context: &types.PushFailedContext{
			Remote:  pf.Remote,
			Branch:  pf.Branch,
			Reason:  pf.Reason,
			Excerpt: truncate(output, 1000),
		},
		DedupKey: "push:" + target,
	})
	return task
}

// Poll checks recent CI runs for the current branch and the checks of its
// pull request. Errors from git or gh are logged; the returned tasks are the
// ones created by this poll.
func (m *GitMonitor) Poll(ctx context.Context) []*types.Task {
	if m.ops == nil {
		return nil
	}
	branch, err := m.ops.CurrentBranch(ctx, m.repoPath)
	if err != nil {
		m.logger.Warn("git poll skipped", "error", err)
		return nil
	}

	var created []*types.Task
	runs, err := m.ops.ListRuns(ctx, m.repoPath, branch, ciRunsPerPoll)
	if err != nil {
		m.logger.Debug("failed to list CI runs", "branch", branch, "error", err)
	}
	for _, run := range runs {
		if task := m.HandleCIRun(ctx, run); task != nil {
			created = append(created, task)
		}
	}

	pr, raw, err := m.ops.PRChecks(ctx, m.repoPath)
	switch {
	case errors.Is(err, git.ErrNoPullRequest):
	case err != nil:
		m.logger.Debug("failed to read PR checks", "branch", branch, "error", err)
	default:
		created = append(created, m.HandlePRChecks(ctx, pr, raw)...)
	}
	return created
}

func urlSuffix(url string) string {
	if url == "" {
		return ""
	}
	return " (" + url + ")"
}
