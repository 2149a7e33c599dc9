package watchdog

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/overseer/internal/control"
	"github.com/steveyegge/overseer/internal/monitor"
	"github.com/steveyegge/overseer/internal/queue"
	"github.com/steveyegge/overseer/internal/types"
)

// NextResult answers a next command. Task is nil when nothing is pending.
type NextResult struct {
	Task *types.Task `json:"task"`
}

// FeedResult answers the commands that feed raw output to a monitor.
type FeedResult struct {
	Tasks []*types.Task       `json:"tasks"`
	Tests *monitor.TestResult `json:"tests,omitempty"`
}

// handleControl serves one control socket command against the live queue
// and monitors.
func (w *Watcher) handleControl(ctx context.Context, cmd control.Command) (any, error) {
	if cmd.Type == control.CmdStatus {
		return w.Status(), nil
	}

	_, q, ok := w.running()
	if !ok {
		return nil, fmt.Errorf("watcher is not running")
	}

	switch cmd.Type {
	case control.CmdList:
		return q.List(), nil

	case control.CmdNext:
		task := q.NextTask()
		if task != nil && cmd.Claim {
			var err error
			if task, err = q.UpdateTask(ctx, task.ID, queue.TaskPatch{Status: types.StatusExecuting}); err != nil {
				return nil, err
			}
		}
		return NextResult{Task: task}, nil

	case control.CmdUpdate:
		if cmd.TaskID == "" {
			return nil, fmt.Errorf("task_id is required")
		}
		status := types.Status(cmd.Status)
		if status != "" && !status.IsValid() {
			return nil, fmt.Errorf("invalid status: %s", cmd.Status)
		}
		return q.UpdateTask(ctx, cmd.TaskID, queue.TaskPatch{Status: status, LastError: cmd.Error})

	case control.CmdEnqueue:
		in, err := ManualTask(cmd)
		if err != nil {
			return nil, err
		}
		return q.Enqueue(ctx, in)

	case control.CmdAnalyze:
		return w.AnalyzeNow(ctx)

	case control.CmdHealthCheck:
		return w.RunHealthCheck(ctx), nil

	case control.CmdLogLine:
		var created []*types.Task
		for _, line := range strings.Split(cmd.Text, "\n") {
			if strings.TrimSpace(line) != "" {
				created = append(created, w.HandleLogLine(ctx, line)...)
			}
		}
		return FeedResult{Tasks: created}, nil

	case control.CmdTestOutput:
		result, created := w.HandleTestOutput(ctx, cmd.Text)
		return FeedResult{Tasks: created, Tests: &result}, nil

	case control.CmdPushOutput:
		res := FeedResult{}
		if task := w.HandlePushOutput(ctx, cmd.Text); task != nil {
			res.Tasks = append(res.Tasks, task)
		}
		return res, nil
	}
	return nil, fmt.Errorf("unknown command type %q", cmd.Type)
}

// ManualTask builds a hand-filed task from an enqueue command.
func ManualTask(cmd control.Command) (types.CreateTaskInput, error) {
	priority := types.PriorityMedium
	if cmd.Priority != "" {
		p, err := types.ParsePriority(cmd.Priority)
		if err != nil {
			return types.CreateTaskInput{}, err
		}
		priority = p
	}
	anomaly := types.AnomalyRecommendedInvestigation
	if cmd.AnomalyType != "" {
		anomaly = types.AnomalyType(cmd.AnomalyType)
	}
	in := types.CreateTaskInput{
		Priority:       priority,
		Source:         types.SourceManual,
		AnomalyType:    anomaly,
		Prompt:         cmd.Text,
		SuggestedAgent: cmd.Agent,
	}
	if anomaly == types.AnomalyRecommendedInvestigation {
		in.Context = &types.InvestigationContext{IssueType: "manual", Message: cmd.Text, Confidence: 1}
	}
	return in, in.Validate()
}
