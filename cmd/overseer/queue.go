package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/control"
	"github.com/steveyegge/overseer/internal/queue"
	"github.com/steveyegge/overseer/internal/storage"
	"github.com/steveyegge/overseer/internal/types"
	"github.com/steveyegge/overseer/internal/watchdog"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and update the task queue",
	Long: `Inspect and update the remediation task queue in .overseer/.

While a watcher is running, commands that change the queue go through its
control socket. If a live watcher has no control socket, those commands
refuse to run unless --force is given.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live tasks in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		asJSON, _ := cmd.Flags().GetBool("json")
		if status != "" && !types.Status(status).IsValid() {
			return fmt.Errorf("invalid status %q", status)
		}

		q, closeFn, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		var tasks []*types.Task
		for _, t := range q.List() {
			if status == "" || t.Status == types.Status(status) {
				tasks = append(tasks, t)
			}
		}
		if asJSON {
			return printJSON(tasks)
		}
		if len(tasks) == 0 {
			fmt.Printf("%s\n", color.New(color.FgHiBlack).Sprint("Queue is empty"))
			return nil
		}
		for _, t := range tasks {
			printTaskLine(t)
		}
		return nil
	},
}

var queueNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the next pending task",
	Long: `Show the highest-priority pending task, oldest first within a priority.

With --claim the task moves to executing and its attempt count increases.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		claim, _ := cmd.Flags().GetBool("claim")
		asJSON, _ := cmd.Flags().GetBool("json")
		force, _ := cmd.Flags().GetBool("force")

		var task *types.Task
		if client := liveClient(); client != nil {
			var res watchdog.NextResult
			if err := client.Call(control.Command{Type: control.CmdNext, Claim: claim}, &res); err != nil {
				return err
			}
			task = res.Task
		} else {
			if claim {
				if err := ensureNoWatcher(force); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			q, closeFn, err := openQueue(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			task = q.NextTask()
			if task != nil && claim {
				if task, err = q.UpdateTask(ctx, task.ID, queue.TaskPatch{Status: types.StatusExecuting}); err != nil {
					return err
				}
			}
		}

		if task == nil {
			if asJSON {
				return printJSON(nil)
			}
			fmt.Printf("%s\n", color.New(color.FgHiBlack).Sprint("No pending tasks"))
			return nil
		}
		if asJSON {
			return printJSON(task)
		}
		printTaskDetail(task)
		return nil
	},
}

var queueUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Record a task outcome",
	Long: `Move a task to a new status. Completed and failed tasks leave the live
queue for the archive.

Example:
  overseer queue update 20260301T120000.000000000-1a2b3c4d --status completed
  overseer queue update 20260301T120000.000000000-1a2b3c4d --status failed --error "tests still red"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		lastErr, _ := cmd.Flags().GetString("error")
		force, _ := cmd.Flags().GetBool("force")
		if status == "" && lastErr == "" {
			return errors.New("nothing to update: pass --status or --error")
		}
		if status != "" && !types.Status(status).IsValid() {
			return fmt.Errorf("invalid status %q", status)
		}

		task, err := updateTask(cmd.Context(), args[0], queue.TaskPatch{Status: types.Status(status), LastError: lastErr}, force)
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Task %s is %s\n", green("✓"), task.ID, task.Status)
		return nil
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <prompt>",
	Short: "Queue a task by hand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prio, _ := cmd.Flags().GetString("priority")
		anomaly, _ := cmd.Flags().GetString("type")
		agent, _ := cmd.Flags().GetString("agent")
		force, _ := cmd.Flags().GetBool("force")

		req := control.Command{
			Type:        control.CmdEnqueue,
			Text:        args[0],
			Priority:    prio,
			AnomalyType: anomaly,
			Agent:       agent,
		}
		in, err := watchdog.ManualTask(req)
		if err != nil {
			return err
		}

		var task *types.Task
		if client := liveClient(); client != nil {
			err = client.Call(req, &task)
		} else {
			task, err = withOfflineQueue(cmd.Context(), force, func(ctx context.Context, q *queue.Queue) (*types.Task, error) {
				return q.Enqueue(ctx, in)
			})
		}
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Queued %s\n", green("✓"), task.ID)
		return nil
	},
}

var queueArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "List archived tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		q, closeFn, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		archived, err := q.Archived(cmd.Context())
		if err != nil {
			return err
		}
		// newest first
		for i, j := 0, len(archived)-1; i < j; i, j = i+1, j-1 {
			archived[i], archived[j] = archived[j], archived[i]
		}
		if limit > 0 && len(archived) > limit {
			archived = archived[:limit]
		}
		if asJSON {
			return printJSON(archived)
		}
		if len(archived) == 0 {
			fmt.Printf("%s\n", color.New(color.FgHiBlack).Sprint("Archive is empty"))
			return nil
		}
		gray := color.New(color.FgHiBlack).SprintFunc()
		for i := range archived {
			a := &archived[i]
			printTaskLine(&a.Task)
			fmt.Printf("    %s\n", gray(fmt.Sprintf("archived %s (%s)", a.ArchivedAt.Local().Format("2006-01-02 15:04:05"), a.ArchiveReason)))
		}
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count live tasks by status and priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		q, closeFn, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		stats := q.Stats()
		if asJSON {
			return printJSON(stats)
		}
		printQueueStats(stats)
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "Only show tasks with this status")
	queueListCmd.Flags().Bool("json", false, "Print tasks as JSON")

	queueNextCmd.Flags().Bool("claim", false, "Mark the task as executing")
	queueNextCmd.Flags().Bool("json", false, "Print the task as JSON")
	queueNextCmd.Flags().Bool("force", false, "Write the queue file even if a watcher is running")

	queueUpdateCmd.Flags().String("status", "", "New status (pending, executing, completed, failed)")
	queueUpdateCmd.Flags().String("error", "", "Failure reason reported by the executor")
	queueUpdateCmd.Flags().Bool("force", false, "Write the queue file even if a watcher is running")

	queueAddCmd.Flags().String("priority", string(types.PriorityMedium), "Task priority (critical, high, medium, low)")
	queueAddCmd.Flags().String("type", string(types.AnomalyRecommendedInvestigation), "Anomaly type")
	queueAddCmd.Flags().String("agent", "", "Suggested agent")
	queueAddCmd.Flags().Bool("force", false, "Write the queue file even if a watcher is running")

	queueArchiveCmd.Flags().IntP("limit", "n", 20, "Number of archived tasks to show (0 for all)")
	queueArchiveCmd.Flags().Bool("json", false, "Print archived tasks as JSON")

	queueStatsCmd.Flags().Bool("json", false, "Print stats as JSON")

	queueCmd.AddCommand(queueListCmd, queueNextCmd, queueUpdateCmd, queueAddCmd, queueArchiveCmd, queueStatsCmd)
	rootCmd.AddCommand(queueCmd)
}

// openQueue loads the project's queue from its configured store.
func openQueue(ctx context.Context) (*queue.Queue, func(), error) {
	cfg := loadConfig()
	store, err := storage.Open(storage.Backend(cfg.StoreBackend), stateDir())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open task store: %w", err)
	}
	q, err := queue.New(ctx, store, queue.Options{
		MaxSize: cfg.MaxQueueSize,
		Expiry:  cfg.TaskExpiry(),
		Logger:  slog.Default(),
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to load queue: %w", err)
	}
	return q, func() { _ = store.Close() }, nil
}

// liveClient returns a control client for the project's running watcher, or
// nil when no live watcher is listening.
func liveClient() *control.Client {
	path := watchdog.ControlSocketPath(projectDir)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	m, err := storage.ReadLivenessMarker(watchdog.MarkerPath(projectDir))
	if err != nil || m == nil || !(storage.SignalLivenessChecker{}).IsAlive(m.PID, m.Hostname) {
		return nil
	}
	return control.NewClient(path)
}

// withOfflineQueue runs fn against the queue on disk after checking that no
// watcher owns it.
func withOfflineQueue(ctx context.Context, force bool, fn func(context.Context, *queue.Queue) (*types.Task, error)) (*types.Task, error) {
	if err := ensureNoWatcher(force); err != nil {
		return nil, err
	}
	q, closeFn, err := openQueue(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return fn(ctx, q)
}

// updateTask applies patch through the running watcher when there is one.
func updateTask(ctx context.Context, id string, patch queue.TaskPatch, force bool) (*types.Task, error) {
	if client := liveClient(); client != nil {
		var task *types.Task
		err := client.Call(control.Command{
			Type:   control.CmdUpdate,
			TaskID: id,
			Status: string(patch.Status),
			Error:  patch.LastError,
		}, &task)
		return task, err
	}
	return withOfflineQueue(ctx, force, func(ctx context.Context, q *queue.Queue) (*types.Task, error) {
		return q.UpdateTask(ctx, id, patch)
	})
}

// ensureNoWatcher refuses queue writes while a live watcher owns the project.
func ensureNoWatcher(force bool) error {
	if force {
		return nil
	}
	m, err := storage.ReadLivenessMarker(watchdog.MarkerPath(projectDir))
	if err != nil || m == nil {
		return nil
	}
	if (storage.SignalLivenessChecker{}).IsAlive(m.PID, m.Hostname) {
		return fmt.Errorf("watcher PID %d on %s owns the queue; stop it or pass --force", m.PID, m.Hostname)
	}
	return nil
}

func priorityColor(p types.Priority) func(a ...interface{}) string {
	switch p {
	case types.PriorityCritical:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	case types.PriorityHigh:
		return color.New(color.FgRed).SprintFunc()
	case types.PriorityMedium:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgHiBlack).SprintFunc()
	}
}

func printTaskLine(t *types.Task) {
	gray := color.New(color.FgHiBlack).SprintFunc()
	prompt := t.Prompt
	if i := strings.IndexByte(prompt, '\n'); i >= 0 {
		prompt = prompt[:i]
	}
	if r := []rune(prompt); len(r) > 80 {
		prompt = string(r[:77]) + "..."
	}
	fmt.Printf("  %s %-9s %-26s %s\n", gray(t.ID), priorityColor(t.Priority)(t.Priority), t.AnomalyType, t.Status)
	fmt.Printf("    %s\n", prompt)
}

func printTaskDetail(t *types.Task) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s %s\n\n", cyan("Task"), t.ID)
	fmt.Printf("  Priority:  %s\n", priorityColor(t.Priority)(t.Priority))
	fmt.Printf("  Type:      %s\n", t.AnomalyType)
	fmt.Printf("  Source:    %s\n", t.Source)
	fmt.Printf("  Status:    %s (attempts %d)\n", t.Status, t.Attempts)
	if t.SuggestedAgent != "" {
		fmt.Printf("  Agent:     %s\n", t.SuggestedAgent)
	}
	fmt.Printf("  Created:   %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.LastError != "" {
		fmt.Printf("  Last error: %s\n", t.LastError)
	}
	fmt.Printf("\n%s\n", t.Prompt)
	if t.Context != nil {
		if data, err := json.MarshalIndent(t.Context, "  ", "  "); err == nil {
			fmt.Printf("\n  Context:\n  %s\n", data)
		}
	}
	fmt.Println()
}

func printQueueStats(s queue.Stats) {
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Printf("%s %d / %d\n", yellow("Tasks:"), s.Total, s.MaxSize)
	for _, st := range []types.Status{types.StatusPending, types.StatusExecuting, types.StatusCompleted, types.StatusFailed} {
		if n := s.ByStatus[st]; n > 0 {
			fmt.Printf("  %-10s %d\n", st, n)
		}
	}
	for _, p := range []types.Priority{types.PriorityCritical, types.PriorityHigh, types.PriorityMedium, types.PriorityLow} {
		if n := s.ByPriority[p]; n > 0 {
			fmt.Printf("  %-10s %s\n", p, priorityColor(p)(n))
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
