package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/control"
	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/health"
	"github.com/steveyegge/overseer/internal/storage"
	"github.com/steveyegge/overseer/internal/watchdog"
)

// statusReport is the JSON form of the status command.
type statusReport struct {
	ProjectDir string                  `json:"project_dir"`
	Enabled    bool                    `json:"enabled"`
	Watcher    *storage.LivenessMarker `json:"watcher,omitempty"`
	Alive      bool                    `json:"alive"`
	Health     health.Verdict          `json:"health"`
	Summary    string                  `json:"summary"`
	Queue      any                     `json:"queue"`
	Live       *watchdog.Status        `json:"live,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show watcher, workflow and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg := loadConfig()
		report := statusReport{ProjectDir: projectDir, Enabled: cfg.Enabled}

		marker, err := storage.ReadLivenessMarker(watchdog.MarkerPath(projectDir))
		if err != nil {
			slog.Warn("ignoring unreadable liveness marker", "error", err)
		}
		if marker != nil {
			report.Watcher = marker
			report.Alive = storage.SignalLivenessChecker{}.IsAlive(marker.PID, marker.Hostname)
		}

		if client := liveClient(); client != nil {
			var live watchdog.Status
			if err := client.Call(control.Command{Type: control.CmdStatus}, &live); err != nil {
				slog.Warn("watcher did not answer on its control socket", "error", err)
			} else {
				report.Live = &live
			}
		}

		entries, err := events.NewReader(eventLogPath(cfg)).ReadAll()
		if err != nil {
			return err
		}
		analysis := health.NewAnalyzer(watchdog.Thresholds(cfg), slog.Default()).Analyze(entries, time.Now())
		report.Health = analysis.Health
		report.Summary = analysis.Summary()

		q, closeFn, err := openQueue(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()
		stats := q.Stats()
		report.Queue = stats

		if asJSON {
			return printJSON(report)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Overseer Status ==="))
		fmt.Printf("%s\n", yellow("Watcher:"))
		switch {
		case !cfg.Enabled:
			fmt.Printf("  %s\n", gray("Disabled in config"))
		case marker == nil:
			fmt.Printf("  %s\n", gray("○ Not running"))
		case report.Alive:
			fmt.Printf("  %s PID %d on %s, up %s (version %s)\n", green("●"),
				marker.PID, marker.Hostname, formatDuration(time.Since(marker.StartedAt)), marker.Version)
		default:
			fmt.Printf("  %s Stale marker from PID %d (process gone)\n", yellow("⚠"), marker.PID)
		}
		if live := report.Live; live != nil {
			fmt.Printf("  Entries seen: %d", live.EntriesSeen)
			if !live.LastAnalysisAt.IsZero() {
				fmt.Printf(", last analysis %s ago", formatDuration(time.Since(live.LastAnalysisAt)))
			}
			fmt.Println()
		}
		fmt.Printf("  Monitors: logs=%t tests=%t git=%t advisory=%t\n",
			cfg.Monitors.Logs, cfg.Monitors.Tests, cfg.Monitors.Git, cfg.UseLLMAnalysis)
		fmt.Println()

		fmt.Printf("%s\n", yellow("Workflow:"))
		fmt.Printf("  %s %s\n", verdictColor(analysis.Health)("●"), analysis.Summary())
		fmt.Println()

		printQueueStats(stats)
		fmt.Println()
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print status as JSON")
	rootCmd.AddCommand(statusCmd)
}
