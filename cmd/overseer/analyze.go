package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/config"
	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/health"
	"github.com/steveyegge/overseer/internal/watchdog"
)

var errWorkflowCritical = errors.New("workflow is critical")

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze the event log once and print the verdict",
	Long: `Read the whole event log, fold it into the workflow state and run every
health detector. Nothing is queued.

With --strict the command exits non-zero when the verdict is critical.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		strict, _ := cmd.Flags().GetBool("strict")
		logPath, _ := cmd.Flags().GetString("log")

		cfg := loadConfig()
		if logPath == "" {
			logPath = eventLogPath(cfg)
		}
		entries, err := events.NewReader(logPath, events.WithLogger(slog.Default())).ReadAll()
		if err != nil {
			return fmt.Errorf("failed to read event log: %w", err)
		}

		analysis := health.NewAnalyzer(watchdog.Thresholds(cfg), slog.Default()).Analyze(entries, time.Now())
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(analysis); err != nil {
				return err
			}
		} else {
			printAnalysis(logPath, analysis)
		}

		if strict && analysis.Health == health.VerdictCritical {
			return errWorkflowCritical
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().Bool("json", false, "Print the full analysis as JSON")
	analyzeCmd.Flags().Bool("strict", false, "Exit non-zero when the workflow is critical")
	analyzeCmd.Flags().String("log", "", "Event log to analyze (default from config)")
	rootCmd.AddCommand(analyzeCmd)
}

// eventLogPath resolves the configured event log against the project.
func eventLogPath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.EventLogPath) {
		return cfg.EventLogPath
	}
	return filepath.Join(projectDir, cfg.EventLogPath)
}

func verdictColor(v health.Verdict) func(a ...interface{}) string {
	switch v {
	case health.VerdictHealthy:
		return color.New(color.FgGreen, color.Bold).SprintFunc()
	case health.VerdictWarning:
		return color.New(color.FgYellow, color.Bold).SprintFunc()
	default:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	}
}

func printAnalysis(logPath string, a health.WorkflowAnalysis) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== Workflow Health ==="))
	fmt.Printf("  Verdict:  %s\n", verdictColor(a.Health)(strings.ToUpper(string(a.Health))))
	fmt.Printf("  Log:      %s %s\n", logPath, gray(fmt.Sprintf("(%d entries)", a.EntryCount)))

	st := a.State
	position := "idle"
	if st.CurrentCmd != "" {
		position = st.CurrentCmd
		if st.CurrentPhase != "" {
			position += "/" + st.CurrentPhase
		}
		if !st.Active() {
			position += " (done)"
		}
	}
	fmt.Printf("  Position: %s\n", position)
	if !st.LastActivity.IsZero() {
		fmt.Printf("  Last activity: %s ago\n", formatDuration(time.Since(st.LastActivity)))
	}
	fmt.Printf("  Milestones: %d this run, %d total\n", st.RunMilestones, len(st.Milestones))

	if len(st.Chain) > 0 {
		cmds := make([]string, 0, len(st.Chain))
		for cmd := range st.Chain {
			cmds = append(cmds, cmd)
		}
		sort.Strings(cmds)
		parts := make([]string, 0, len(cmds))
		for _, cmd := range cmds {
			parts = append(parts, fmt.Sprintf("%s=%s", cmd, st.Chain[cmd]))
		}
		fmt.Printf("  Chain: %s\n", strings.Join(parts, " "))
	}
	if active := st.ActiveAgents(); len(active) > 0 {
		fmt.Printf("  Active agents: %d\n", len(active))
	}

	fmt.Println()
	if len(a.Issues) == 0 {
		fmt.Printf("%s\n\n", gray("No issues detected"))
		return
	}
	fmt.Printf("%s\n", yellow(fmt.Sprintf("Issues (%d):", len(a.Issues))))
	for _, is := range a.Issues {
		fmt.Printf("  %s %-20s %s %s\n",
			issueIcon(is), is.Type, is.Message, gray(fmt.Sprintf("(%.2f)", is.Confidence)))
	}
	fmt.Println()
}

func issueIcon(is health.Issue) string {
	switch {
	case is.Type.IsCriticalType() && is.Confidence > 0.9:
		return color.New(color.FgRed).Sprint("✗")
	case is.Confidence >= watchdog.MinIssueConfidence:
		return color.New(color.FgYellow).Sprint("⚠")
	default:
		return color.New(color.FgHiBlack).Sprint("·")
	}
}
