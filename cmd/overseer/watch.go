package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/storage"
	"github.com/steveyegge/overseer/internal/telemetry"
	"github.com/steveyegge/overseer/internal/watchdog"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the watcher until interrupted",
	Long: `Start the watcher for the project and keep it running until Ctrl+C.

The watcher:
1. Claims the liveness marker in .overseer/ (one watcher per project)
2. Tails the event log and re-analyzes workflow health as entries arrive
3. Feeds the agent log, test results and CI status to the monitors
4. Queues remediation tasks in .overseer/queue.json
5. Archives tasks that expire

Set OTEL_EXPORTER_OTLP_ENDPOINT to export traces.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		healthcheck, _ := cmd.Flags().GetBool("healthcheck")
		return runWatch(cmd.Context(), healthcheck)
	},
}

func init() {
	watchCmd.Flags().Bool("healthcheck", false, "Run the test command once after starting")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context, healthcheck bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown := initTelemetry(ctx)
	defer shutdown()

	cfg := loadConfig()
	w, err := watchdog.NewWatcher(watchdog.Options{
		ProjectDir: projectDir,
		Config:     cfg,
		Logger:     slog.Default(),
		Version:    version,
	})
	if err != nil {
		return err
	}

	started, err := w.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	yellow := color.New(color.FgYellow).SprintFunc()
	if !started {
		if !cfg.Enabled {
			fmt.Printf("%s Watcher is disabled in config\n", yellow("ℹ"))
			return nil
		}
		if m, _ := storage.ReadLivenessMarker(watchdog.MarkerPath(projectDir)); m != nil {
			fmt.Printf("%s Watcher already running (PID %d on %s, started %s ago)\n",
				yellow("ℹ"), m.PID, m.Hostname, formatDuration(time.Since(m.StartedAt)))
		}
		return nil
	}
	defer w.Stop()

	green := color.New(color.FgGreen).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	st := w.Status()
	fmt.Printf("%s Watcher started (version %s)\n", green("✓"), cyan(version))
	fmt.Printf("  Project:  %s\n", st.ProjectDir)
	fmt.Printf("  Monitors: logs=%t tests=%t git=%t\n", st.Monitors.Logs, st.Monitors.Tests, st.Monitors.Git)
	fmt.Printf("  Advisory: %t\n", st.Advisory)
	fmt.Printf("  Press Ctrl+C to stop\n\n")

	if healthcheck {
		printHealthCheck(w.RunHealthCheck(ctx))
	}

	<-ctx.Done()
	fmt.Println("\nShutting down watcher...")
	w.Stop()
	fmt.Printf("%s Watcher stopped\n", green("✓"))
	return nil
}

// initTelemetry installs the OTLP exporter when one is configured and
// returns a flush function that is always safe to call.
func initTelemetry(ctx context.Context) func() {
	cfg := telemetry.Config{ServiceName: "overseer", ServiceVersion: version}
	if !cfg.Enabled() {
		return func() {}
	}
	shutdown, err := telemetry.Init(ctx, cfg)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		return func() {}
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}
}

// formatDuration renders d at a human granularity.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
