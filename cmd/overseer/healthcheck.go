package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/control"
	"github.com/steveyegge/overseer/internal/watchdog"
)

var errHealthCheckFailed = errors.New("health check failed")

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Run the test command once and queue failures",
	Long: `Run the configured test command once. Each failing test is queued as a
critical test_failure task.

When a watcher is running the check runs inside it, through its control
socket. Otherwise a watcher is started for the duration of the check.
Exits non-zero when the check fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		var res watchdog.HealthCheckResult
		if client := liveClient(); client != nil {
			if timeout > 0 {
				client.SetTimeout(timeout)
			}
			if err := client.Call(control.Command{Type: control.CmdHealthCheck}, &res); err != nil {
				return err
			}
		} else {
			var err error
			if res, err = localHealthCheck(cmd.Context(), timeout); err != nil {
				return err
			}
		}

		if asJSON {
			if err := printJSON(res); err != nil {
				return err
			}
		} else {
			printHealthCheck(res)
		}
		if !res.Passed {
			return errHealthCheckFailed
		}
		return nil
	},
}

// localHealthCheck starts a short-lived watcher to run the check.
func localHealthCheck(ctx context.Context, timeout time.Duration) (watchdog.HealthCheckResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cfg := loadConfig()
	cfg.Monitors.Git = false
	cfg.UseLLMAnalysis = false
	w, err := watchdog.NewWatcher(watchdog.Options{
		ProjectDir:     projectDir,
		Config:         cfg,
		Logger:         slog.Default(),
		Version:        version,
		DisableControl: true,
	})
	if err != nil {
		return watchdog.HealthCheckResult{}, err
	}
	started, err := w.Start(ctx)
	if err != nil {
		return watchdog.HealthCheckResult{}, fmt.Errorf("failed to start watcher: %w", err)
	}
	if !started {
		if !cfg.Enabled {
			return watchdog.HealthCheckResult{}, errors.New("supervision is disabled in config")
		}
		return watchdog.HealthCheckResult{}, errors.New("a watcher without a control socket owns this project; use 'overseer watch --healthcheck' instead")
	}
	defer w.Stop()

	return w.RunHealthCheck(ctx), nil
}

func init() {
	healthcheckCmd.Flags().Bool("json", false, "Print the result as JSON")
	healthcheckCmd.Flags().Duration("timeout", 30*time.Minute, "Abort the test command after this long")
	rootCmd.AddCommand(healthcheckCmd)
}

func printHealthCheck(res watchdog.HealthCheckResult) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	switch {
	case res.Error != "":
		fmt.Printf("%s Health check could not run: %s\n", red("✗"), res.Error)
	case res.Passed:
		fmt.Printf("%s Health check passed %s\n", green("✓"), gray(fmt.Sprintf("(%v)", res.Duration.Round(time.Millisecond))))
	default:
		fmt.Printf("%s Health check failed: %d failure(s), exit code %d %s\n",
			red("✗"), res.FailureCount, res.ExitCode, gray(fmt.Sprintf("(%v)", res.Duration.Round(time.Millisecond))))
		for _, name := range res.FailedTests {
			fmt.Printf("  - %s\n", name)
		}
	}
}
