package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/control"
	"github.com/steveyegge/overseer/internal/watchdog"
)

// maxFeedBytes caps what a single feed command sends over the socket.
const maxFeedBytes = 8 << 20

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Send tool output to the running watcher",
	Long: `Send output from the workflow's tools to the running watcher so its
monitors can queue tasks for what they find. Input is read from the named
file or from stdin.

Example:
  go test ./... 2>&1 | overseer feed tests
  git push 2>&1 | overseer feed push
  overseer feed log agent-session.log`,
}

func newFeedCmd(use, short, cmdType string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [file]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := liveClient()
			if client == nil {
				return errors.New("no running watcher for this project (start one with 'overseer watch')")
			}

			in := io.Reader(os.Stdin)
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(io.LimitReader(in, maxFeedBytes))
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}

			var res watchdog.FeedResult
			if err := client.Call(control.Command{Type: cmdType, Text: string(data)}, &res); err != nil {
				return err
			}
			printFeedResult(res)
			return nil
		},
	}
}

func init() {
	feedCmd.AddCommand(
		newFeedCmd("tests", "Feed test runner output to the test monitor", control.CmdTestOutput),
		newFeedCmd("log", "Feed agent log lines to the log monitor", control.CmdLogLine),
		newFeedCmd("push", "Feed git push output to the git monitor", control.CmdPushOutput),
	)
	rootCmd.AddCommand(feedCmd)
}

func printFeedResult(res watchdog.FeedResult) {
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	if t := res.Tests; t != nil {
		fmt.Printf("  Tests: %d passed, %d failed\n", t.PassedCount, t.FailedCount)
		if t.HasCoverage {
			fmt.Printf("  Coverage: %.1f%%\n", t.Coverage)
		}
	}
	if len(res.Tasks) == 0 {
		fmt.Printf("%s\n", gray("No tasks queued"))
		return
	}
	fmt.Printf("%s Queued %d task(s)\n", green("✓"), len(res.Tasks))
	for _, t := range res.Tasks {
		printTaskLine(t)
	}
}
