package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/config"
)

var (
	projectDir string
	verbose    bool
	jsonLogs   bool

	// version is stamped by the release build.
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "Supervise an automated coding workflow",
	Long: `overseer watches a multi-phase coding workflow through its event log,
test runs and version-control status, and queues prioritized remediation
tasks for an external executor when something goes wrong.

State lives in .overseer/ beneath the project directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		abs, err := filepath.Abs(projectDir)
		if err != nil {
			return fmt.Errorf("failed to resolve project directory: %w", err)
		}
		projectDir = abs

		// .env in the project directory, then the working directory.
		// Existing environment variables win.
		for _, path := range []string{filepath.Join(projectDir, ".env"), ".env"} {
			if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}

		slog.SetDefault(newLogger())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "Project directory to supervise")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "log-json", false, "Write logs as JSON")
	rootCmd.Version = version
}

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// stateDir is the .overseer directory of the selected project.
func stateDir() string {
	return filepath.Join(projectDir, config.StateDirName)
}

// loadConfig returns the effective configuration. Problems are reported as
// warnings since Load always yields a usable config.
func loadConfig() *config.Config {
	cfg, err := config.Load(stateDir())
	if err != nil {
		slog.Warn("config problems, using defaults for affected fields", "error", err)
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
