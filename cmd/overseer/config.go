package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/overseer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or show the watcher configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to .overseer/",
	Long: `Write the built-in defaults to .overseer/config.yaml (or config.json with
--format json). An existing config file is left alone unless --force is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		force, _ := cmd.Flags().GetBool("force")

		var name string
		switch format {
		case "yaml", "yml":
			name = "config.yaml"
		case "json":
			name = "config.json"
		default:
			return fmt.Errorf("unknown format %q (want yaml or json)", format)
		}

		path := filepath.Join(stateDir(), name)
		if existing := config.FindFile(stateDir()); existing != "" {
			if !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", existing)
			}
			// config.json shadows config.yaml, so drop the other format.
			if existing != path {
				if err := os.Remove(existing); err != nil {
					return fmt.Errorf("failed to remove %s: %w", existing, err)
				}
			}
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s Wrote %s\n", green("✓"), cyan(path))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration the watcher would use: the config file merged
over the defaults, with OVERSEER_* environment overrides applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		cfg := loadConfig()
		if asJSON {
			return printJSON(cfg)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

func init() {
	configInitCmd.Flags().String("format", "yaml", "File format (yaml or json)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	configShowCmd.Flags().Bool("json", false, "Print as JSON instead of YAML")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
