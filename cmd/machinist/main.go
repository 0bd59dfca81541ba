package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"machinist/internal/config"
	"machinist/internal/logging"
	"machinist/internal/sandbox"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Loaded in PersistentPreRunE, shared by every command.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "machinist",
	Short: "machinist - a foundry for sandboxed, validated tools",
	Long: `machinist turns natural-language goals into small executable tools:
an LLM drafts a spec, implements it, and writes its tests; the result is
validated inside a resource-limited sandbox, checked against a
capability policy, and promoted into a durable registry. Promoted tools
compose into workflows.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		return logging.Init(logging.Config{
			Level:  level,
			Format: cfg.Logging.Format,
			File:   cfg.Logging.File,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "machinist.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(forgeCmd)
	rootCmd.AddCommand(decomposeCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(sandboxChildCmd)
}

func main() {
	// When this process was re-executed as a sandbox child, nothing of
	// the CLI below applies.
	sandbox.ChildHook()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, renderError(err))
		os.Exit(1)
	}
}
