package main

import (
	"os"

	"github.com/spf13/cobra"

	"machinist/internal/sandbox"
)

// sandboxChildCmd is the re-exec target for sandboxed execution. The
// parent runner spawns this binary with this subcommand plus the child
// env marker; ChildHook in main normally short-circuits before cobra
// ever runs, this command is the fallback path.
var sandboxChildCmd = &cobra.Command{
	Use:    sandbox.ChildCommand,
	Hidden: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(sandbox.ChildMain(os.Stdin, os.Stdout, os.Stderr))
	},
}
