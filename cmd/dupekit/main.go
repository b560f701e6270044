package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "dupekit",
		Short:   "Find and merge duplicate media files",
		Version: version + " (" + commit + ")",
	}

	root.PersistentFlags().String("config", "", "Path to config file")
	root.PersistentFlags().String("db", "", "Path to the dupekit database (overrides config)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newScanCmd())
	root.AddCommand(newGroupsCmd())
	root.AddCommand(newMergeCmd())
	root.AddCommand(newUndoCmd())
	root.AddCommand(newIgnoreCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
