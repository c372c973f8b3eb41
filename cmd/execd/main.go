// Command execd is the node's CLI entry point. Every subcommand takes
// --datadir/--chain, returns exit code 0 on success and non-zero on
// any unrecoverable error, and prints one error line per failure.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/eryx-labs/execution/internal/node"
)

func main() {
	// Process-wide state (§6): GOMAXPROCS tuning and the fatal-signal
	// backtrace handler are both initialized exactly once, before any
	// subsystem starts, and never re-initialized (§9 "Global state").
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "execd: GOMAXPROCS set failed: %v\n", err)
	}
	node.InstallFatalSignalHandler()

	log, _ := zap.NewProduction()
	defer log.Sync()

	var datadir string
	var chainName string

	root := &cobra.Command{
		Use:           "execd",
		Short:         "execution client node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&datadir, "datadir", "./data", "data directory")
	root.PersistentFlags().StringVar(&chainName, "chain", "mainnet", "chain selection")

	root.AddCommand(
		startCmd(&datadir, &chainName, log),
		importCmd(&datadir, &chainName, log),
		exportCmd(&datadir, &chainName, log),
		dbCmd(&datadir, log),
		snapshotCmd(&datadir, log),
		stagesCmd(&datadir, log),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "execd: %v\n", err)
		os.Exit(1)
	}
}
