package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eryx-labs/execution/internal/kv"
	"github.com/eryx-labs/execution/internal/node"
)

// dbCmd implements spec §6's "run database maintenance (reclaim
// space)": a stats subcommand reporting per-table row counts, and a
// compact subcommand. The in-memory memtable.Engine this node uses
// (internal/node's stand-in for the durable mmap-backed engine, see
// DESIGN.md) holds no free-list fragmentation to reclaim, so compact
// here is a logged no-op rather than a fabricated reclaim pass.
func dbCmd(datadir *string, log *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "database maintenance",
	}
	cmd.AddCommand(dbStatsCmd(datadir, log), dbCompactCmd(datadir, log))
	return cmd
}

func dbStatsCmd(datadir *string, log *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print per-table row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.Open(*datadir, 30_000_000, 0, log)
			if err != nil {
				return fmt.Errorf("open node: %w", err)
			}
			defer n.Close()

			return n.DB.View(context.Background(), func(tx kv.RoTx) error {
				for _, table := range kv.AllTables {
					c, err := tx.Cursor(table)
					if err != nil {
						return fmt.Errorf("cursor %s: %w", table, err)
					}
					var count uint64
					for k, _, err := c.First(); k != nil; k, _, err = c.Next() {
						if err != nil {
							c.Close()
							return err
						}
						count++
					}
					c.Close()
					fmt.Printf("%-28s %d\n", table, count)
				}
				return nil
			})
		},
	}
}

func dbCompactCmd(datadir *string, log *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "reclaim free space in the storage engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.Open(*datadir, 30_000_000, 0, log)
			if err != nil {
				return fmt.Errorf("open node: %w", err)
			}
			defer n.Close()
			log.Info("db compact: in-memory engine has no on-disk fragmentation to reclaim, nothing to do")
			return nil
		},
	}
}
