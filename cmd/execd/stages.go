package main

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eryx-labs/execution/internal/kv"
	"github.com/eryx-labs/execution/internal/node"
	"github.com/eryx-labs/execution/internal/stagedsync"
)

// stagesCmd implements spec §6's "inspect pipeline and prune
// checkpoints": print every stage's SyncStageProgress checkpoint and
// every segment's PruneProgress checkpoint, and (via its unwind
// subcommand) roll the pipeline back to an ancestor block.
func stagesCmd(datadir *string, log *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "inspect staged-pipeline and prune checkpoints",
	}
	cmd.AddCommand(stagesListCmd(datadir, log), stagesUnwindCmd(datadir, log))
	return cmd
}

func stagesListCmd(datadir *string, log *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "print every stage's sync checkpoint and every segment's prune checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.Open(*datadir, 30_000_000, 0, log)
			if err != nil {
				return fmt.Errorf("open node: %w", err)
			}
			defer n.Close()

			ctx := context.Background()
			return n.DB.View(ctx, func(tx kv.RoTx) error {
				for _, id := range stagedsync.Order {
					raw, err := tx.Get(kv.SyncStageProgress, []byte(id))
					if err != nil {
						return err
					}
					fmt.Printf("stage %-24s checkpoint=%d\n", id, decodeU64(raw))
				}

				c, err := tx.Cursor(kv.PruneProgress)
				if err != nil {
					return err
				}
				defer c.Close()
				for k, v, err := c.First(); k != nil; k, v, err = c.Next() {
					if err != nil {
						return err
					}
					fmt.Printf("prune  %-24s highest_pruned=%d\n", string(k), decodeU64(v))
				}
				return nil
			})
		},
	}
}

func stagesUnwindCmd(datadir *string, log *zap.Logger) *cobra.Command {
	var ancestor uint64
	cmd := &cobra.Command{
		Use:   "unwind",
		Short: "unwind every stage back to an ancestor block, in reverse stage order",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.Open(*datadir, 30_000_000, 0, log)
			if err != nil {
				return fmt.Errorf("open node: %w", err)
			}
			defer n.Close()

			pipeline := n.Pipeline(node.NewFileSource(nil), node.NewFileSource(nil))
			if err := pipeline.UnwindTo(context.Background(), ancestor); err != nil {
				return fmt.Errorf("unwind: %w", err)
			}
			log.Info("unwind complete", zap.Uint64("ancestor", ancestor))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&ancestor, "to", 0, "ancestor block number to unwind to (inclusive)")
	return cmd
}

func decodeU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
