package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// snapshotCmd implements spec §6's "dump or restore a snapshot": the
// freezer segment store under datadir/segments is the immutable,
// file-based half of storage (spec §4.1), so a snapshot is a plain
// recursive copy of that directory - no open transaction can be
// straddling it, since segments are append-only and only ever
// extended by the staged pipeline between runs.
func snapshotCmd(datadir *string, log *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "dump or restore a segment-store snapshot",
	}
	cmd.AddCommand(snapshotDumpCmd(datadir, log), snapshotRestoreCmd(datadir, log))
	return cmd
}

func snapshotDumpCmd(datadir *string, log *zap.Logger) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "copy the segment store to a target directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			src := filepath.Join(*datadir, "segments")
			if err := copyTree(src, out); err != nil {
				return fmt.Errorf("dump snapshot: %w", err)
			}
			log.Info("snapshot dumped", zap.String("from", src), zap.String("to", out))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "destination directory")
	return cmd
}

func snapshotRestoreCmd(datadir *string, log *zap.Logger) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "copy a snapshot into this datadir's segment store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" {
				return fmt.Errorf("--in is required")
			}
			dst := filepath.Join(*datadir, "segments")
			if err := copyTree(in, dst); err != nil {
				return fmt.Errorf("restore snapshot: %w", err)
			}
			log.Info("snapshot restored", zap.String("from", in), zap.String("to", dst))
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "source snapshot directory")
	return cmd
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
