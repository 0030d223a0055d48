package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenthands/cardforge/internal/core"
	"github.com/agenthands/cardforge/internal/core/conflict"
)

var scanResume int

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a conflict scan over every live card and document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *core.Engine) error {
			rep, err := e.Scan(ctx, conflict.ScanOptions{ResumeFrom: scanResume, Actor: actor})
			if err != nil {
				return err
			}
			if rep.Cancelled {
				fmt.Fprintf(cmd.ErrOrStderr(), "scan interrupted; resume with --resume %d\n", rep.Checkpoint)
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List conflicts whose entities no longer exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *core.Engine) error {
			out, err := e.Detector.Orphaned(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		})
	},
}

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Group pending conflicts by the entities they share",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *core.Engine) error {
			out, err := e.Detector.PendingClusters(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		})
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <conflict-id>...",
	Short: "Apply the suggested resolution of each conflict",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *core.Engine) error {
			res := e.Detector.BatchAccept(ctx, args, actor)
			for _, it := range res.Items {
				if it.Err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", it.ConflictID, it.Err)
				}
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d conflicts not resolved", res.Failed, len(res.Items))
			}
			return nil
		})
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanResume, "resume", 0, "Checkpoint of an interrupted scan")
	rootCmd.AddCommand(scanCmd, orphansCmd, clustersCmd, acceptCmd)
}
