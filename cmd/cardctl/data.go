package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agenthands/cardforge/internal/core"
	"github.com/agenthands/cardforge/internal/core/audit"
)

var (
	exportFormat string

	auditEntityType string
	auditEntityID   string
	auditUser       string
	auditCursor     string
	auditLimit      int

	ingestScan bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export approved content per requirement",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *core.Engine) error {
			rows, err := e.ApprovedContent(ctx)
			if err != nil {
				return err
			}
			return printAs(cmd.OutOrStdout(), exportFormat, rows)
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Page through the audit trail",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *core.Engine) error {
			page, err := e.Audit.List(ctx, audit.Filter{
				EntityType: auditEntityType,
				EntityID:   auditEntityID,
				UserID:     auditUser,
				Cursor:     auditCursor,
				Limit:      auditLimit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		})
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <document.json>",
	Short: "Ingest one processed document with its topic links",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var in core.IngestInput
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}
		in.Scan = in.Scan || ingestScan
		return withEngine(cmd, func(ctx context.Context, e *core.Engine) error {
			rep, err := e.Ingest(ctx, in, actor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Re-evaluate every requirement",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *core.Engine) error {
			n, err := e.Matcher.EvaluateAll(ctx, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d requirements evaluated\n", n)
			return nil
		})
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Manage the graph projection",
}

var graphSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Project the whole store into Memgraph",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *core.Engine) error {
			if e.Projector == nil {
				return errors.New("graph projection is not configured (memgraph.enabled)")
			}
			rep, err := e.Projector.Sync(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Output format: json or yaml")

	auditCmd.Flags().StringVar(&auditEntityType, "entity-type", "", "Filter by entity type")
	auditCmd.Flags().StringVar(&auditEntityID, "entity-id", "", "Filter by entity id")
	auditCmd.Flags().StringVar(&auditUser, "user", "", "Filter by user id")
	auditCmd.Flags().StringVar(&auditCursor, "cursor", "", "Cursor from a previous page")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Entries per page")

	ingestCmd.Flags().BoolVar(&ingestScan, "scan", false, "Run a conflict scan afterwards")

	graphCmd.AddCommand(graphSyncCmd)
	rootCmd.AddCommand(exportCmd, auditCmd, ingestCmd, matchCmd, graphCmd)
}
