package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agenthands/cardforge/internal/core"
	"github.com/agenthands/cardforge/internal/core/model"
)

var policyOut string

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Read or replace the guardrail policy",
}

var policyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the policy in force as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *core.Engine) error {
			p, err := e.Policy(ctx)
			if err != nil {
				return err
			}
			if policyOut == "" {
				return printYAML(cmd.OutOrStdout(), p)
			}
			data, err := yaml.Marshal(p)
			if err != nil {
				return err
			}
			return os.WriteFile(policyOut, data, 0o644)
		})
	},
}

var policyImportCmd = &cobra.Command{
	Use:   "import <policy.yaml>",
	Short: "Store a YAML policy as the next policy version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var p model.GuardrailPolicy
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}
		return withEngine(cmd, func(ctx context.Context, e *core.Engine) error {
			saved, err := e.UpdatePolicy(ctx, p, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy version %d stored\n", saved.Version)
			return nil
		})
	},
}

func init() {
	policyExportCmd.Flags().StringVarP(&policyOut, "out", "o", "", "Write to a file instead of stdout")
	policyCmd.AddCommand(policyExportCmd, policyImportCmd)
	rootCmd.AddCommand(policyCmd)
}
