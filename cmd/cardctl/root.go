package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agenthands/cardforge/internal/app"
	"github.com/agenthands/cardforge/internal/core"
)

var (
	configPath string
	actor      string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "cardctl",
	Short:         "Operate the knowledge card store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config/config.toml"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Path to the TOML configuration")
	rootCmd.PersistentFlags().StringVar(&actor, "as", "cardctl", "User id recorded in the audit trail")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openEngine builds the engine from --config. Callers must Close it.
func openEngine(ctx context.Context) (*core.Engine, error) {
	log := logger()
	cfg, err := app.LoadConfig(configPath, log)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, log)
}

// withEngine runs fn against a freshly opened engine.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *core.Engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func printAs(w io.Writer, format string, v any) error {
	switch format {
	case "json", "":
		return printJSON(w, v)
	case "yaml":
		return printYAML(w, v)
	default:
		return fmt.Errorf("unknown format %q (json or yaml)", format)
	}
}
