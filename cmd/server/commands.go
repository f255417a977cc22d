package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"uiresolve-mcp-server/internal/config"
	"uiresolve-mcp-server/internal/learning"
	"uiresolve-mcp-server/internal/memory"
	"uiresolve-mcp-server/internal/telemetry"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newInitCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .uiresolve/ workspace with a template config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := opts.WorkspaceDir
			if len(args) == 1 {
				root = args[0]
			}
			if root == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				root = cwd
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized workspace in %s\n", root)
			return nil
		},
	}
}

type metricsOptions struct {
	*RootOptions
	Days  int
	Limit int
}

func newMetricsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &metricsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print daily resolution metrics from the sqlite telemetry log",
		Long: `Aggregate persisted telemetry into daily hit rates, learning counts,
promotions and decays. Requires the sqlite telemetry writer.

Examples:
  uiresolve-mcp metrics --days 30`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.RootOptions)
			if err != nil {
				return err
			}
			w, err := telemetry.NewSQLiteWriter(cfg.Telemetry.SQLitePath)
			if err != nil {
				return err
			}
			defer w.Close()

			since := time.Now().AddDate(0, 0, -opts.Days)
			events, err := w.Query(cmd.Context(), since, opts.Limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"since":  since.UTC().Format(time.RFC3339),
				"events": len(events),
				"daily":  telemetry.Aggregate(events),
			})
		},
	}

	cmd.Flags().IntVar(&opts.Days, "days", 7, "days of history to aggregate")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100000, "maximum events read")
	return cmd
}

type memoryOptions struct {
	*RootOptions
	Scope  string
	Owner  string
	Route  string
	Limit  int
	Caller string
}

func newMemoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &memoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect learned locator memory",
	}

	list := &cobra.Command{
		Use:          "list",
		Short:        "List memory entries",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), memory.Filter{
				Scope: memory.Scope(opts.Scope),
				Owner: opts.Owner,
				Route: opts.Route,
				Limit: opts.Limit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	list.Flags().StringVar(&opts.Scope, "scope", "", "user or global (default both)")
	list.Flags().StringVar(&opts.Owner, "owner", "", "only entries owned by this caller")
	list.Flags().StringVar(&opts.Route, "route", "", "only entries for this route")
	list.Flags().IntVar(&opts.Limit, "limit", 0, "maximum entries (0 = all)")

	export := &cobra.Command{
		Use:          "export",
		Short:        "Export one caller's learned locators",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Caller == "" {
				return fmt.Errorf("--caller is required")
			}
			store, err := openStore(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer store.Close()

			// The action journal is in-process only, so offline exports carry entries.
			out, err := learning.NewExporter(store, learning.NewJournal(1, nil)).Export(cmd.Context(), opts.Caller)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	export.Flags().StringVar(&opts.Caller, "caller", "", "caller whose user-scope entries are exported")

	cmd.AddCommand(list, export)
	return cmd
}

func openStore(cmd *cobra.Command, opts *RootOptions) (*memory.Store, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	backend, err := memory.Open(cmd.Context(), cfg.Memory, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("open memory backend: %w", err)
	}
	return memory.NewStore(backend, zap.NewNop()), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
