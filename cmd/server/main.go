package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"uiresolve-mcp-server/internal/config"
	"uiresolve-mcp-server/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath   string
	WorkspaceDir string
	NoWorkspace  bool
	SSEPort      int
	LogLevel     string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "uiresolve-mcp",
		Short: "Adaptive UI action resolution over MCP",
		Long: `uiresolve-mcp resolves semantic UI targets ("post button") to DOM
locators, learns which locators work per caller, promotes proven ones to
shared memory and exposes it all as MCP tools.

Running without a subcommand is the same as "serve".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "explicit config file (overrides workspace config)")
	cmd.PersistentFlags().StringVar(&opts.WorkspaceDir, "workspace-dir", "", "use this directory as workspace root")
	cmd.PersistentFlags().BoolVar(&opts.NoWorkspace, "no-workspace", false, "skip .uiresolve/ workspace discovery")
	cmd.PersistentFlags().IntVar(&opts.SSEPort, "sse-port", 0, "serve SSE and HTTP RPC on this port instead of stdio")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newInitCommand(opts))
	cmd.AddCommand(newMetricsCommand(opts))
	cmd.AddCommand(newMemoryCommand(opts))

	return cmd
}

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the MCP server (stdio, or SSE with --sse-port)",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// loadConfig merges workspace, explicit file, env and flags.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, _, err := config.LoadWithWorkspace(opts.ConfigPath, config.WorkspaceOptions{
		Disable:     opts.NoWorkspace,
		ExplicitDir: opts.WorkspaceDir,
	})
	if err != nil {
		return cfg, err
	}
	if opts.SSEPort != 0 {
		cfg.MCP.SSEPort = opts.SSEPort
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	return cfg, nil
}

func runServe(parent context.Context, opts *RootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// stderr is safe in stdio mode; stdout carries the protocol.
	logger := logging.New(cfg.Server.Name, cfg.Logging, logging.Console(cfg.Logging.Console || cfg.MCP.SSEPort > 0))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}

	if cfg.Browser.AutoStart {
		if err := a.sessions.Start(ctx); err != nil {
			_ = a.close(context.Background())
			return fmt.Errorf("start browser: %w", err)
		}
	} else {
		logger.Info("browser auto-start disabled; use launch-browser to attach later")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if cfg.MCP.SSEPort > 0 {
			logger.Info("starting sse server", zap.Int("port", cfg.MCP.SSEPort))
			return a.server.StartSSE(gctx, cfg.MCP.SSEPort)
		}
		logger.Info("starting stdio server")
		return a.server.Start(gctx)
	})
	runErr := g.Wait()

	closeErr := a.close(context.Background())
	if closeErr != nil {
		logger.Warn("shutdown incomplete", zap.Error(closeErr))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("server exited: %w", runErr)
	}
	return nil
}
