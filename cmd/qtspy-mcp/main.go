package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/config"
	"github.com/m4xw311/qtspy/discovery"
	"github.com/m4xw311/qtspy/logging"
	"github.com/m4xw311/qtspy/tools"
	"github.com/m4xw311/qtspy/tools/mcp"
)

var version = "dev"

type options struct {
	server     string
	pid        int
	dir        string
	tools      []string
	configPath string
	logLevel   string
}

func main() {
	var o options
	rootCmd := &cobra.Command{
		Use:   "qtspy-mcp",
		Short: "Serve a running Qt application's object graph as MCP tools over stdio",
		Long: "qtspy-mcp attaches to a resident qtspy agent and exposes snapshot, properties,\n" +
			"select_node and changes as Model Context Protocol tools on stdin/stdout.",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &o)
		},
	}
	f := rootCmd.Flags()
	f.StringVarP(&o.server, "server", "s", "", "Agent endpoint name or socket path")
	f.IntVarP(&o.pid, "pid", "p", 0, "Target process id")
	f.StringVar(&o.dir, "dir", "", "Directory holding agent endpoints (default: system temp dir)")
	f.StringSliceVar(&o.tools, "tools", []string{"*"}, "Glob patterns selecting the tools to expose")
	f.StringVarP(&o.configPath, "config", "c", "", "Config file")
	f.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, o *options) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.dir != "" {
		cfg.EndpointDir = o.dir
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	// stdout carries the protocol; logs go to stderr.
	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	candidates, err := candidates(o, discovery.NewScanner(cfg.EndpointDir))
	if err != nil {
		return err
	}
	sess, err := attach(ctx, cfg.EndpointDir, candidates, logger)
	if err != nil {
		return err
	}
	defer sess.Close(cfg.DetachTimeout)

	active, err := tools.NewToolRegistry(sess).GetActiveTools(o.tools)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return fmt.Errorf("no tools match %v", o.tools)
	}
	info := sess.Info()
	logger.Info("serving MCP tools",
		zap.String("application", info.ApplicationName),
		zap.Int64("pid", info.ApplicationPid),
		zap.Int("tools", len(active)))

	server := mcp.NewServer("qtspy", version, active, logger.Named("mcp"))
	if err := mcp.Serve(ctx, server); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func candidates(o *options, scanner *discovery.Scanner) ([]string, error) {
	switch {
	case o.server != "":
		return []string{o.server}, nil
	case o.pid > 0:
		return discovery.Candidates(scanner.EndpointDir, o.pid, scanner.Comm(o.pid)), nil
	case o.pid < 0:
		return nil, fmt.Errorf("invalid PID supplied: %d", o.pid)
	}
	return nil, fmt.Errorf("one of --server or --pid is required")
}

func attach(ctx context.Context, dir string, names []string, log *zap.Logger) (*tools.AgentSession, error) {
	var lastErr error
	for _, name := range names {
		sess, err := tools.Attach(ctx, dir, name, "qtspy-mcp", log)
		if err == nil {
			return sess, nil
		}
		log.Debug("candidate unavailable", zap.String("server", name), zap.Error(err))
		lastErr = err
	}
	return nil, fmt.Errorf("no agent is listening for this target (last error: %w)", lastErr)
}
