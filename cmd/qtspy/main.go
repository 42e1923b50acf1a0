package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/client"
	"github.com/m4xw311/qtspy/config"
	"github.com/m4xw311/qtspy/discovery"
	"github.com/m4xw311/qtspy/inject"
	"github.com/m4xw311/qtspy/logging"
	"github.com/m4xw311/qtspy/terminal"
	"github.com/m4xw311/qtspy/tools"
	"github.com/m4xw311/qtspy/tools/mcp"
)

var version = "dev"

// agentLibraryName is looked up next to the executable when no agent library
// is configured.
const agentLibraryName = "libqtspy-agent.so"

type options struct {
	pid         int
	server      string
	list        bool
	auto        bool
	name        string
	title       string
	interactive bool

	retries      int
	snapshotOnce bool
	selectNode   string
	properties   string
	noInject     bool
	agentLib     string
	console      bool
	mcpCommand   string

	configPath string
	logLevel   string
	noColor    bool
}

func main() {
	var o options
	code := 0
	rootCmd := &cobra.Command{
		Use:   "qtspy",
		Short: "Inspect the live object graph of a running Qt application",
		Long: "qtspy attaches to a running Qt application through a resident agent, injecting\n" +
			"the agent on demand, and prints snapshots, properties and live change events.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := run(cmd, &o)
			code = c
			return err
		},
	}

	f := rootCmd.Flags()
	f.IntVarP(&o.pid, "pid", "p", 0, "Target process id")
	f.StringVarP(&o.server, "server", "s", "", "Connect to an explicit agent endpoint name or socket path")
	f.BoolVarP(&o.list, "list", "l", false, "List Qt processes and exit")
	f.BoolVarP(&o.auto, "auto", "a", false, "Attach to the most recent Qt process")
	f.StringVarP(&o.name, "name", "n", "", "Attach to the Qt process whose name matches (glob, then substring)")
	f.StringVarP(&o.title, "title", "t", "", "Attach to the Qt process whose window title or command line contains this text")
	f.BoolVarP(&o.interactive, "interactive", "i", false, "Choose the Qt process from a menu")
	f.IntVar(&o.retries, "retries", -1, "Maximum timed reconnect attempts (-1 for unbounded)")
	f.BoolVar(&o.snapshotOnce, "snapshot-once", false, "Exit after the first snapshot")
	f.StringVar(&o.selectNode, "select", "", "Select a node after attaching (<id> or first-root)")
	f.StringVar(&o.properties, "properties", "", "Request a node's properties after attaching (<id> or first-root)")
	f.BoolVar(&o.noInject, "no-inject", false, "Never inject the agent; only connect to a running one")
	f.StringVar(&o.agentLib, "agent-lib", "", "Agent shared library to inject")
	f.BoolVar(&o.console, "console", false, "Open an interactive command console instead of streaming")
	f.StringVar(&o.mcpCommand, "mcp", "", "With --console, drive the tools of this MCP server command (e.g. \"qtspy-mcp --pid 42\")")
	f.StringVarP(&o.configPath, "config", "c", "", "Config file (default: ~/.qtspy/config.yaml then ./.qtspy/config.yaml)")
	f.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.BoolVar(&o.noColor, "no-color", false, "Disable colored output")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

func run(cmd *cobra.Command, o *options) (int, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return 1, err
	}
	applyFlags(cmd, o, cfg)

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return 1, err
	}
	defer func() { _ = logger.Sync() }()

	colorize := terminal.ColorEnabled(os.Stdout, o.noColor)
	out := terminal.NewPrinter(os.Stdout, colorize)
	scanner := discovery.NewScanner(cfg.EndpointDir)

	if o.list {
		procs, err := scanner.List()
		if err != nil {
			return 1, err
		}
		out.Processes(procs)
		return 0, nil
	}

	if o.mcpCommand != "" {
		if !o.console {
			return 1, fmt.Errorf("--mcp requires --console")
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRemoteConsole(ctx, o.mcpCommand, os.Stdin, os.Stdout)
	}

	r := &resolver{
		scanner: scanner,
		dir:     cfg.EndpointDir,
		stderr:  terminal.NewPrinter(os.Stderr, terminal.ColorEnabled(os.Stderr, o.noColor)),
		log:     logger,
		pick: func(procs []discovery.Process) (int, error) {
			return terminal.Pick(procs, os.Stdin, os.Stderr)
		},
	}
	tgt, err := r.resolve(o)
	if err != nil {
		return 1, err
	}
	logger.Debug("resolved target", zap.Strings("candidates", tgt.candidates), zap.Int("pid", tgt.pid))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.console {
		return runConsole(ctx, cfg, tgt, logger)
	}

	loader := inject.NewLoader(logger.Named("inject"))
	loader.RuntimeLibrary = cfg.RuntimeLibrary

	engine := client.New(client.Options{
		Candidates:    tgt.candidates,
		Dir:           cfg.EndpointDir,
		Pid:           tgt.pid,
		MaxRetries:    cfg.Retries,
		RetryBase:     cfg.RetryBaseDelay,
		HelloTimeout:  cfg.HelloTimeout,
		DetachTimeout: cfg.DetachTimeout,
		Inject:        cfg.Inject,
		AgentLibrary:  agentLibrary(cfg.AgentLibrary),
		Injector:      loader,
		Select:        client.ParseTarget(o.selectNode, false),
		Properties:    client.ParseTarget(o.properties, false),
		SnapshotOnce:  o.snapshotOnce,
		ClientName:    "qtspy",
		Handler:       out,
		Logger:        logger,
	})
	return engine.Run(ctx), nil
}

// applyFlags lets explicitly set flags override the configuration.
func applyFlags(cmd *cobra.Command, o *options, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("retries") {
		cfg.Retries = o.retries
	}
	if o.noInject {
		cfg.Inject = false
	}
	if o.agentLib != "" {
		cfg.AgentLibrary = o.agentLib
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
}

// agentLibrary returns the configured agent library, or the one installed
// next to the executable.
func agentLibrary(configured string) string {
	if configured != "" {
		return configured
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	path := filepath.Join(filepath.Dir(exe), agentLibraryName)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// runRemoteConsole starts an MCP server and drives its tools from the console.
func runRemoteConsole(ctx context.Context, command string, in io.Reader, out io.Writer) (int, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return 1, fmt.Errorf("empty --mcp command")
	}
	client, err := mcp.NewMCPClient(ctx, argv[0], argv[0], argv[1:])
	if err != nil {
		return 1, err
	}
	defer client.Stop()

	fmt.Fprintf(out, "Connected to %s. Type 'help' for commands.\n", argv[0])
	console := terminal.NewConsole(client.Registry(), in, out)
	if err := console.Run(ctx, ""); err != nil && ctx.Err() == nil {
		return 1, err
	}
	return 0, nil
}

func runConsole(ctx context.Context, cfg *config.Config, tgt target, logger *zap.Logger) (int, error) {
	var (
		sess *tools.AgentSession
		err  error
	)
	for _, name := range tgt.candidates {
		sess, err = tools.Attach(ctx, cfg.EndpointDir, name, "qtspy-console", logger)
		if err == nil {
			break
		}
		logger.Debug("candidate unavailable", zap.String("server", name), zap.Error(err))
	}
	if sess == nil {
		return 1, fmt.Errorf("no agent is listening for this target (last error: %w)", err)
	}
	defer sess.Close(cfg.DetachTimeout)

	info := sess.Info()
	fmt.Printf("Attached to %s (pid %d). Type 'help' for commands.\n", info.ApplicationName, info.ApplicationPid)
	console := terminal.NewConsole(tools.NewToolRegistry(sess), os.Stdin, os.Stdout)
	if err := console.Run(ctx, ""); err != nil && ctx.Err() == nil {
		return 1, err
	}
	return 0, nil
}
