package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4xw311/qtspy/agent"
	"github.com/m4xw311/qtspy/logging"
	"github.com/m4xw311/qtspy/loop"
	"github.com/m4xw311/qtspy/objgraph"
)

type options struct {
	name     string
	dir      string
	interval time.Duration
	logLevel string
}

func main() {
	var o options
	rootCmd := &cobra.Command{
		Use:          "qtspy-demo",
		Short:        "Run a simulated GUI application with a resident qtspy agent",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &o)
		},
	}
	f := rootCmd.Flags()
	f.StringVarP(&o.name, "name", "n", "", "Agent endpoint name (default: derived from application name and pid)")
	f.StringVar(&o.dir, "dir", "", "Directory for the agent endpoint (default: system temp dir)")
	f.DurationVar(&o.interval, "interval", time.Second, "Time between simulated UI mutations (0 disables them)")
	f.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, o *options) error {
	logger, err := logging.New(o.logLevel, false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	d := newDemo("qtspy-demo", os.Getpid())
	l := loop.New()
	boot := agent.NewBootstrap(d.app, l, agent.Options{
		ServerName: o.name,
		Dir:        o.dir,
		Logger:     logger.Named("agent"),
	})
	// Registered before the loop starts, the way a library constructor would.
	boot.Ensure()
	l.Start()
	defer l.Stop()
	defer boot.Shutdown()

	if o.interval > 0 {
		tick := l.Every(o.interval, d.step)
		defer tick.Stop()
	}

	ready := time.NewTicker(10 * time.Millisecond)
	defer ready.Stop()
	for boot.State() != agent.Started {
		if err := boot.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ready.C:
		}
	}
	logger.Info("demo application running",
		zap.String("server", boot.Agent().ServerName()),
		zap.String("socket", boot.Agent().SocketPath()),
		zap.Int("pid", os.Getpid()))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// demo owns a small widget tree and mutates it one step at a time. All
// methods run on the loop goroutine.
type demo struct {
	app    *objgraph.App
	main   *objgraph.Node
	status *objgraph.Node
	list   *objgraph.Node
	popup  *objgraph.Node
	ticks  int
}

func newDemo(name string, pid int) *demo {
	d := &demo{app: objgraph.NewApp(name, pid)}
	d.status = objgraph.NewNode("QLabel", "statusLabel").
		Declare("text", "ready", true).
		Declare("enabled", true, true)
	d.list = objgraph.NewNode("QListWidget", "items").Declare("count", 0, true)
	refresh := objgraph.NewNode("QPushButton", "refreshButton").
		Declare("text", "Refresh", true).
		Declare("toolTip", "", false)
	central := objgraph.NewNode("QWidget", "centralWidget").
		AddChild(d.status).
		AddChild(d.list).
		AddChild(refresh)
	d.main = objgraph.NewNode("QMainWindow", "mainWindow").
		Declare("windowTitle", "qtspy demo", true).
		Declare("visible", true, true).
		AddChild(central)
	d.app.AddWindow(d.main)
	return d
}

// step advances the simulation: the status text changes every tick, list
// items come and go, and every fifth tick a dialog opens or closes.
func (d *demo) step() {
	d.ticks++
	d.status.Set("text", fmt.Sprintf("tick %d", d.ticks))

	items := d.list.Children()
	if d.ticks%3 == 0 && len(items) > 0 {
		if n, ok := items[0].(*objgraph.Node); ok {
			n.Destroy()
		}
	} else {
		d.list.AddChild(objgraph.NewNode("QListWidgetItem", fmt.Sprintf("item%d", d.ticks)).
			Declare("text", fmt.Sprintf("Item %d", d.ticks), false))
	}
	d.list.Set("count", len(d.list.Children()))

	if d.ticks%5 == 0 {
		if d.popup == nil {
			d.popup = objgraph.NewNode("QDialog", "aboutDialog").
				Declare("modal", true, true).
				AddChild(objgraph.NewNode("QLabel", "aboutText").Declare("text", "qtspy demo", false))
			d.app.AddWindow(d.popup)
		} else {
			d.app.RemoveWindow(d.popup)
			d.popup.Destroy()
			d.popup = nil
		}
	}
}
