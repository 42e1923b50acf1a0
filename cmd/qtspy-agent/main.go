// Command qtspy-agent is the agent library loaded into target processes.
//
// Build it as a shared object:
//
//	CGO_ENABLED=1 go build -buildmode=c-shared -o libqtspy-agent.so ./cmd/qtspy-agent
//
// Loading the library starts the process-wide agent from init. Hosts that load
// it without running package initializers can call qt_spy_start_agent, which
// is safe to call any number of times.
//
// The endpoint directory and log level come from the qtspy config file in the
// target user's home directory, overridden by QTSPY_ENDPOINT_DIR and
// QTSPY_LOG_LEVEL in the target's environment.
package main

import "C"

import (
	"os"
	"sync"

	"github.com/m4xw311/qtspy/agent"
	"github.com/m4xw311/qtspy/config"
	"github.com/m4xw311/qtspy/logging"
	"github.com/m4xw311/qtspy/loop"
	"github.com/m4xw311/qtspy/objgraph"
	"github.com/m4xw311/qtspy/protocol"
)

var hostLoop = sync.OnceValue(func() *loop.Loop {
	l := loop.New()
	l.Start()
	return l
})

func init() {
	start()
}

//export qt_spy_start_agent
func qt_spy_start_agent() {
	start()
}

func start() {
	cfg, err := config.Load("")
	if err != nil {
		cfg = config.Default()
	}
	if dir := os.Getenv("QTSPY_ENDPOINT_DIR"); dir != "" {
		cfg.EndpointDir = dir
	}
	if lvl := os.Getenv("QTSPY_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}

	pid := os.Getpid()
	host := objgraph.NewApp(protocol.ProcessName(pid), pid)
	agent.Ensure(host, hostLoop(), agent.Options{
		Dir:    cfg.EndpointDir,
		Logger: logging.Must(cfg.LogLevel, cfg.LogJSON).Named("agent"),
	})
}

func main() {}
