package agent

import (
	"sync"

	"github.com/m4xw311/qtspy/loop"
	"github.com/m4xw311/qtspy/objgraph"
)

var process struct {
	once sync.Once
	boot *Bootstrap
}

// Ensure starts the process-wide agent. The first call fixes the host, loop
// and options; later calls only repeat Bootstrap.Ensure on the same instance,
// so loading the agent library twice never opens a second endpoint.
func Ensure(host objgraph.Host, l *loop.Loop, opts Options) *Bootstrap {
	process.once.Do(func() {
		process.boot = NewBootstrap(host, l, opts)
	})
	process.boot.Ensure()
	return process.boot
}

// Process returns the process-wide bootstrap, or nil before the first Ensure.
func Process() *Bootstrap {
	return process.boot
}
